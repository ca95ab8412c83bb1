package etag

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// FromData computes the content fingerprint of an item's serialized bytes,
// quoted per RFC 2616.
func FromData(data []byte) string {
	csum := sha256.Sum256(data)
	return strconv.Quote(hex.EncodeToString(csum[:]))
}

// FromText hashes an arbitrary string the same way, unquoted. History etag
// chains are built from this.
func FromText(text string) string {
	csum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(csum[:])
}

// Unquote strips the RFC 2616 quoting, tolerating already-bare values.
func Unquote(etag string) string {
	if unquoted, err := strconv.Unquote(etag); err == nil {
		return unquoted
	}
	return strings.Trim(etag, `"`)
}
