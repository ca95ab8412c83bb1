package storage

import "errors"

// Error taxonomy. Validation errors from item parsing surface as
// item.ErrInvalid; everything storage-specific is classified here so the
// DAV layer can pick the right status code.
var (
	// ErrNotFound marks a missing item, collection or history entry.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict marks a UID collision on upload/move or an
	// already-existing component on create.
	ErrConflict = errors.New("storage: resource conflict")
	// ErrUnsupportedTag rejects collection tags other than VCALENDAR,
	// VADDRESSBOOK or empty.
	ErrUnsupportedTag = errors.New("storage: unsupported collection tag")
	// ErrBadHref rejects hrefs that are not filename-safe.
	ErrBadHref = errors.New("storage: unsafe href")
	// ErrTokenMalformed marks a syntactically invalid sync token,
	// independent of store state.
	ErrTokenMalformed = errors.New("storage: malformed sync token")
	// ErrTokenUnknown marks a well-formed token whose snapshot is gone.
	ErrTokenUnknown = errors.New("storage: invalid sync token")
)
