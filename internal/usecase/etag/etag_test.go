package etag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromData_QuotedAndDeterministic(t *testing.T) {
	a := FromData([]byte("hello"))
	assert.True(t, strings.HasPrefix(a, `"`))
	assert.True(t, strings.HasSuffix(a, `"`))
	assert.Equal(t, a, FromData([]byte("hello")))
	assert.NotEqual(t, a, FromData([]byte("hello!")))
}

func TestFromText_Unquoted(t *testing.T) {
	v := FromText("seed")
	assert.Len(t, v, 64)
	assert.NotContains(t, v, `"`)
	assert.NotEqual(t, v, FromText("seed/next"))
}

func TestUnquote(t *testing.T) {
	assert.Equal(t, "abc", Unquote(`"abc"`))
	assert.Equal(t, "abc", Unquote("abc"))

	data := []byte("payload")
	assert.Equal(t, FromData(data), `"`+Unquote(FromData(data))+`"`)
}
