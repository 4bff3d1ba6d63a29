package validation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidID(t *testing.T) {
	assert.True(t, IsValidID("user_1"))
	assert.True(t, IsValidID("evt-2024.09:07"))
	assert.False(t, IsValidID(""))
	assert.False(t, IsValidID("has space"))
	assert.False(t, IsValidID("semi;colon"))

	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	assert.False(t, IsValidID(string(long)))
}

func TestIsValidIP(t *testing.T) {
	assert.True(t, IsValidIP("203.0.113.7"))
	assert.True(t, IsValidIP("2001:db8::1"))
	assert.False(t, IsValidIP("not.an.ip"))
	assert.False(t, IsValidIP(""))
}

func TestCoordinateValidation(t *testing.T) {
	assert.True(t, IsValidLatitude(41.8781))
	assert.True(t, IsValidLongitude(-87.6298))
	assert.False(t, IsValidLatitude(91))
	assert.False(t, IsValidLongitude(-181))
	assert.False(t, IsValidLatitude(math.NaN()))
	assert.False(t, IsValidLongitude(math.Inf(1)))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "ab", SanitizeString("abcd", 2))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}
