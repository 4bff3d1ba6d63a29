// Package validation provides input validation helpers and middleware for the API.
package validation

import (
	"math"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-form string fields
const MaxStringLength = 256

// idRegex validates identifiers (event ids, entity ids, merchant ids, device ids)
var idRegex = regexp.MustCompile(`^[A-Za-z0-9._:\-]{1,64}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks that an identifier is non-empty, bounded, and uses safe characters
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// IsValidIP checks that a string parses as an IPv4 or IPv6 address
func IsValidIP(s string) bool {
	return net.ParseIP(s) != nil
}

// IsFinite reports whether a float is neither NaN nor infinite
func IsFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// IsValidLatitude checks that a latitude is finite and within [-90, 90]
func IsValidLatitude(lat float64) bool {
	return IsFinite(lat) && lat >= -90 && lat <= 90
}

// IsValidLongitude checks that a longitude is finite and within [-180, 180]
func IsValidLongitude(lon float64) bool {
	return IsFinite(lon) && lon >= -180 && lon <= 180
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}
