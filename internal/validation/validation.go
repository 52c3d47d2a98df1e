// Package validation provides input validation for the verification API.
package validation

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (5MB, batch uploads included)
const MaxRequestSize = 5 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

var (
	// swishReferenceRegex validates Swish payment references (10-12 digits)
	swishReferenceRegex = regexp.MustCompile(`^[0-9]{10,12}$`)
	// phoneRegex validates Swedish mobile numbers, national or E.164 form
	phoneRegex = regexp.MustCompile(`^(\+467[0-9]{8}|07[0-9]{8})$`)
	// amountRegex validates decimal amounts with exactly two places
	amountRegex = regexp.MustCompile(`^[0-9]+\.[0-9]{2}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSwishReference checks if a string is a valid Swish payment reference
func IsValidSwishReference(ref string) bool {
	return swishReferenceRegex.MatchString(ref)
}

// IsValidPhone checks if a string is a valid Swedish mobile number
func IsValidPhone(number string) bool {
	return phoneRegex.MatchString(number)
}

// IsValidAmountFormat checks that an amount string carries exactly two
// decimal places
func IsValidAmountFormat(s string) bool {
	return amountRegex.MatchString(s)
}

// ParseAmount parses a two-decimal amount string
func ParseAmount(s string) (float64, bool) {
	if !IsValidAmountFormat(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// NormalizePhone converts a national Swedish mobile number to E.164
func NormalizePhone(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, "07") {
		return "+46" + number[1:]
	}
	return number
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}
