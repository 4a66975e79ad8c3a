// Package validation provides input validation helpers and middleware for
// the control-plane HTTP boundaries.
package validation

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

var (
	phoneRegex = regexp.MustCompile(`^(\+221)?\d{9}$`)
	pinRegex   = regexp.MustCompile(`^\d{4}$`)
	hexRegex   = regexp.MustCompile(`^[a-fA-F0-9]+$`)
)

// RequestSizeMiddleware limits the request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPhone checks the Senegal-style MSISDN format used by the USSD engine.
func IsValidPhone(phone string) bool {
	return phoneRegex.MatchString(phone)
}

// IsValidPIN checks the 4-digit PIN format.
func IsValidPIN(pin string) bool {
	return pinRegex.MatchString(pin)
}

// IsValidHex checks if a string is valid hex.
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// SanitizeString trims, caps length, and strips null bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs each validator and collects the non-nil errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidPhone checks an MSISDN against the Senegal format.
func ValidPhone(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidPhone(value) {
			return &ValidationError{Field: field, Message: "must match ^(+221)?\\d{9}$"}
		}
		return nil
	}
}

// ValidPIN checks a PIN is exactly 4 digits.
func ValidPIN(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidPIN(value) {
			return &ValidationError{Field: field, Message: "must be exactly 4 digits"}
		}
		return nil
	}
}

// PositiveAmount checks that value parses as a positive decimal amount.
func PositiveAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive amount"}
		}
		return nil
	}
}

// InRange checks an integer percentage/score is within [min, max].
func InRange(field string, value, min, max int) func() *ValidationError {
	return func() *ValidationError {
		if value < min || value > max {
			return &ValidationError{Field: field, Message: "out of range"}
		}
		return nil
	}
}

// RequireRoles returns gin middleware that rejects the request unless the
// authenticated caller's role (set by upstream auth middleware into the
// "callerRole" context key) is one of allowed.
func RequireRoles(allowed ...string) gin.HandlerFunc {
	set := make(map[string]bool, len(allowed))
	for _, r := range allowed {
		set[r] = true
	}
	return func(c *gin.Context) {
		role := c.GetString("callerRole")
		if !set[role] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "caller role not authorized for this operation",
			})
			return
		}
		c.Next()
	}
}
