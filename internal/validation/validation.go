// Package validation provides input validation helpers and middleware for the
// risk API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB). A session of a few
// hundred snapshots fits comfortably.
const MaxRequestSize = 1 << 20

// MaxUserIDLength bounds user ids; they become storage keys and log fields.
const MaxUserIDLength = 128

var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.@:-]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID checks that a user id is non-empty, bounded and free of
// whitespace, separators and control characters.
func IsValidUserID(id string) bool {
	return len(id) > 0 && len(id) <= MaxUserIDLength && userIDRegex.MatchString(id)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidUserID checks a user id field.
func ValidUserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidUserID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits or _.@:-"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// InRange checks an optional number against closed bounds.
func InRange(field string, value *float64, lo, hi float64) func() *ValidationError {
	return func() *ValidationError {
		if value == nil {
			return nil
		}
		if *value < lo || *value > hi {
			return &ValidationError{Field: field, Message: "out of range"}
		}
		return nil
	}
}

// UserIDParamMiddleware rejects malformed :user_id URL parameters early.
func UserIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("user_id")
		if id != "" && !IsValidUserID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "user_id must be 1-128 characters of letters, digits or _.@:-",
			})
			return
		}
		c.Next()
	}
}
