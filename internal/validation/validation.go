// Package validation checks the names a remote object store accepts for
// classes, attributes and object ids.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxNameLength bounds class and attribute names.
const MaxNameLength = 128

// reserved attributes are maintained by the store and cannot be written.
var reserved = map[string]bool{
	"objectId":  true,
	"createdAt": true,
	"updatedAt": true,
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateName returns an error unless value is a non-empty identifier of
// ASCII letters, digits and underscores that does not start with a digit.
func ValidateName(field, value string) *ValidationError {
	if value == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	if utf8.RuneCountInString(value) > MaxNameLength {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", MaxNameLength),
		}
	}
	for i, r := range value {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return &ValidationError{
				Field:   field,
				Message: "must contain only letters, digits and underscores and not start with a digit",
			}
		}
	}
	return nil
}

// ValidateClassName validates a class name.
func ValidateClassName(value string) *ValidationError {
	return ValidateName("className", value)
}

// ValidateAttribute validates a writable attribute name.
func ValidateAttribute(value string) *ValidationError {
	field := "attributes." + value
	if reserved[value] {
		return &ValidationError{Field: field, Message: "is maintained by the store and cannot be written"}
	}
	if err := ValidateName(field, value); err != nil {
		return err
	}
	if strings.HasPrefix(value, "__") {
		return &ValidationError{Field: field, Message: "must not start with a double underscore"}
	}
	return nil
}

// ValidateObjectID returns an error if the value is not a valid ULID format.
// ULIDs are 26 characters using Crockford Base32 (excludes I, L, O, U).
func ValidateObjectID(value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{
			Field:   "objectId",
			Message: "must be a valid ULID (26 characters)",
		}
	}
	const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	for _, r := range strings.ToUpper(value) {
		if !strings.ContainsRune(crockfordBase32, r) {
			return &ValidationError{
				Field:   "objectId",
				Message: "must be a valid ULID (invalid character)",
			}
		}
	}
	return nil
}

// IsReserved reports whether attr is maintained by the store.
func IsReserved(attr string) bool {
	return reserved[attr]
}
