// Package sessionid provides session ID generation and parsing.
// This package has minimal dependencies to avoid import cycles.
package sessionid

import (
	"github.com/google/uuid"
)

// New generates a fresh session ID in canonical UUID form.
func New() string {
	return uuid.NewString()
}

// IsValid reports whether s parses as a canonical UUID.
func IsValid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
