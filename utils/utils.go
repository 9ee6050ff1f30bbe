package utils

import (
	"strings"

	"github.com/badoux/checkmail"
)

// Pointer returns a pointer to the given value
func Pointer[T any](v T) *T {
	return &v
}

// ValidEmail checks the basic format of an address before it is allowed
// into any send path.
func ValidEmail(address string) bool {
	if strings.TrimSpace(address) == "" {
		return false
	}
	return checkmail.ValidateFormat(address) == nil
}
