package model

import (
	"errors"
	"fmt"
)

const MaxUsernameLength = 32

var ErrUsernameEmpty = errors.New("name must not be empty")
var ErrUsernameTooLong = fmt.Errorf("name must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("name must contain only letters, digits, underscores, or hyphens")

// ValidateUsername checks that a display name is 1-32 ASCII alphanumeric, underscore,
// or hyphen characters. Returns nil on success or a descriptive error.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}
