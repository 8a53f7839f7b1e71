package session

import (
	"errors"
	"fmt"
)

const maxNameLen = 64

// ErrInvalidProfile is wrapped by ValidateName failures.
var ErrInvalidProfile = errors.New("invalid profile name")

// ValidateName checks that a profile name is safe to use as a directory
// under the profiles root: lowercase letters, digits, '-' and '_', starting
// with a letter or digit so it never reads as a flag or a hidden entry.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidProfile)
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidProfile, name, maxNameLen)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case (r == '-' || r == '_') && i > 0:
		default:
			return fmt.Errorf("%w: %q has %q at position %d", ErrInvalidProfile, name, r, i)
		}
	}
	return nil
}
