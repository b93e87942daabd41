package auth

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,50}$`)
	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	apiKeyPattern   = regexp.MustCompile(`^agk_[a-zA-Z0-9_-]{32,}$`)
)

// ValidateUsername rejects names outside [a-zA-Z0-9_-]{3,50}.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: invalid username", ErrInvalidInput)
	}
	return nil
}

// ValidateEmail performs a shape check, not deliverability.
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(strings.TrimSpace(email)) {
		return fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	return nil
}

// ValidateAPIKeyFormat rejects strings that cannot be keys we issued,
// before any store lookup happens.
func ValidateAPIKeyFormat(key string) error {
	if !apiKeyPattern.MatchString(strings.TrimSpace(key)) {
		return fmt.Errorf("%w: malformed api key", ErrInvalidInput)
	}
	return nil
}
