package content

import (
	"errors"
	"regexp"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const maxUserIDLength = 320

var (
	policy      = bluemonday.UGCPolicy()
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._@+-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for message bodies, file names and display metadata.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// ValidateUserID checks that a user id is a non-empty handle or email made of
// alphanumerics, dot, dash, underscore, plus and at sign.
func ValidateUserID(userID string) error {
	if userID == "" {
		return errors.New("user id cannot be empty")
	}
	if utf8.RuneCountInString(userID) > maxUserIDLength {
		return errors.New("user id is too long")
	}
	if !userIDRegex.MatchString(userID) {
		return errors.New("user id contains invalid characters (allowed: alphanumeric, dot, dash, underscore, plus, at)")
	}
	return nil
}
