package model

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageBytes caps a single user message.
const MaxMessageBytes = 100000

var threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateMessageContent validates a user chat message.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: message cannot be empty", ErrInvalidArgument)
	}
	if len(content) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds maximum length", ErrInvalidArgument)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: message must be valid UTF-8", ErrInvalidArgument)
	}
	return nil
}

// ValidateThreadID validates a client-supplied thread identifier.
func ValidateThreadID(id string) error {
	if !threadIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid thread ID format", ErrInvalidArgument)
	}
	return nil
}
