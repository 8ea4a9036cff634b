package app

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const maxSessionIDLength = 128

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateSessionID checks the opaque session token format: non-empty, bounded
// length, restricted character set. The token is never interpreted beyond this.
func ValidateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("session_id is required")
	}
	if len(id) > maxSessionIDLength {
		return fmt.Errorf("session_id too long (max %d characters)", maxSessionIDLength)
	}
	if !sessionIDPattern.MatchString(id) {
		return errors.New("session_id contains invalid characters")
	}
	return nil
}
