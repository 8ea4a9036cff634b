package http

import (
	"errors"
	"fmt"
)

var errEmptyPayload = errors.New("payload is required")

func errSessionNotActive(sessionID string) error {
	return fmt.Errorf("session not active: %s", sessionID)
}
