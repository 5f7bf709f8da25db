package core

import "github.com/google/uuid"

// NewRunID returns a random identifier for a command run.
func NewRunID() string {
	return uuid.NewString()
}
