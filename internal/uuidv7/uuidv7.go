// Package uuidv7 mints time-ordered identifiers. Checkpoint ids use them so a
// plain lexicographic bank listing returns checkpoints in creation order.
package uuidv7

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a UUIDv7 value or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns the canonical string form of a fresh UUIDv7.
func NewString() string {
	return New().String()
}

// Validate reports an error unless raw is a canonical UUID string.
func Validate(raw string) error {
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("uuidv7: parse %q: %w", raw, err)
	}
	if id.String() != raw {
		return fmt.Errorf("uuidv7: %q is not in canonical form", raw)
	}
	return nil
}
