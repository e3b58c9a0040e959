// Package uuid generates the identifiers used for queue items and sync runs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a random UUID v4, used for queue item ids.
func New() string {
	return uuid.New().String()
}

// NewOrdered generates a time-ordered UUID v7, used for sync log ids so that
// newer runs sort after older ones. Falls back to v4 if the clock read fails.
func NewOrdered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return New()
	}
	return id.String()
}

// Validate returns an error if s is not a canonical UUID string.
func Validate(s string) error {
	if len(s) != 36 {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	if _, err := uuid.Parse(s); err != nil {
		return fmt.Errorf("invalid UUID: %w", err)
	}
	return nil
}

// IsValid checks if a string is a canonical UUID.
func IsValid(s string) bool {
	return Validate(s) == nil
}
