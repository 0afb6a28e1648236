package models

import (
	"github.com/google/uuid"
)

// ID identifies events, commands and sagas. Producers pick their own format,
// only generated IDs are guaranteed to be UUIDs.
type ID string

// GenerateUUID creates a new UUID
func GenerateUUID() ID {
	return ID(uuid.New().String())
}

// String returns string representation
func (id ID) String() string {
	return string(id)
}

// IsZero reports whether the ID is empty
func (id ID) IsZero() bool {
	return id == ""
}
