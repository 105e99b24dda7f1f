// Package idgen issues the ids of conversations, messages and context items.
package idgen

import "github.com/google/uuid"

// New returns a time-ordered UUIDv7, or a random UUIDv4 if the clock
// source fails.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Valid reports whether id could have been issued by New.
func Valid(id string) bool {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed.Version() == 7 || parsed.Version() == 4
}
