// Package idgen generates entity identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a time-ordered (v7) UUID without
// dashes, e.g. "vr_01929c0f5e8a7b3c9d2e4f6a8b0c1d2e". Time ordering keeps
// primary-key inserts append-mostly.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// Valid reports whether s looks like an id produced by WithPrefix(prefix).
func Valid(prefix, s string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	rest := s[len(prefix):]
	if len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
