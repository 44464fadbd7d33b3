// Package uuid wraps the google/uuid library so the rest of the codebase
// depends on a single import path for identifier handling.
package uuid

import "github.com/google/uuid"

// UUID is a 128-bit universally unique identifier.
type UUID = uuid.UUID

// Nil is the zero-valued UUID.
var Nil = uuid.Nil

// New returns a random (version 4) UUID.
func New() UUID { return uuid.New() }

// Parse decodes s into a UUID or returns an error.
func Parse(s string) (UUID, error) { return uuid.Parse(s) }

// MustParse decodes s into a UUID and panics on failure.
// Reserved for tests and compile-time constants.
func MustParse(s string) UUID { return uuid.MustParse(s) }
