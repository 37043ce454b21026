package domain

import "errors"

var (
	// ErrValidation marks request or entity validation failures (HTTP 400).
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks lookups that matched no row (HTTP 404).
	ErrNotFound = errors.New("not found")
	// ErrConflict marks writes rejected by an entity's current state (HTTP 409).
	ErrConflict = errors.New("conflict")
)
