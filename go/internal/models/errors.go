package models

import "errors"

var (
	// ErrNotFound is returned for an unknown session or player record.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when a request is rejected before any mutation.
	ErrValidation = errors.New("validation error")

	// ErrConcurrencyConflict is returned when a command was issued against stale state.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrTransientChannel marks a local disconnect from the broadcast channel.
	ErrTransientChannel = errors.New("transient channel error")
)
