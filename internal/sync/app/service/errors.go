package service

import "errors"

// Control-API error kinds (spec.md §6.5). Plain sentinel errors, matched
// with errors.Is, in the teacher's idiom rather than a custom error-code
// enum (SPEC_FULL.md §7.5).
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidState = errors.New("task is not in a startable state")
	ErrNotRunning   = errors.New("task is not running")
	ErrNoWork       = errors.New("no pending units to run")
	ErrValidation   = errors.New("validation error")
)
