package app

import "errors"

// Operation errors. Handlers map these to HTTP statuses with errors.Is;
// everything else is treated as an internal failure.
var (
	// ErrInvalidInput marks malformed payloads, a missing cover on
	// create, or an out-of-range grade.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthorized marks a mutation attempted by a non-owner.
	ErrUnauthorized = errors.New("not authorized")
	// ErrNotFound marks an unknown book id.
	ErrNotFound = errors.New("book not found")
	// ErrConflict marks a second rating from the same user.
	ErrConflict = errors.New("book already rated by user")
	// ErrProcessing marks a failed cover derivation or placement.
	ErrProcessing = errors.New("cover processing failed")
	// ErrStorage marks a persistence failure.
	ErrStorage = errors.New("storage failure")
)
