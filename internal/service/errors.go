package service

import "errors"

// Sentinel errors returned across the service layer. Handlers map these onto
// HTTP status codes; everything else surfaces as an internal error.
var (
	// ErrValidation covers malformed or missing caller input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound means the referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidOperation means the record exists but the requested
	// transition is not allowed from its current state.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrInvalidCode means the presented backup code matched no unused code.
	ErrInvalidCode = errors.New("invalid backup code")

	// ErrNoCodesRemaining means every issued backup code has been consumed.
	ErrNoCodesRemaining = errors.New("no backup codes remaining")

	// ErrTransientStore wraps storage failures worth retrying.
	ErrTransientStore = errors.New("transient storage failure")
)
