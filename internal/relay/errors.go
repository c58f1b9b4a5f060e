package relay

import "errors"

var (
	// ErrUnauthorized means the caller's credential is missing, malformed or unknown.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrValidation means the request itself is wrong and must be fixed before resubmitting.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound means a referenced identity or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCorruptRecord marks a stored signal payload that no longer decodes.
	// Poll recovers from it; it never reaches a caller.
	ErrCorruptRecord = errors.New("corrupt record")
)
