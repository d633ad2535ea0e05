package resolution

import "errors"

var (
	// ErrInvalidOptions indicates a malformed invocation payload.
	ErrInvalidOptions = errors.New("invalid resolution options")

	// ErrRunInProgress is returned when another run holds the job lock.
	ErrRunInProgress = errors.New("resolution run already in progress")
)
