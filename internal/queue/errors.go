package queue

import "errors"

var (
	// ErrInvalidRequest rejects a submission before it touches the queue:
	// unknown kind or missing required parameters.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrTaskNotFound is returned for status/cancel on unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
)
