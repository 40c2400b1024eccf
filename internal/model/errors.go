package model

import "errors"

var (
	// ErrInvalidSession is returned when a session does not exist or is not
	// owned by the caller.
	ErrInvalidSession = errors.New("invalid session")
	ErrValidation     = errors.New("validation failed")
	ErrUnauthorized   = errors.New("not authorized")
	ErrNotFound       = errors.New("not found")
	// ErrTransportFailure marks a failed emit to a live connection or push
	// gateway. It is logged, never surfaced to the message sender.
	ErrTransportFailure = errors.New("transport failure")
)
