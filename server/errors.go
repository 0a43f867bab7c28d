package server

import "errors"

var (
	// ErrNotRunning is returned for work submitted before Run is ready.
	ErrNotRunning = errors.New("server: not running")
	// ErrStopped is returned for work submitted once shutdown has begun.
	ErrStopped = errors.New("server: stopped")
)
