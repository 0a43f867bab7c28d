package pollctl

import "errors"

var (
	ErrInvalidType    = errors.New("pollctl: invalid fd type")
	ErrUnsupported    = errors.New("pollctl: fd type can not be polled")
	ErrTooManyFds     = errors.New("pollctl: too many file descriptors")
	ErrInvalidState   = errors.New("pollctl: operation not valid in current state")
	ErrResultsPending = errors.New("pollctl: poll results not yet consumed")
	ErrPollInProgress = errors.New("pollctl: poll in progress")
	ErrClosed         = errors.New("pollctl: controller closed")
)
