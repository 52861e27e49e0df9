package supervisor

import "errors"

var (
	// ErrAccountMissing is returned when the order's owning account cannot
	// be found at supervisor start.
	ErrAccountMissing = errors.New("account not found for order")
	// ErrForkFailed is returned when the child process could not be started.
	ErrForkFailed = errors.New("failed to start child process")
	// ErrWaitFailed is returned when reaping the child process failed in a
	// way that is not a normal exit.
	ErrWaitFailed = errors.New("failed to wait for completion of child")
)
