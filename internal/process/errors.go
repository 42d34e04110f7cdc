package process

import "errors"

// Error kinds returned by spawn, PID file and termination operations.
// Callers test them with errors.Is; the wrapped message carries the detail.
var (
	ErrSpawn              = errors.New("spawn failed")
	ErrPIDFileUnavailable = errors.New("pid file unavailable")
	ErrMalformedPID       = errors.New("malformed pid file")
	ErrSignal             = errors.New("signal delivery failed")
	ErrStalePID           = errors.New("stale pid")
	ErrTerminateTimeout   = errors.New("process did not terminate")
)
