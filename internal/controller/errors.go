package controller

import (
	"context"
	"errors"

	"github.com/loykin/devrun/internal/process"
)

var (
	ErrClosed         = errors.New("controller closed")
	ErrAlreadyRunning = errors.New("worker already running")
	ErrNotRunning     = errors.New("worker not running")
)

// errKind maps an error to the label used by the errors_total metric.
func errKind(err error) string {
	switch {
	case errors.Is(err, process.ErrSpawn):
		return "spawn"
	case errors.Is(err, process.ErrPIDFileUnavailable), errors.Is(err, process.ErrMalformedPID):
		return "pidfile"
	case errors.Is(err, process.ErrSignal):
		return "signal"
	case errors.Is(err, process.ErrStalePID):
		return "stale_pid"
	case errors.Is(err, process.ErrTerminateTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}
