package process

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/loykin/devrun/internal/detector"
)

// pollInterval is how often TerminatePID re-checks liveness of a process it
// cannot wait on.
const pollInterval = 25 * time.Millisecond

// TerminatePID stops a worker known only through its PID file, typically one
// started by a previous invocation. A PID that no longer exists, or that now
// belongs to another process, yields ErrStalePID and no signal is sent.
// Otherwise it sends SIGTERM, polls until the process is gone, and escalates
// to SIGKILL after grace.
func TerminatePID(ctx context.Context, info detector.PIDInfo, grace time.Duration) error {
	switch detector.Check(info) {
	case detector.Gone:
		return fmt.Errorf("%w: pid %d not found", ErrStalePID, info.PID)
	case detector.Reused:
		return fmt.Errorf("%w: pid %d now belongs to another process", ErrStalePID, info.PID)
	}
	if err := signalGroup(info.PID, syscall.SIGTERM); err != nil {
		return fmt.Errorf("%w: pid %d: %v", ErrSignal, info.PID, err)
	}
	if grace <= 0 {
		grace = DefaultStopTimeout
	}
	if gone, err := waitGone(ctx, info, grace); gone || err != nil {
		return err
	}
	if err := signalGroup(info.PID, syscall.SIGKILL); err != nil {
		return fmt.Errorf("%w: pid %d: %v", ErrSignal, info.PID, err)
	}
	gone, err := waitGone(ctx, info, killWait)
	if err != nil {
		return err
	}
	if !gone {
		return fmt.Errorf("%w: pid %d survived SIGKILL", ErrTerminateTimeout, info.PID)
	}
	return nil
}

// waitGone polls until info no longer names a live process, d elapses, or ctx is done.
func waitGone(ctx context.Context, info detector.PIDInfo, d time.Duration) (bool, error) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		if detector.Check(info) != detector.Alive {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-tick.C:
		}
	}
}
