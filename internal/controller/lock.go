package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/loykin/devrun/internal/process"
)

const lockRetry = 50 * time.Millisecond

// lockPIDFile takes an advisory lock on "<pidfile>.lock" so that separate
// invocations sharing a PID file do not interleave read-signal-spawn-write.
// Without a PID file it is a no-op.
func (c *Controller) lockPIDFile(ctx context.Context) (func(), error) {
	path := c.spec.PIDFile
	if path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", process.ErrPIDFileUnavailable, path, err)
	}
	fl := flock.New(path + ".lock")
	ok, err := fl.TryLockContext(ctx, lockRetry)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s: not acquired", fl.Path())
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			c.log.Warn("unlock pid file", "path", fl.Path(), "error", err)
		}
	}, nil
}
