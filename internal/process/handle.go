package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/devrun/internal/detector"
	"github.com/loykin/devrun/internal/logger"
)

// Handle is a running (or exited) worker started by Spawn. The exit of the
// underlying process is observed by a single goroutine that closes Done.
type Handle struct {
	name      string
	pid       int
	startedAt time.Time
	startUnix int64
	cmd       *exec.Cmd
	done      chan struct{}
	closers   []io.Closer

	mu        sync.Mutex
	exitErr   error
	stoppedAt time.Time
}

// logDirs lists the directories the worker's log files live in.
func logDirs(c logger.FileConfig) []string {
	var dirs []string
	if c.Dir != "" {
		dirs = append(dirs, c.Dir)
	}
	for _, p := range []string{c.StdoutPath, c.StderrPath} {
		if p != "" {
			dirs = append(dirs, filepath.Dir(p))
		}
	}
	return dirs
}

// Spawn starts the worker described by spec with the given environment
// (nil inherits the parent's). Standard I/O is inherited; when spec.Log
// configures files, stdout/stderr are additionally copied there.
func Spawn(spec Spec, env []string) (*Handle, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	// #nosec G204 -- runtime and script come from the project's config
	cmd := exec.Command(spec.Runtime, spec.BuildArgs()...)
	cmd.Dir = spec.WorkDir
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	var closers []io.Closer
	if spec.Log.HasProcessWriters() {
		for _, dir := range logDirs(spec.Log.File) {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("%w: worker log dir: %v", ErrSpawn, err)
			}
		}
		outW, errW, err := spec.Log.ProcessWriters(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: worker log: %v", ErrSpawn, err)
		}
		if outW != nil {
			cmd.Stdout = io.MultiWriter(os.Stdout, outW)
			closers = append(closers, outW)
		}
		if errW != nil {
			cmd.Stderr = io.MultiWriter(os.Stderr, errW)
			closers = append(closers, errW)
		}
	}
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, fmt.Errorf("%w: %s %v: %v", ErrSpawn, spec.Runtime, cmd.Args[1:], err)
	}
	h := &Handle{
		name:      spec.Name,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		startUnix: detector.ProcStartUnix(cmd.Process.Pid),
		cmd:       cmd,
		done:      make(chan struct{}),
		closers:   closers,
	}
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	h.stoppedAt = time.Now()
	h.mu.Unlock()
	for _, c := range h.closers {
		_ = c.Close()
	}
	close(h.done)
}

func (h *Handle) Name() string         { return h.name }
func (h *Handle) PID() int             { return h.pid }
func (h *Handle) StartedAt() time.Time { return h.startedAt }
func (h *Handle) Args() []string       { return append([]string(nil), h.cmd.Args...) }

// StartUnix is the OS-reported start time recorded in the PID file (0 if unknown).
func (h *Handle) StartUnix() int64 { return h.startUnix }

// PIDInfo returns the content written to the PID file for this handle.
func (h *Handle) PIDInfo() detector.PIDInfo {
	return detector.PIDInfo{PID: h.pid, StartUnix: h.startUnix}
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr is the error returned by Wait on the underlying command; nil while
// running or after a clean exit.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// StoppedAt is the time the exit was observed; zero while running.
func (h *Handle) StoppedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stoppedAt
}

// Wait blocks until the process exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.ExitErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signal delivers sig to the worker's process group.
func (h *Handle) Signal(sig syscall.Signal) error {
	if h.Exited() {
		return nil
	}
	if err := signalGroup(h.pid, sig); err != nil {
		return fmt.Errorf("%w: pid %d: %v", ErrSignal, h.pid, err)
	}
	return nil
}

// Terminate sends SIGTERM and waits for the exit. After grace it escalates to
// SIGKILL. It returns nil once the exit has been observed, whatever the exit
// status; ErrTerminateTimeout if the process outlives the kill, or ctx's error.
func (h *Handle) Terminate(ctx context.Context, grace time.Duration) error {
	if h.Exited() {
		return nil
	}
	if err := h.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	if grace <= 0 {
		grace = DefaultStopTimeout
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	if err := h.Signal(syscall.SIGKILL); err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(killWait):
		return fmt.Errorf("%w: pid %d survived SIGKILL", ErrTerminateTimeout, h.pid)
	}
}

// killWait bounds how long we wait for the kernel to reap after SIGKILL.
const killWait = 2 * time.Second
