package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/devrun/internal/detector"
	"github.com/loykin/devrun/internal/env"
	"github.com/loykin/devrun/internal/history"
	"github.com/loykin/devrun/internal/metrics"
	"github.com/loykin/devrun/internal/process"
)

// historyTimeout bounds a single history export.
const historyTimeout = 2 * time.Second

// Controller owns at most one worker process. Start, Restart, Stop and Close
// are serialized through a single goroutine; exits of the worker are observed
// on the same goroutine, so the handle is only ever touched there.
//
// Lock order: the PID file lock (cross-process) is taken by the loop before
// mu, and mu is never held while waiting on the worker.
type Controller struct {
	spec        process.Spec
	log         *slog.Logger
	hist        history.Sink
	env         *env.Env
	stopOnClose bool

	mu        sync.RWMutex
	state     State
	handle    *process.Handle
	restarts  uint32
	lastErr   error
	stoppedAt time.Time

	cmds  chan command
	exits chan *process.Handle
	done  chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithHistory exports lifecycle events to s.
func WithHistory(s history.Sink) Option {
	return func(c *Controller) { c.hist = s }
}

// WithEnv sets the base environment the worker's Spec.Env is merged into.
func WithEnv(e *env.Env) Option {
	return func(c *Controller) {
		if e != nil {
			c.env = e
		}
	}
}

// WithStopOnClose makes Close terminate a running worker. By default the
// worker outlives the controller and stays reachable through its PID file.
func WithStopOnClose(v bool) Option {
	return func(c *Controller) { c.stopOnClose = v }
}

type action int

const (
	actionStart action = iota
	actionRestart
	actionStop
	actionClose
)

func (a action) String() string {
	switch a {
	case actionStart:
		return "start"
	case actionRestart:
		return "restart"
	case actionStop:
		return "stop"
	case actionClose:
		return "close"
	default:
		return "unknown"
	}
}

type command struct {
	action action
	ctx    context.Context
	reply  chan result
}

type result struct {
	handle *process.Handle
	err    error
}

// New validates spec and starts the controller loop. The worker is not
// started until Start or Restart is called.
func New(spec process.Spec, opts ...Option) (*Controller, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		spec:  spec,
		log:   slog.Default(),
		env:   env.New(),
		cmds:  make(chan command),
		exits: make(chan *process.Handle),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("worker", spec.Name)
	metrics.SetCurrentState(spec.Name, StateAbsent.String(), true)
	go c.loop()
	return c, nil
}

// Spec returns the effective worker spec (defaults applied).
func (c *Controller) Spec() process.Spec { return c.spec }

// Start spawns the worker. It fails with ErrAlreadyRunning if this controller
// has a live worker or the PID file names one that is still alive.
func (c *Controller) Start(ctx context.Context) (*process.Handle, error) {
	return c.do(ctx, actionStart)
}

// Restart replaces the worker. With a live handle the old worker is
// terminated and its exit awaited before the new spawn; with an exited handle
// it spawns immediately; with no handle the PID file is used to find and
// terminate a worker started by another invocation. If the PID file is
// missing or not read/writable nothing is spawned.
func (c *Controller) Restart(ctx context.Context) (*process.Handle, error) {
	return c.do(ctx, actionRestart)
}

// Stop terminates the worker and removes the PID file. With no handle it
// falls back to the PID file. Stopping an absent worker is not an error.
func (c *Controller) Stop(ctx context.Context) error {
	_, err := c.do(ctx, actionStop)
	return err
}

// Close stops the controller loop. The worker is terminated only when the
// controller was built WithStopOnClose. Close is idempotent.
func (c *Controller) Close(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	_, err := c.do(ctx, actionClose)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Wait blocks until the current worker exits or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.RLock()
	h := c.handle
	c.mu.RUnlock()
	if h == nil {
		return ErrNotRunning
	}
	return h.Wait(ctx)
}

// PID returns the current worker PID, or 0.
func (c *Controller) PID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.handle == nil || c.handle.Exited() {
		return 0
	}
	return c.handle.PID()
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		Name:      c.spec.Name,
		State:     c.state.String(),
		Restarts:  c.restarts,
		StoppedAt: c.stoppedAt,
		PIDFile:   c.spec.PIDFile,
	}
	if c.lastErr != nil {
		st.ExitErr = c.lastErr.Error()
	}
	if h := c.handle; h != nil {
		st.PID = h.PID()
		st.Args = h.Args()
		st.StartedAt = h.StartedAt()
		st.Running = !h.Exited()
	}
	return st
}

func (c *Controller) do(ctx context.Context, a action) (*process.Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	reply := make(chan result, 1)
	select {
	case c.cmds <- command{action: a, ctx: ctx, reply: reply}:
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r := <-reply
	return r.handle, r.err
}

// loop is the only goroutine that mutates the handle.
func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case cmd := <-c.cmds:
			r := c.handleCommand(cmd)
			cmd.reply <- r
			if cmd.action == actionClose {
				return
			}
		case h := <-c.exits:
			c.observeExit(h)
		}
	}
}

func (c *Controller) handleCommand(cmd command) result {
	unlock, err := c.lockPIDFile(cmd.ctx)
	if err != nil {
		c.log.Error(cmd.action.String()+" failed", "error", err)
		metrics.IncError(c.spec.Name, errKind(err))
		return result{err: err}
	}
	defer unlock()

	var r result
	switch cmd.action {
	case actionStart:
		r.handle, r.err = c.handleStart()
	case actionRestart:
		r.handle, r.err = c.handleRestart(cmd.ctx)
	case actionStop:
		r.err = c.handleStop(cmd.ctx)
	case actionClose:
		r.err = c.handleClose(cmd.ctx)
	}
	if r.err != nil {
		c.log.Error(cmd.action.String()+" failed", "error", r.err)
		metrics.IncError(c.spec.Name, errKind(r.err))
	}
	return r
}

func (c *Controller) handleStart() (*process.Handle, error) {
	if h := c.current(); h != nil {
		if !h.Exited() {
			return nil, fmt.Errorf("%w: pid %d", ErrAlreadyRunning, h.PID())
		}
		c.clearHandle(h)
	}
	if c.spec.PIDFile != "" {
		if info, err := process.ReadPIDFile(c.spec.PIDFile); err == nil && detector.Check(info) == detector.Alive {
			return nil, fmt.Errorf("%w: pid %d from %s", ErrAlreadyRunning, info.PID, c.spec.PIDFile)
		}
	}
	return c.spawn()
}

func (c *Controller) handleRestart(ctx context.Context) (*process.Handle, error) {
	h := c.current()
	switch {
	case h == nil:
		if err := c.terminateFromPIDFile(ctx); err != nil {
			return nil, err
		}
	case h.Exited():
		c.clearHandle(h)
	default:
		if err := c.terminate(ctx, h); err != nil {
			return nil, err
		}
	}
	nh, err := c.spawn()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.restarts++
	c.mu.Unlock()
	metrics.IncRestart(c.spec.Name)
	c.record(history.EventRestart, nh)
	return nh, nil
}

func (c *Controller) handleStop(ctx context.Context) error {
	h := c.current()
	switch {
	case h == nil:
		if c.spec.PIDFile == "" {
			return nil
		}
		if _, err := os.Stat(c.spec.PIDFile); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err := c.terminateFromPIDFile(ctx); err != nil {
			return err
		}
	case h.Exited():
		c.clearHandle(h)
	default:
		if err := c.terminate(ctx, h); err != nil {
			return err
		}
		c.record(history.EventStop, h)
	}
	metrics.IncStop(c.spec.Name)
	c.removePIDFile()
	c.log.Info("worker stopped")
	return nil
}

func (c *Controller) handleClose(ctx context.Context) error {
	if !c.stopOnClose {
		return nil
	}
	h := c.current()
	if h == nil || h.Exited() {
		return nil
	}
	if err := c.terminate(ctx, h); err != nil {
		return err
	}
	c.record(history.EventStop, h)
	metrics.IncStop(c.spec.Name)
	c.removePIDFile()
	return nil
}

// spawn starts a new worker, overwrites the PID file and arranges for its
// exit to be delivered to the loop.
func (c *Controller) spawn() (*process.Handle, error) {
	c.setState(StateStarting)
	h, err := process.Spawn(c.spec, c.env.Merge(c.spec.Env))
	if err != nil {
		c.setState(StateAbsent)
		return nil, err
	}
	if c.spec.PIDFile != "" {
		if err := process.WritePIDFile(c.spec.PIDFile, h.PIDInfo()); err != nil {
			// the worker is up; it is only unreachable from other invocations
			c.log.Warn("write pid file", "path", c.spec.PIDFile, "error", err)
			metrics.IncError(c.spec.Name, "pidfile")
		}
	}
	c.mu.Lock()
	c.handle = h
	c.lastErr = nil
	c.stoppedAt = time.Time{}
	c.mu.Unlock()
	c.setState(StateRunning)

	go func() {
		<-h.Done()
		select {
		case c.exits <- h:
		case <-c.done:
		}
	}()

	metrics.IncStart(c.spec.Name)
	c.record(history.EventStart, h)
	c.log.Info("worker started", "pid", h.PID(), "args", h.Args())
	return h, nil
}

// terminate stops h and waits for its exit.
func (c *Controller) terminate(ctx context.Context, h *process.Handle) error {
	c.setState(StateTerminating)
	begin := time.Now()
	if err := h.Terminate(ctx, c.spec.StopTimeout); err != nil {
		if h.Exited() {
			c.clearHandle(h)
		} else {
			c.setState(StateRunning)
		}
		return err
	}
	metrics.ObserveTerminate(c.spec.Name, time.Since(begin).Seconds())
	c.clearHandle(h)
	return nil
}

// terminateFromPIDFile signals the worker recorded in the PID file. A PID
// that is gone or recycled counts as already terminated.
func (c *Controller) terminateFromPIDFile(ctx context.Context) error {
	path := c.spec.PIDFile
	if path == "" {
		return fmt.Errorf("%w: no worker handle and no pid file configured", process.ErrPIDFileUnavailable)
	}
	if err := process.CheckPIDFileAccess(path); err != nil {
		return err
	}
	info, err := process.ReadPIDFile(path)
	if err != nil {
		return err
	}
	c.setState(StateTerminating)
	begin := time.Now()
	err = process.TerminatePID(ctx, info, c.spec.StopTimeout)
	switch {
	case errors.Is(err, process.ErrStalePID):
		c.log.Warn("previous worker already gone", "pid", info.PID, "reason", err)
		metrics.IncError(c.spec.Name, errKind(err))
		c.recordRecord(history.EventStale, history.Record{Name: c.spec.Name, PID: info.PID, StartUnix: info.StartUnix, ExitErr: err.Error()})
	case err != nil:
		c.setState(StateAbsent)
		return err
	default:
		metrics.ObserveTerminate(c.spec.Name, time.Since(begin).Seconds())
		c.log.Info("previous worker terminated", "pid", info.PID)
		c.recordRecord(history.EventStop, history.Record{Name: c.spec.Name, PID: info.PID, StartUnix: info.StartUnix, StoppedAt: time.Now().UTC()})
	}
	c.setState(StateAbsent)
	return nil
}

// observeExit handles an exit delivered by the watcher goroutine. Exits of
// handles that were already cleared by terminate are ignored.
func (c *Controller) observeExit(h *process.Handle) {
	if c.current() != h {
		return
	}
	c.clearHandle(h)
}

func (c *Controller) clearHandle(h *process.Handle) {
	c.mu.Lock()
	if c.handle != h {
		c.mu.Unlock()
		return
	}
	c.handle = nil
	c.lastErr = h.ExitErr()
	c.stoppedAt = h.StoppedAt()
	c.mu.Unlock()
	c.setState(StateAbsent)

	if err := h.ExitErr(); err != nil {
		c.log.Info("worker exited", "pid", h.PID(), "error", err)
	} else {
		c.log.Info("worker exited", "pid", h.PID())
	}
	metrics.IncExit(c.spec.Name)
	c.record(history.EventExit, h)
}

func (c *Controller) current() *process.Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle
}

func (c *Controller) removePIDFile() {
	if c.spec.PIDFile == "" {
		return
	}
	if err := process.RemovePIDFile(c.spec.PIDFile); err != nil {
		c.log.Warn("remove pid file", "path", c.spec.PIDFile, "error", err)
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old == s {
		return
	}
	metrics.RecordStateTransition(c.spec.Name, old.String(), s.String())
	metrics.SetCurrentState(c.spec.Name, old.String(), false)
	metrics.SetCurrentState(c.spec.Name, s.String(), true)
	c.log.Debug("state transition", "from", old.String(), "to", s.String())
}

func (c *Controller) record(t history.EventType, h *process.Handle) {
	rec := history.Record{
		Name:      c.spec.Name,
		PID:       h.PID(),
		StartUnix: h.StartUnix(),
		StartedAt: h.StartedAt().UTC(),
		Running:   !h.Exited(),
	}
	if h.Exited() {
		rec.StoppedAt = h.StoppedAt().UTC()
		if err := h.ExitErr(); err != nil {
			rec.ExitErr = err.Error()
		}
	}
	c.recordRecord(t, rec)
}

func (c *Controller) recordRecord(t history.EventType, rec history.Record) {
	if c.hist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := c.hist.Send(ctx, history.NewEvent(t, rec)); err != nil {
		c.log.Warn("history export failed", "event", string(t), "error", err)
	}
}
