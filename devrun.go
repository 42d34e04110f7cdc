// Package devrun wires a development worker (compile, copy assets, run,
// restart on change) into goyek tasks and an optional HTTP control API.
package devrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goyek/goyek/v2"
	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/devrun/internal/config"
	"github.com/loykin/devrun/internal/controller"
	"github.com/loykin/devrun/internal/env"
	"github.com/loykin/devrun/internal/history"
	"github.com/loykin/devrun/internal/history/factory"
	"github.com/loykin/devrun/internal/logger"
	"github.com/loykin/devrun/internal/metrics"
	"github.com/loykin/devrun/internal/process"
	iapi "github.com/loykin/devrun/internal/server"
	"github.com/loykin/devrun/internal/tasks"
	tlsutil "github.com/loykin/devrun/internal/tls"
)

// Re-export core types for external consumers.

type Spec = process.Spec

type Status = controller.Status

type Config = cfg.Config

type Tasks = tasks.Tasks

type HistorySink = history.Sink

// Errors callers commonly branch on.
var (
	ErrAlreadyRunning     = controller.ErrAlreadyRunning
	ErrClosed             = controller.ErrClosed
	ErrPIDFileUnavailable = process.ErrPIDFileUnavailable
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Devrun is everything built from one Config: the logger, the worker
// controller and its history sinks.
type Devrun struct {
	cfg     *Config
	log     *slog.Logger
	ctrl    *controller.Controller
	hist    history.Multi
	closers []io.Closer

	// serves /metrics; the registerer's own registry when it can gather
	gatherer prometheus.Gatherer
}

// Option adjusts New.
type Option func(*options)

type options struct {
	logOut    io.Writer
	log       *slog.Logger
	registry  prometheus.Registerer
	extraSink []history.Sink
}

// WithLogOutput sets where devrun's own log goes (stderr by default).
func WithLogOutput(w io.Writer) Option { return func(o *options) { o.logOut = w } }

// WithLogger replaces the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithRegisterer registers metrics with r instead of the default registry.
// When r is also a prometheus.Gatherer (as *prometheus.Registry is), /metrics
// serves it.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registry = r } }

// WithHistorySink adds a sink next to the ones configured by DSN.
func WithHistorySink(s HistorySink) Option {
	return func(o *options) { o.extraSink = append(o.extraSink, s) }
}

// New validates c and builds the controller it describes.
func New(c *Config, opts ...Option) (*Devrun, error) {
	if c == nil {
		return nil, errors.New("devrun: nil config")
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("devrun: invalid config: %w", err)
	}
	o := options{registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Devrun{cfg: c}
	d.log = o.log
	if d.log == nil {
		l, closer := logger.New(c.Log, o.logOut)
		d.log = l
		d.closers = append(d.closers, closer)
	}

	vars, err := c.GlobalEnv()
	if err != nil {
		_ = d.closeAll()
		return nil, fmt.Errorf("devrun: env: %w", err)
	}

	if c.History.Enabled && len(c.History.Sinks) > 0 {
		sinks, err := factory.NewSinks(c.History.Sinks)
		if err != nil {
			_ = d.closeAll()
			return nil, fmt.Errorf("devrun: history: %w", err)
		}
		d.hist = sinks
	}
	d.hist = append(d.hist, o.extraSink...)

	copts := []controller.Option{
		controller.WithLogger(d.log),
		controller.WithEnv(env.FromMap(vars)),
		controller.WithStopOnClose(c.Worker.StopOnClose),
	}
	if len(d.hist) > 0 {
		copts = append(copts, controller.WithHistory(d.hist))
	}
	ctrl, err := controller.New(c.ProcessSpec(), copts...)
	if err != nil {
		_ = d.closeAll()
		return nil, err
	}
	d.ctrl = ctrl

	if c.Metrics.Enabled {
		if g, ok := o.registry.(prometheus.Gatherer); ok {
			d.gatherer = g
		}
		if err := metrics.Register(o.registry); err != nil {
			d.log.Warn("register metrics", "error", err)
		}
		if err := o.registry.Register(metrics.NewWorkerCollector(ctrl.Spec().Name, ctrl.PID)); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				d.log.Warn("register worker collector", "error", err)
			}
		}
	}
	return d, nil
}

func (d *Devrun) Config() *Config                    { return d.cfg }
func (d *Devrun) Logger() *slog.Logger               { return d.log }
func (d *Devrun) Controller() *controller.Controller { return d.ctrl }

func (d *Devrun) Start(ctx context.Context) error {
	_, err := d.ctrl.Start(ctx)
	return err
}

func (d *Devrun) Restart(ctx context.Context) error {
	_, err := d.ctrl.Restart(ctx)
	return err
}

func (d *Devrun) Stop(ctx context.Context) error { return d.ctrl.Stop(ctx) }

func (d *Devrun) Status() Status { return d.ctrl.Status() }

// RegisterTasks defines the compile, assets, build, run, restart, watch,
// test and coverage tasks on flow.
func (d *Devrun) RegisterTasks(flow *goyek.Flow) Tasks {
	c := d.cfg
	return tasks.Register(flow, tasks.Deps{
		Controller:  d.ctrl,
		Compile:     c.CompileConfig(),
		Assets:      c.AssetsConfig(),
		Marker:      c.Build.Marker,
		Watch:       c.WatchConfig(),
		Test:        c.TestConfig(),
		StopOnClose: c.Worker.StopOnClose,
		Logger:      d.log,
	})
}

// Handler returns the control API handler rooted at the configured base path.
func (d *Devrun) Handler() http.Handler {
	return iapi.NewRouter(d.ctrl, d.cfg.Server.BasePath, d.routerOptions()...).Handler()
}

func (d *Devrun) routerOptions() []iapi.Option {
	opts := []iapi.Option{iapi.WithLogger(d.log), iapi.WithMetrics(d.cfg.Metrics.Enabled)}
	if d.gatherer != nil {
		opts = append(opts, iapi.WithGatherer(d.gatherer))
	}
	return opts
}

// NewHTTPServer returns a server for the control API on the configured listen
// address, with TLSConfig set when [server.tls] is enabled. The caller runs
// and shuts it down.
func (d *Devrun) NewHTTPServer() (*http.Server, error) {
	tlsCfg, err := tlsutil.Setup(d.cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("devrun: tls: %w", err)
	}
	srv := iapi.NewServer(d.cfg.Server.Listen, d.cfg.Server.BasePath, d.ctrl, d.routerOptions()...)
	srv.TLSConfig = tlsCfg
	return srv, nil
}

// Close shuts the controller down (stopping the worker only with
// worker.stop_on_close) and releases history sinks and log files.
func (d *Devrun) Close(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), d.ctrl.Spec().StopTimeout+5*time.Second)
		defer cancel()
	}
	err := d.ctrl.Close(ctx)
	return errors.Join(err, d.closeAll())
}

func (d *Devrun) closeAll() error {
	var errs []error
	if len(d.hist) > 0 {
		errs = append(errs, d.hist.Close())
		d.hist = nil
	}
	for _, c := range d.closers {
		errs = append(errs, c.Close())
	}
	d.closers = nil
	return errors.Join(errs...)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
