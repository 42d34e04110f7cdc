// Package tasks registers devrun's build tasks on a goyek flow.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goyek/goyek/v2"
	"github.com/goyek/x/cmd"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/devrun/internal/build"
	"github.com/loykin/devrun/internal/controller"
	"github.com/loykin/devrun/internal/metrics"
	"github.com/loykin/devrun/internal/watcher"
)

// Task names.
const (
	NameCompile  = "compile"
	NameAssets   = "assets"
	NameBuild    = "build"
	NameRun      = "run"
	NameRestart  = "restart"
	NameWatch    = "watch"
	NameTest     = "test"
	NameCoverage = "coverage"
)

// WatchConfig selects what the watch task observes.
type WatchConfig struct {
	Sources []string      `mapstructure:"sources"`
	Include []string      `mapstructure:"include"`
	Exclude []string      `mapstructure:"exclude"`
	Settle  time.Duration `mapstructure:"settle"`
}

// TestConfig holds the fixed command lines of the test tasks.
type TestConfig struct {
	Command         string   `mapstructure:"command"`
	CoverageCommand string   `mapstructure:"coverage_command"`
	ReportCommand   string   `mapstructure:"report_command"`
	WorkDir         string   `mapstructure:"work_dir"`
	Env             []string `mapstructure:"env"`
}

// Deps is everything the tasks act on.
type Deps struct {
	Controller  *controller.Controller
	Compile     build.CompileConfig
	Assets      build.AssetsConfig
	Marker      string
	Watch       WatchConfig
	Test        TestConfig
	StopOnClose bool
	Logger      *slog.Logger
}

// Tasks are the defined tasks, usable as dependencies of project tasks.
type Tasks struct {
	Compile  *goyek.DefinedTask
	Assets   *goyek.DefinedTask
	Build    *goyek.DefinedTask
	Run      *goyek.DefinedTask
	Restart  *goyek.DefinedTask
	Watch    *goyek.DefinedTask
	Test     *goyek.DefinedTask
	Coverage *goyek.DefinedTask
}

// Register defines the devrun tasks on flow.
func Register(flow *goyek.Flow, d Deps) Tasks {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	flow.Use(observe)

	var t Tasks
	t.Compile = flow.Define(goyek.Task{
		Name:  NameCompile,
		Usage: "Compile sources and write the build-done marker.",
		Action: func(a *goyek.A) {
			if err := compile(a.Context(), d); err != nil {
				a.Fatal(err)
			}
		},
	})
	t.Assets = flow.Define(goyek.Task{
		Name:  NameAssets,
		Usage: "Copy static assets to the output directory and write the build-done marker.",
		Action: func(a *goyek.A) {
			n, err := copyAssets(d)
			if err != nil {
				a.Fatal(err)
			}
			a.Logf("copied %d assets to %s", n, d.Assets.Out)
		},
	})
	t.Build = flow.Define(goyek.Task{
		Name:  NameBuild,
		Usage: "Compile and copy assets.",
		Deps:  goyek.Deps{t.Compile, t.Assets},
	})
	t.Run = flow.Define(goyek.Task{
		Name:  NameRun,
		Usage: "Start the worker and block until interrupted or the worker exits.",
		Action: func(a *goyek.A) {
			h, err := d.Controller.Start(a.Context())
			if err != nil {
				a.Fatal(err)
			}
			a.Logf("worker started pid=%d", h.PID())
			select {
			case <-a.Context().Done():
				stopOnExit(d)
			case <-h.Done():
				if err := h.ExitErr(); err != nil {
					a.Errorf("worker exited: %v", err)
				}
			}
		},
	})
	t.Restart = flow.Define(goyek.Task{
		Name:  NameRestart,
		Usage: "Restart the worker, locating it through the PID file if needed.",
		Action: func(a *goyek.A) {
			h, err := d.Controller.Restart(a.Context())
			if err != nil {
				a.Fatal(err)
			}
			a.Logf("worker restarted pid=%d", h.PID())
		},
	})
	t.Watch = flow.Define(goyek.Task{
		Name:  NameWatch,
		Usage: "Build, start the worker and rebuild/restart on changes.",
		Deps:  goyek.Deps{t.Build},
		Action: func(a *goyek.A) {
			if err := watch(a.Context(), d); err != nil {
				a.Fatal(err)
			}
		},
	})
	t.Test = flow.Define(goyek.Task{
		Name:  NameTest,
		Usage: "Run the test command.",
		Action: func(a *goyek.A) {
			execLine(a, d.Test, d.Test.Command)
		},
	})
	t.Coverage = flow.Define(goyek.Task{
		Name:  NameCoverage,
		Usage: "Run instrumented tests, then remap the coverage report.",
		Action: func(a *goyek.A) {
			if !execLine(a, d.Test, d.Test.CoverageCommand) {
				return
			}
			execLine(a, d.Test, d.Test.ReportCommand)
		},
	})
	return t
}

func compile(ctx context.Context, d Deps) error {
	if err := build.Compile(ctx, d.Compile); err != nil {
		return err
	}
	build.TouchMarker(d.Logger, d.Marker)
	return nil
}

func copyAssets(d Deps) (int, error) {
	if d.Assets.Src == "" {
		return 0, nil
	}
	n, err := build.CopyAssets(d.Assets)
	if err != nil {
		return n, err
	}
	build.TouchMarker(d.Logger, d.Marker)
	return n, nil
}

func execLine(a *goyek.A, tc TestConfig, line string) bool {
	a.Helper()
	if strings.TrimSpace(line) == "" {
		a.Skip("no command configured")
	}
	opts := []cmd.Option{cmd.Stdout(os.Stdout), cmd.Stderr(os.Stderr)}
	for _, kv := range tc.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			opts = append(opts, cmd.Env(k, v))
		}
	}
	if tc.WorkDir != "" {
		opts = append(opts, cmd.Dir(tc.WorkDir))
	}
	return cmd.Exec(a, line, opts...)
}

// watch starts the worker and runs the source, asset and marker watchers
// until ctx is done.
func watch(ctx context.Context, d Deps) error {
	if _, err := d.Controller.Start(ctx); err != nil {
		if !errors.Is(err, controller.ErrAlreadyRunning) {
			return err
		}
		if _, err := d.Controller.Restart(ctx); err != nil {
			return err
		}
	}
	defer stopOnExit(d)

	g, ctx := errgroup.WithContext(ctx)
	var ws []*watcher.Watcher
	defer func() {
		for _, w := range ws {
			_ = w.Close()
		}
	}()
	add := func(name string, paths []string, fn watcher.Trigger, opts ...watcher.Option) error {
		if len(paths) == 0 {
			return nil
		}
		opts = append(opts, watcher.WithName(name), watcher.WithLogger(d.Logger), watcher.WithSettle(d.Watch.Settle))
		w, err := watcher.New(opts...)
		if err != nil {
			return err
		}
		ws = append(ws, w)
		if err := w.Add(paths...); err != nil {
			return err
		}
		g.Go(func() error { return w.Run(ctx, fn) })
		return nil
	}

	if err := add("sources", d.Watch.Sources, func(ctx context.Context, _ watcher.Batch) error {
		return compile(ctx, d)
	}, watcher.WithInclude(d.Watch.Include...), watcher.WithExclude(d.Watch.Exclude...)); err != nil {
		return err
	}
	var assets []string
	if d.Assets.Src != "" {
		assets = []string{d.Assets.Src}
	}
	if err := add("assets", assets, func(context.Context, watcher.Batch) error {
		_, err := copyAssets(d)
		return err
	}, watcher.WithExclude(d.Assets.Exclude...)); err != nil {
		return err
	}
	var marker []string
	if d.Marker != "" {
		marker = []string{d.Marker}
	}
	if err := add("marker", marker, func(ctx context.Context, _ watcher.Batch) error {
		h, err := d.Controller.Restart(ctx)
		if err != nil {
			return err
		}
		d.Logger.Info("worker restarted after build", "pid", h.PID())
		return nil
	}); err != nil {
		return err
	}
	return g.Wait()
}

// stopOnExit terminates the worker when the task ends, if so configured.
func stopOnExit(d Deps) {
	if !d.StopOnClose {
		return
	}
	grace := d.Controller.Spec().StopTimeout
	ctx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()
	if err := d.Controller.Stop(ctx); err != nil {
		d.Logger.Warn("stop worker", "error", err)
	}
}

var errTaskFailed = errors.New("task failed")

// observe records task duration and outcome.
func observe(next goyek.Runner) goyek.Runner {
	return func(in goyek.Input) goyek.Result {
		begin := time.Now()
		res := next(in)
		var err error
		if res.Status == goyek.StatusFailed || res.PanicValue != nil {
			err = errTaskFailed
		}
		metrics.ObserveTask(in.TaskName, time.Since(begin).Seconds(), err)
		return res
	}
}
