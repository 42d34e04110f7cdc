package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/goyek/goyek/v2"
	"github.com/goyek/goyek/v2/middleware"

	"github.com/loykin/devrun"
	"github.com/loykin/devrun/internal/detector"
	"github.com/loykin/devrun/internal/process"
	"github.com/loykin/devrun/internal/tasks"
	"github.com/loykin/devrun/pkg/client"
)

type command struct {
	out    io.Writer
	errOut io.Writer
}

// open builds a Devrun from the config. One-shot commands never stop the
// worker on exit: it must stay reachable through its PID file.
func (c command) open(path string, keepWorker bool) (*devrun.Devrun, error) {
	cfg, err := devrun.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if keepWorker {
		cfg.Worker.StopOnClose = false
	}
	return devrun.New(cfg, devrun.WithLogOutput(c.errOut))
}

func closeDevrun(d *devrun.Devrun) {
	ctx, cancel := context.WithTimeout(context.Background(), d.Controller().Spec().StopTimeout+5*time.Second)
	defer cancel()
	_ = d.Close(ctx)
}

func (c command) apiClient(f WorkerFlags) *client.Client {
	return client.New(client.Config{
		BaseURL:  f.APIUrl,
		Timeout:  f.APITimeout,
		CACert:   f.APICACert,
		Insecure: f.APIInsecure,
	})
}

// Start spawns the worker, or asks a running control API to.
func (c command) Start(ctx context.Context, f WorkerFlags) error {
	if f.APIUrl != "" {
		st, err := c.apiClient(f).Start(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	}
	d, err := c.open(f.ConfigPath, true)
	if err != nil {
		return err
	}
	defer closeDevrun(d)
	if err := d.Start(ctx); err != nil {
		return err
	}
	printJSON(c.out, d.Status())
	return nil
}

// Restart replaces the worker recorded in the PID file.
func (c command) Restart(ctx context.Context, f WorkerFlags) error {
	if f.APIUrl != "" {
		st, err := c.apiClient(f).Restart(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	}
	d, err := c.open(f.ConfigPath, true)
	if err != nil {
		return err
	}
	defer closeDevrun(d)
	if err := d.Restart(ctx); err != nil {
		return err
	}
	printJSON(c.out, d.Status())
	return nil
}

// Stop terminates the worker recorded in the PID file.
func (c command) Stop(ctx context.Context, f WorkerFlags) error {
	if f.APIUrl != "" {
		st, err := c.apiClient(f).Stop(ctx, f.Wait)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	}
	d, err := c.open(f.ConfigPath, true)
	if err != nil {
		return err
	}
	defer closeDevrun(d)
	if f.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Wait)
		defer cancel()
	}
	if err := d.Stop(ctx); err != nil {
		return err
	}
	printJSON(c.out, d.Status())
	return nil
}

// pidFileStatus describes the worker as seen through its PID file.
type pidFileStatus struct {
	Name      string `json:"name"`
	PIDFile   string `json:"pid_file"`
	PID       int    `json:"pid,omitempty"`
	StartUnix int64  `json:"start_unix,omitempty"`
	State     string `json:"state"` // absent, alive, gone or reused
	Error     string `json:"error,omitempty"`
}

func (c command) Status(ctx context.Context, f WorkerFlags) error {
	if f.APIUrl != "" {
		st, err := c.apiClient(f).Status(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	}
	cfg, err := devrun.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	spec := cfg.ProcessSpec().WithDefaults()
	printJSON(c.out, readPIDFileStatus(spec))
	return nil
}

func readPIDFileStatus(spec process.Spec) pidFileStatus {
	st := pidFileStatus{Name: spec.Name, PIDFile: spec.PIDFile, State: "absent"}
	if spec.PIDFile == "" {
		return st
	}
	info, err := process.ReadPIDFile(spec.PIDFile)
	switch {
	case errors.Is(err, process.ErrPIDFileUnavailable):
		return st
	case err != nil:
		st.Error = err.Error()
		return st
	}
	st.PID = info.PID
	st.StartUnix = info.StartUnix
	st.State = detector.Check(info).String()
	return st
}

// Serve runs the control API until ctx is done.
func (c command) Serve(ctx context.Context, f ServeFlags) error {
	cfg, err := devrun.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	d, err := devrun.New(cfg, devrun.WithLogOutput(c.errOut))
	if err != nil {
		return err
	}
	defer closeDevrun(d)
	log := d.Logger()

	if f.StartWorker {
		if err := d.Start(ctx); err != nil && !errors.Is(err, devrun.ErrAlreadyRunning) {
			return err
		}
	}

	srv, err := d.NewHTTPServer()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	scheme := "http"
	if srv.TLSConfig != nil {
		scheme = "https"
	}
	log.Info("control API listening", "addr", ln.Addr().String(), "base_path", cfg.Server.BasePath, "scheme", scheme)
	_, _ = fmt.Fprintf(c.out, "listening on %s://%s\n", scheme, ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errCh <- srv.ServeTLS(ln, "", "")
			return
		}
		errCh <- srv.Serve(ln)
	}()

	if !f.NonBlocking {
		select {
		case <-ctx.Done():
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("control API stopped")
	return nil
}

// Task runs the named devrun tasks, or lists them. A lone restart leaves the
// new worker running like the restart command does.
func (c command) Task(ctx context.Context, f TaskFlags, names []string) error {
	keepWorker := len(names) == 1 && names[0] == tasks.NameRestart
	d, err := c.open(f.ConfigPath, keepWorker)
	if err != nil {
		return err
	}
	defer closeDevrun(d)

	flow := &goyek.Flow{}
	flow.SetOutput(c.out)
	flow.Use(middleware.ReportStatus)
	if !f.Verbose {
		flow.Use(middleware.SilentNonFailed)
	}
	d.RegisterTasks(flow)

	if f.List || len(names) == 0 {
		flow.Print()
		return nil
	}
	return flow.Execute(ctx, names)
}
