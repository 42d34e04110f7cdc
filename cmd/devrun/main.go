package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// buildRoot creates the root command with all subcommands.
func buildRoot(out, errOut io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	devrunCommand := command{out: out, errOut: errOut}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.SetErr(errOut)

	root.AddCommand(
		createStartCommand(devrunCommand, globalFlags),
		createRestartCommand(devrunCommand, globalFlags),
		createStopCommand(devrunCommand, globalFlags),
		createStatusCommand(devrunCommand, globalFlags),
		createServeCommand(devrunCommand, globalFlags),
		createTaskCommand(devrunCommand, globalFlags),
		createVersionCommand(out),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "devrun",
		Short: "Build, run and restart a development worker",
		Long: `Devrun compiles sources, copies assets and keeps one worker process running,
restarting it when the build output changes. The worker's PID is recorded in a
PID file so any later invocation can restart or stop it.

Examples:
  devrun task watch                 # build, start the worker, rebuild/restart on change
  devrun restart                    # restart the worker recorded in the PID file
  devrun status
  devrun serve --start              # HTTP control API
  devrun restart --api-url=http://127.0.0.1:8787/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default ./devrun.toml if present)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *WorkerFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "control API URL (e.g. http://127.0.0.1:8787/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", time.Minute, "request timeout")
	cmd.Flags().StringVar(&f.APICACert, "api-ca-cert", "", "CA certificate for an https control API")
	cmd.Flags().BoolVar(&f.APIInsecure, "api-insecure", false, "skip TLS certificate verification")
}

func createStartCommand(devrunCommand command, globalFlags *GlobalFlags) *cobra.Command {
	f := &WorkerFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the worker",
		Long: `Start the worker and record it in the PID file. Fails if a live worker is
already recorded there.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return devrunCommand.Start(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createRestartCommand(devrunCommand command, globalFlags *GlobalFlags) *cobra.Command {
	f := &WorkerFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the worker",
		Long: `Terminate the worker recorded in the PID file and start a new one. A recorded
process that is already gone, or whose PID now belongs to another program, is
treated as stopped. Without a PID file nothing is started.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return devrunCommand.Restart(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createStopCommand(devrunCommand command, globalFlags *GlobalFlags) *cobra.Command {
	f := &WorkerFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return devrunCommand.Stop(cmd.Context(), *f)
		},
	}
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "upper bound for the whole stop (0 = stop_timeout plus exit)")
	addAPIFlags(cmd, f)
	return cmd
}

func createStatusCommand(devrunCommand command, globalFlags *GlobalFlags) *cobra.Command {
	f := &WorkerFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the worker status",
		Long: `Show the worker recorded in the PID file and whether it is still alive, or
the live status from a control API with --api-url.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return devrunCommand.Status(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createServeCommand(devrunCommand command, globalFlags *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control API",
		Long: `Serve start/restart/stop/status over HTTP (and /metrics when [metrics] is
enabled) until interrupted.

Examples:
  devrun serve
  devrun serve --listen 127.0.0.1:9000 --start`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return devrunCommand.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (overrides [server].listen)")
	cmd.Flags().BoolVar(&f.StartWorker, "start", false, "start the worker before serving")
	cmd.Flags().BoolVar(&f.NonBlocking, "non-blocking", false, "shut down right after startup (testing)")
	_ = cmd.Flags().MarkHidden("non-blocking")
	return cmd
}

func createTaskCommand(devrunCommand command, globalFlags *GlobalFlags) *cobra.Command {
	f := &TaskFlags{}
	cmd := &cobra.Command{
		Use:   "task [name...]",
		Short: "Run build tasks",
		Long: `Run one or more tasks: compile, assets, build, run, restart, watch, test,
coverage. Without names the tasks are listed.

Examples:
  devrun task build
  devrun task watch
  devrun task test coverage`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return devrunCommand.Task(cmd.Context(), *f, args)
		},
	}
	cmd.Flags().BoolVarP(&f.List, "list", "l", false, "list tasks")
	cmd.Flags().BoolVarP(&f.Verbose, "verbose", "v", false, "print output of successful tasks")
	return cmd
}

func createVersionCommand(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the devrun version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(out, version)
		},
	}
}
