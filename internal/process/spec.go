package process

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/devrun/internal/logger"
)

const (
	// DefaultRuntime is the script runtime used to execute the worker command.
	DefaultRuntime = "node"
	// DefaultInspectAddr binds the debugger on all interfaces. Anyone who can
	// reach the port can attach, so only enable Debug on trusted networks.
	DefaultInspectAddr = "[::]:9229"
	// DefaultStopTimeout is the grace period between SIGTERM and SIGKILL.
	DefaultStopTimeout = 5 * time.Second
)

// Spec describes the worker process the controller manages.
type Spec struct {
	Name        string        `json:"name" mapstructure:"name"`
	Runtime     string        `json:"runtime" mapstructure:"runtime"`           // script runtime executable (default node)
	Command     string        `json:"command" mapstructure:"command"`           // script passed to the runtime, e.g. server.js
	Args        []string      `json:"args" mapstructure:"args"`                 // extra arguments after Command
	Debug       bool          `json:"debug" mapstructure:"debug"`               // prepend the inspector flag
	InspectAddr string        `json:"inspect_addr" mapstructure:"inspect_addr"` // host:port for the inspector
	WorkDir     string        `json:"work_dir" mapstructure:"work_dir"`
	Env         []string      `json:"env" mapstructure:"env"`
	PIDFile     string        `json:"pid_file" mapstructure:"pid_file"`
	StopTimeout time.Duration `json:"stop_timeout" mapstructure:"stop_timeout"`
	Log         logger.Config `json:"log" mapstructure:"log"` // optional rotated copy of stdout/stderr
}

// WithDefaults returns a copy of s with empty fields filled in.
func (s Spec) WithDefaults() Spec {
	if s.Name == "" {
		s.Name = "worker"
	}
	if strings.TrimSpace(s.Runtime) == "" {
		s.Runtime = DefaultRuntime
	}
	if s.InspectAddr == "" {
		s.InspectAddr = DefaultInspectAddr
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = DefaultStopTimeout
	}
	return s
}

// Validate checks the fields a spawn depends on.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("worker %q: command is required", s.Name)
	}
	if strings.ContainsAny(s.Name, " \t\n\r/\\") {
		return fmt.Errorf("worker %q: name contains whitespace or path separators", s.Name)
	}
	if s.StopTimeout < 0 {
		return fmt.Errorf("worker %q: stop_timeout cannot be negative", s.Name)
	}
	return nil
}

// InspectFlag returns the debugger flag for addr.
func InspectFlag(addr string) string {
	if addr == "" {
		addr = DefaultInspectAddr
	}
	return "--inspect=" + addr
}

// BuildArgs returns the runtime argument list: the inspector flag when Debug
// is set, then Command, then Args.
func (s Spec) BuildArgs() []string {
	args := make([]string, 0, len(s.Args)+2)
	if s.Debug {
		args = append(args, InspectFlag(s.InspectAddr))
	}
	args = append(args, s.Command)
	return append(args, s.Args...)
}

// ShellCommand builds an *exec.Cmd for a tool command line such as a compiler
// or coverage tool. A shell is used only when the line needs one; an explicit
// "sh -c ..." prefix is honored without double wrapping.
func ShellCommand(ctx context.Context, line string) *exec.Cmd {
	line = strings.TrimSpace(line)
	if line == "" {
		return trueCommand(ctx)
	}
	if script, ok := parseExplicitShell(line); ok {
		return shellCommand(ctx, script)
	}
	if strings.ContainsAny(line, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(ctx, line)
	}
	parts := strings.Fields(line)
	// #nosec G204 -- tool command lines come from the project's own config
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <script>" style prefixes and returns the
// script with one pair of surrounding quotes removed.
func parseExplicitShell(line string) (string, bool) {
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		after, ok := strings.CutPrefix(line, p)
		if !ok {
			continue
		}
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
