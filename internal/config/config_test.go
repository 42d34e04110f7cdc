package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/loykin/devrun/internal/logger"
	tlsutil "github.com/loykin/devrun/internal/tls"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Worker.Name != "worker" || c.Worker.Runtime != "node" {
		t.Fatalf("unexpected worker defaults: %+v", c.Worker)
	}
	if c.Worker.InspectAddr != "[::]:9229" {
		t.Fatalf("inspect addr: %q", c.Worker.InspectAddr)
	}
	if c.Worker.StopTimeout != 5*time.Second {
		t.Fatalf("stop timeout: %v", c.Worker.StopTimeout)
	}
	if c.Worker.PIDFile != filepath.Join(".devrun", "worker.pid") {
		t.Fatalf("pidfile: %q", c.Worker.PIDFile)
	}
	if c.Build.Marker != filepath.Join("dist", ".build-done") {
		t.Fatalf("marker: %q", c.Build.Marker)
	}
	if c.Watch.Settle != 100*time.Millisecond {
		t.Fatalf("settle: %v", c.Watch.Settle)
	}
	if c.Server.BasePath != "/api" {
		t.Fatalf("base path: %q", c.Server.BasePath)
	}
	if c.Server.TLS.Enabled || !c.Server.TLS.AutoGenerate || c.Server.TLS.Dir != filepath.Join(".devrun", "tls") {
		t.Fatalf("tls defaults: %+v", c.Server.TLS)
	}
	// a command is the one thing without a default
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for missing worker.command")
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "devrun.toml", `
env = ["TOP=1"]

[worker]
name = "api"
command = "dist/server.js"
args = ["--port", "3000"]
debug = true
pidfile = "/tmp/api.pid"
stop_timeout = "2s"
stop_on_close = true

[build]
commands = ["npx tsc -b"]
marker = "out/.done"

[watch]
sources = ["src", "lib"]
settle = "250ms"

[log]
level = "debug"
format = "json"

[history]
enabled = true
sinks = ["sqlite:///tmp/h.db"]
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	spec := c.ProcessSpec()
	if spec.Name != "api" || spec.Command != "dist/server.js" || !spec.Debug {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	if !reflect.DeepEqual(spec.Args, []string{"--port", "3000"}) {
		t.Fatalf("args: %v", spec.Args)
	}
	if spec.StopTimeout != 2*time.Second || spec.PIDFile != "/tmp/api.pid" {
		t.Fatalf("stop timeout/pidfile: %v %q", spec.StopTimeout, spec.PIDFile)
	}
	if !c.Worker.StopOnClose {
		t.Fatal("stop_on_close not decoded")
	}
	if got := c.CompileConfig().Commands; !reflect.DeepEqual(got, []string{"npx tsc -b"}) {
		t.Fatalf("build commands: %v", got)
	}
	if w := c.WatchConfig(); w.Settle != 250*time.Millisecond || len(w.Sources) != 2 {
		t.Fatalf("watch: %+v", w)
	}
	if c.Log.Format != "json" || c.Log.Level != "debug" {
		t.Fatalf("log: %+v", c.Log)
	}
	// untouched sections keep defaults
	if c.Assets.Src != "src" || c.Test.Command == "" {
		t.Fatalf("defaults lost: %+v %+v", c.Assets, c.Test)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	p := writeFile(t, t.TempDir(), "devrun.toml", "[worker]\ncommand = \"a.js\"\n")
	t.Setenv("DEVRUN_WORKER_COMMAND", "b.js")
	t.Setenv("DEVRUN_WORKER_STOP_TIMEOUT", "750ms")
	t.Setenv("DEVRUN_SERVER_LISTEN", "127.0.0.1:9999")

	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Worker.Command != "b.js" {
		t.Fatalf("env override ignored: %q", c.Worker.Command)
	}
	if c.Worker.StopTimeout != 750*time.Millisecond {
		t.Fatalf("stop timeout: %v", c.Worker.StopTimeout)
	}
	if c.Server.Listen != "127.0.0.1:9999" {
		t.Fatalf("listen: %q", c.Server.Listen)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing explicit file")
	}
	p := writeFile(t, t.TempDir(), "bad.toml", "[worker\ncommand=")
	if _, err := Load(p); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	c := &Config{
		Worker:  WorkerConfig{StopTimeout: -time.Second},
		Watch:   WatchConfig{Settle: -1},
		Log:     logger.Config{Format: "xml"},
		History: HistoryConfig{Enabled: true, Sinks: []string{" "}},
		Server:  ServerConfig{BasePath: "api", TLS: tlsutil.Config{Enabled: true, CertFile: "a.crt"}},
	}
	err := c.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"worker.command", "stop_timeout", "watch.settle", "log.format", "history.sinks[0]", "base_path", "cert_file"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestLoadEnvFileAndGlobalEnv(t *testing.T) {
	dir := t.TempDir()
	first := writeFile(t, dir, ".env", "A=1\n# comment\n\nexport B=\"two\"\nC='x y'\nnot a pair\n")
	second := writeFile(t, dir, ".env.local", "A=override\n")

	pairs, err := LoadEnvFile(first)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if !reflect.DeepEqual(pairs, []string{"A=1", "B=two", "C=x y"}) {
		t.Fatalf("unexpected pairs: %v", pairs)
	}

	c := &Config{EnvFiles: []string{first, second}, Env: []string{"C=top", "=skipped", "D=4"}}
	m, err := c.GlobalEnv()
	if err != nil {
		t.Fatalf("global env: %v", err)
	}
	want := map[string]string{"A": "override", "B": "two", "C": "top", "D": "4"}
	if !reflect.DeepEqual(m, want) {
		t.Fatalf("got %v want %v", m, want)
	}

	c.EnvFiles = append(c.EnvFiles, filepath.Join(dir, "nope"))
	if _, err := c.GlobalEnv(); err == nil {
		t.Fatal("expected error for missing env file")
	}
}
