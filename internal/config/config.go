package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/devrun/internal/build"
	"github.com/loykin/devrun/internal/logger"
	"github.com/loykin/devrun/internal/process"
	"github.com/loykin/devrun/internal/tasks"
	tlsutil "github.com/loykin/devrun/internal/tls"
	"github.com/loykin/devrun/internal/watcher"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "devrun.toml"

// EnvPrefix prefixes environment overrides, e.g. DEVRUN_WORKER_COMMAND.
const EnvPrefix = "DEVRUN"

// Config represents the top-level TOML structure.
type Config struct {
	Env      []string      `toml:"env" mapstructure:"env"`
	EnvFiles []string      `toml:"env_files" mapstructure:"env_files"`
	Worker   WorkerConfig  `toml:"worker" mapstructure:"worker"`
	Build    BuildConfig   `toml:"build" mapstructure:"build"`
	Assets   AssetsConfig  `toml:"assets" mapstructure:"assets"`
	Watch    WatchConfig   `toml:"watch" mapstructure:"watch"`
	Test     TestConfig    `toml:"test" mapstructure:"test"`
	Log      logger.Config `toml:"log" mapstructure:"log"`
	Metrics  MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History  HistoryConfig `toml:"history" mapstructure:"history"`
	Server   ServerConfig  `toml:"server" mapstructure:"server"`
}

type WorkerConfig struct {
	Name        string        `toml:"name" mapstructure:"name"`
	Runtime     string        `toml:"runtime" mapstructure:"runtime"`
	Command     string        `toml:"command" mapstructure:"command"`
	Args        []string      `toml:"args" mapstructure:"args"`
	Debug       bool          `toml:"debug" mapstructure:"debug"`
	InspectAddr string        `toml:"inspect_addr" mapstructure:"inspect_addr"`
	WorkDir     string        `toml:"workdir" mapstructure:"workdir"`
	Env         []string      `toml:"env" mapstructure:"env"`
	PIDFile     string        `toml:"pidfile" mapstructure:"pidfile"`
	StopTimeout time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	StopOnClose bool          `toml:"stop_on_close" mapstructure:"stop_on_close"`
	Log         logger.Config `toml:"log" mapstructure:"log"`
}

type BuildConfig struct {
	Commands []string `toml:"commands" mapstructure:"commands"`
	WorkDir  string   `toml:"workdir" mapstructure:"workdir"`
	Env      []string `toml:"env" mapstructure:"env"`
	Marker   string   `toml:"marker" mapstructure:"marker"`
}

type AssetsConfig struct {
	Src      string   `toml:"src" mapstructure:"src"`
	Out      string   `toml:"out" mapstructure:"out"`
	Patterns []string `toml:"patterns" mapstructure:"patterns"`
	Exclude  []string `toml:"exclude" mapstructure:"exclude"`
}

type WatchConfig struct {
	Sources []string      `toml:"sources" mapstructure:"sources"`
	Include []string      `toml:"include" mapstructure:"include"`
	Exclude []string      `toml:"exclude" mapstructure:"exclude"`
	Settle  time.Duration `toml:"settle" mapstructure:"settle"`
}

type TestConfig struct {
	Command         string   `toml:"command" mapstructure:"command"`
	CoverageCommand string   `toml:"coverage_command" mapstructure:"coverage_command"`
	ReportCommand   string   `toml:"report_command" mapstructure:"report_command"`
	WorkDir         string   `toml:"workdir" mapstructure:"workdir"`
	Env             []string `toml:"env" mapstructure:"env"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

// HistoryConfig lists sink DSNs; see history/factory for the formats.
type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	Sinks   []string `toml:"sinks" mapstructure:"sinks"`
}

type ServerConfig struct {
	Listen   string         `toml:"listen" mapstructure:"listen"`
	BasePath string         `toml:"base_path" mapstructure:"base_path"`
	TLS      tlsutil.Config `toml:"tls" mapstructure:"tls"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})

	v.SetDefault("worker.name", "worker")
	v.SetDefault("worker.runtime", process.DefaultRuntime)
	v.SetDefault("worker.command", "")
	v.SetDefault("worker.args", []string{})
	v.SetDefault("worker.debug", false)
	v.SetDefault("worker.inspect_addr", process.DefaultInspectAddr)
	v.SetDefault("worker.workdir", "")
	v.SetDefault("worker.pidfile", filepath.Join(".devrun", "worker.pid"))
	v.SetDefault("worker.stop_timeout", process.DefaultStopTimeout)
	v.SetDefault("worker.stop_on_close", false)

	v.SetDefault("build.commands", []string{"npx tsc -p tsconfig.json"})
	v.SetDefault("build.workdir", "")
	v.SetDefault("build.marker", filepath.Join("dist", ".build-done"))

	v.SetDefault("assets.src", "src")
	v.SetDefault("assets.out", "dist")

	v.SetDefault("watch.sources", []string{"src"})
	v.SetDefault("watch.include", []string{"**/*.ts", "**/*.tsx"})
	v.SetDefault("watch.exclude", []string{"**/node_modules/**"})
	v.SetDefault("watch.settle", watcher.DefaultSettle)

	v.SetDefault("test.command", "npx mocha")
	v.SetDefault("test.coverage_command", "npx nyc --reporter=json mocha")
	v.SetDefault("test.report_command", "npx remap-istanbul -i coverage/coverage-final.json -o coverage/lcov-report -t html")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})

	v.SetDefault("server.listen", "127.0.0.1:8787")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.dir", ".devrun/tls")
	v.SetDefault("server.tls.auto_generate", true)
}

// Load reads path (TOML) over the defaults and applies DEVRUN_* environment
// overrides. An empty path looks for devrun.toml in the working directory
// and falls back to defaults when it is absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, filepath.Ext(DefaultFile)))
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

// Validate checks the settings devrun cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Worker.Command) == "" {
		errs = append(errs, errors.New("worker.command is required"))
	}
	if c.Worker.StopTimeout < 0 {
		errs = append(errs, errors.New("worker.stop_timeout cannot be negative"))
	}
	if c.Watch.Settle < 0 {
		errs = append(errs, errors.New("watch.settle cannot be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	if c.History.Enabled {
		for i, dsn := range c.History.Sinks {
			if strings.TrimSpace(dsn) == "" {
				errs = append(errs, fmt.Errorf("history.sinks[%d] is empty", i))
			}
		}
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls: cert_file and key_file must be set together"))
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", bp))
	}
	return errors.Join(errs...)
}

// ProcessSpec converts the worker section into a process.Spec.
func (c *Config) ProcessSpec() process.Spec {
	w := c.Worker
	return process.Spec{
		Name:        w.Name,
		Runtime:     w.Runtime,
		Command:     w.Command,
		Args:        w.Args,
		Debug:       w.Debug,
		InspectAddr: w.InspectAddr,
		WorkDir:     w.WorkDir,
		Env:         w.Env,
		PIDFile:     w.PIDFile,
		StopTimeout: w.StopTimeout,
		Log:         w.Log,
	}
}

func (c *Config) CompileConfig() build.CompileConfig {
	return build.CompileConfig{Commands: c.Build.Commands, WorkDir: c.Build.WorkDir, Env: c.Build.Env}
}

func (c *Config) AssetsConfig() build.AssetsConfig {
	return build.AssetsConfig{Src: c.Assets.Src, Out: c.Assets.Out, Patterns: c.Assets.Patterns, Exclude: c.Assets.Exclude}
}

func (c *Config) WatchConfig() tasks.WatchConfig {
	return tasks.WatchConfig{Sources: c.Watch.Sources, Include: c.Watch.Include, Exclude: c.Watch.Exclude, Settle: c.Watch.Settle}
}

func (c *Config) TestConfig() tasks.TestConfig {
	return tasks.TestConfig{
		Command:         c.Test.Command,
		CoverageCommand: c.Test.CoverageCommand,
		ReportCommand:   c.Test.ReportCommand,
		WorkDir:         c.Test.WorkDir,
		Env:             c.Test.Env,
	}
}

// GlobalEnv merges env_files in order and then the top-level env list;
// later entries win.
func (c *Config) GlobalEnv() (map[string]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m, nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries sorted by key.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines; blank lines, # comments and an
// optional "export " prefix are allowed and one pair of surrounding quotes
// is removed from values.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if n := len(v); n >= 2 && (v[0] == '"' && v[n-1] == '"' || v[0] == '\'' && v[n-1] == '\'') {
			v = v[1 : n-1]
		}
		if k != "" {
			m[k] = v
		}
	}
	return m, nil
}
