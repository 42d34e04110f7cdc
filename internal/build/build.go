// Package build runs the project's compile tool, copies static assets next to
// the compiled output and writes the build-done marker a watch trigger keys on.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/loykin/devrun/internal/process"
)

// CompileConfig lists the compiler command lines run in order, e.g.
// "tsc -p tsconfig.json". Transpiling, declarations and source maps are the
// tool's concern.
type CompileConfig struct {
	Commands []string `mapstructure:"commands"`
	WorkDir  string   `mapstructure:"work_dir"`
	Env      []string `mapstructure:"env"`

	Stdout io.Writer `mapstructure:"-"`
	Stderr io.Writer `mapstructure:"-"`
}

// AssetsConfig selects files under Src to copy into Out.
type AssetsConfig struct {
	Src      string   `mapstructure:"src"`
	Out      string   `mapstructure:"out"`
	Patterns []string `mapstructure:"patterns"`
	Exclude  []string `mapstructure:"exclude"`
}

// DefaultAssetPatterns copies everything the compiler does not emit.
var (
	DefaultAssetPatterns = []string{"**/*"}
	DefaultAssetExclude  = []string{"**/*.ts", "**/*.tsx", "**/*.mts", "**/*.cts"}
)

// Compile runs every command line in cfg with inherited I/O and stops at the
// first failure.
func Compile(ctx context.Context, cfg CompileConfig) error {
	for _, line := range cfg.Commands {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cmd := process.ShellCommand(ctx, line)
		cmd.Dir = cfg.WorkDir
		if len(cfg.Env) > 0 {
			cmd.Env = append(os.Environ(), cfg.Env...)
		}
		cmd.Stdin = os.Stdin
		cmd.Stdout = orDefault(cfg.Stdout, os.Stdout)
		cmd.Stderr = orDefault(cfg.Stderr, os.Stderr)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("compile %q: %w", line, err)
		}
	}
	return nil
}

// CopyAssets copies files under cfg.Src matching any of cfg.Patterns and none
// of cfg.Exclude into cfg.Out, preserving relative paths and file modes. It
// returns the number of files copied. A Src naming a single file is copied to
// Out/<base>; a missing Src is an error.
func CopyAssets(cfg AssetsConfig) (int, error) {
	if cfg.Src == "" || cfg.Out == "" {
		return 0, errors.New("assets: src and out are required")
	}
	info, err := os.Stat(cfg.Src)
	if err != nil {
		return 0, fmt.Errorf("assets: %w", err)
	}
	if !info.IsDir() {
		if err := copyFile(cfg.Src, filepath.Join(cfg.Out, filepath.Base(cfg.Src))); err != nil {
			return 0, fmt.Errorf("assets: %w", err)
		}
		return 1, nil
	}
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultAssetPatterns
	}
	exclude := cfg.Exclude
	if exclude == nil {
		exclude = DefaultAssetExclude
	}
	for _, p := range append(append([]string(nil), patterns...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return 0, fmt.Errorf("assets: invalid pattern %q", p)
		}
	}

	fsys := os.DirFS(cfg.Src)
	seen := make(map[string]struct{})
	n := 0
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return n, fmt.Errorf("assets: glob %q: %w", pattern, err)
		}
		for _, rel := range matches {
			if _, dup := seen[rel]; dup || excluded(rel, exclude) {
				continue
			}
			seen[rel] = struct{}{}
			if err := copyFile(filepath.Join(cfg.Src, rel), filepath.Join(cfg.Out, rel)); err != nil {
				return n, fmt.Errorf("assets: %w", err)
			}
			n++
		}
	}
	return n, nil
}

func excluded(rel string, exclude []string) bool {
	for _, p := range exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// WriteMarker records now as the build-done timestamp at path.
func WriteMarker(path string, now time.Time) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(now.UTC().Format(time.RFC3339Nano)+"\n"), 0o600)
}

// ReadMarker returns the timestamp stored by WriteMarker.
func ReadMarker(path string) (time.Time, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(string(b)))
}

// TouchMarker writes the marker and logs a failure instead of returning it;
// a missing marker only delays the next watch-triggered restart.
func TouchMarker(log *slog.Logger, path string) {
	if err := WriteMarker(path, time.Now()); err != nil {
		log.Warn("write build marker", "path", path, "error", err)
	}
}

func orDefault(w, def io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return def
}
