package build

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
}

func TestCompile_RunsCommandsInOrder(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	dir := t.TempDir()
	var out bytes.Buffer
	err := Compile(context.Background(), CompileConfig{
		Commands: []string{"echo first > order.txt", "", "echo second >> order.txt", "echo done"},
		WorkDir:  dir,
		Stdout:   &out,
	})
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dir, "order.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(b))
	assert.Equal(t, "done\n", out.String())
}

func TestCompile_StopsAtFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	dir := t.TempDir()
	err := Compile(context.Background(), CompileConfig{
		Commands: []string{"sh -c 'exit 2'", "touch never"},
		WorkDir:  dir,
		Stderr:   io.Discard,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit 2")
	_, statErr := os.Stat(filepath.Join(dir, "never"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCompile_Env(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	var out bytes.Buffer
	require.NoError(t, Compile(context.Background(), CompileConfig{
		Commands: []string{"echo $DEVRUN_BUILD_MODE"},
		Env:      []string{"DEVRUN_BUILD_MODE=dev"},
		Stdout:   &out,
	}))
	assert.Equal(t, "dev\n", out.String())
}

func TestCopyAssets(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	out := filepath.Join(t.TempDir(), "dist")
	writeFile(t, filepath.Join(src, "index.ts"), "code")
	writeFile(t, filepath.Join(src, "views", "home.html"), "<h1>home</h1>")
	writeFile(t, filepath.Join(src, "views", "partials", "nav.html"), "<nav/>")
	writeFile(t, filepath.Join(src, "config", "app.json"), "{}")
	writeFile(t, filepath.Join(src, "lib", "util.tsx"), "code")

	n, err := CopyAssets(AssetsConfig{Src: src, Out: out})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	b, err := os.ReadFile(filepath.Join(out, "views", "partials", "nav.html"))
	require.NoError(t, err)
	assert.Equal(t, "<nav/>", string(b))
	_, err = os.Stat(filepath.Join(out, "index.ts"))
	assert.True(t, os.IsNotExist(err))
}

func TestCopyAssets_PatternsAndDedup(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	writeFile(t, filepath.Join(src, "a.css"), "a")
	writeFile(t, filepath.Join(src, "nested", "b.css"), "b")
	writeFile(t, filepath.Join(src, "nested", "c.png"), "c")

	n, err := CopyAssets(AssetsConfig{
		Src:      src,
		Out:      out,
		Patterns: []string{"**/*.css", "nested/*.css"},
		Exclude:  []string{},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "a file matched by two patterns is copied once")
	_, err = os.Stat(filepath.Join(out, "nested", "c.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestCopyAssets_SingleFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "favicon.ico")
	writeFile(t, src, "icon")
	out := filepath.Join(t.TempDir(), "dist")

	n, err := CopyAssets(AssetsConfig{Src: src, Out: out})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	b, err := os.ReadFile(filepath.Join(out, "favicon.ico"))
	require.NoError(t, err)
	assert.Equal(t, "icon", string(b))
}

func TestCopyAssets_Errors(t *testing.T) {
	_, err := CopyAssets(AssetsConfig{})
	assert.Error(t, err)

	n, err := CopyAssets(AssetsConfig{Src: filepath.Join(t.TempDir(), "missing"), Out: t.TempDir()})
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Zero(t, n)

	_, err = CopyAssets(AssetsConfig{Src: t.TempDir(), Out: t.TempDir(), Patterns: []string{"[unclosed"}})
	assert.Error(t, err)
}

func TestMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", ".build-done")
	now := time.Date(2026, 3, 4, 5, 6, 7, 891, time.UTC)
	require.NoError(t, WriteMarker(path, now))
	got, err := ReadMarker(path)
	require.NoError(t, err)
	assert.True(t, now.Equal(got))

	later := now.Add(time.Second)
	require.NoError(t, WriteMarker(path, later))
	got, err = ReadMarker(path)
	require.NoError(t, err)
	assert.True(t, later.Equal(got))

	assert.NoError(t, WriteMarker("", now))
}

func TestTouchMarker_LogsFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	writeFile(t, blocker, "")
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	TouchMarker(log, filepath.Join(blocker, "marker"))
	assert.Contains(t, buf.String(), "write build marker")
}
