package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/devrun/internal/logger"
)

// shSpec runs script through /bin/sh so tests need no script runtime.
func shSpec(script string) Spec {
	return Spec{Name: "w", Runtime: "/bin/sh", Command: "-c", Args: []string{script}, StopTimeout: 2 * time.Second}
}

func TestSpawn_InheritsArgsAndObservesExit(t *testing.T) {
	requireUnix(t)
	h, err := Spawn(shSpec("exit 3"), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if h.PID() <= 0 {
		t.Fatalf("invalid pid %d", h.PID())
	}
	if got := h.Args(); len(got) != 3 || got[0] != "/bin/sh" || got[1] != "-c" || got[2] != "exit 3" {
		t.Fatalf("unexpected argv %#v", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = h.Wait(ctx)
	var exitErr interface{ ExitCode() int }
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 3 {
		t.Fatalf("expected exit code 3, got %v", err)
	}
	if !h.Exited() || h.StoppedAt().IsZero() {
		t.Fatalf("handle not marked exited")
	}
}

func TestSpawn_FailureIsReported(t *testing.T) {
	requireUnix(t)
	_, err := Spawn(Spec{Runtime: "/nonexistent/runtime", Command: "server.js"}, nil)
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
	_, err = Spawn(Spec{Runtime: "/bin/sh"}, nil)
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn for invalid spec, got %v", err)
	}
}

func TestSpawn_LogCopy(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	s := shSpec("echo out-line; echo err-line 1>&2")
	s.Log = logger.Config{File: logger.FileConfig{Dir: dir}}
	h, err := Spawn(s, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-h.Done()
	b, err := os.ReadFile(filepath.Join(dir, "w.stdout.log"))
	if err != nil || !strings.Contains(string(b), "out-line") {
		t.Fatalf("stdout copy missing: %q %v", b, err)
	}
	b, err = os.ReadFile(filepath.Join(dir, "w.stderr.log"))
	if err != nil || !strings.Contains(string(b), "err-line") {
		t.Fatalf("stderr copy missing: %q %v", b, err)
	}
}

func TestSpawn_UnusableLogDir(t *testing.T) {
	requireUnix(t)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	s := shSpec("true")
	s.Log = logger.Config{File: logger.FileConfig{StdoutPath: filepath.Join(blocker, "logs", "out.log")}}
	if _, err := Spawn(s, nil); !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
}

func TestHandle_Terminate(t *testing.T) {
	requireUnix(t)
	h, err := Spawn(shSpec("sleep 30"), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	start := time.Now()
	if err := h.Terminate(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !h.Exited() {
		t.Fatalf("expected exited after Terminate")
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("SIGTERM should stop sleep promptly")
	}
	// terminating an exited handle is a no-op
	if err := h.Terminate(context.Background(), time.Second); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if err := h.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal on exited handle: %v", err)
	}
}

func TestHandle_TerminateEscalatesToKill(t *testing.T) {
	requireUnix(t)
	h, err := Spawn(shSpec("trap '' TERM; sleep 30"), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	// give the shell time to install the trap
	time.Sleep(100 * time.Millisecond)
	if err := h.Terminate(context.Background(), 150*time.Millisecond); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !h.Exited() {
		t.Fatalf("expected SIGKILL escalation to stop the worker")
	}
}

func TestHandle_TerminateHonorsContext(t *testing.T) {
	requireUnix(t)
	h, err := Spawn(shSpec("trap '' TERM; sleep 30"), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() { _ = h.Signal(syscall.SIGKILL); <-h.Done() })
	time.Sleep(100 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := h.Terminate(ctx, 10*time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
