package detector

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

// startSleep starts a sleep process and returns the started *exec.Cmd
func startSleep(t *testing.T, dur string) *exec.Cmd {
	t.Helper()
	// #nosec G204
	cmd := exec.Command("/bin/sh", "-c", "sleep "+dur)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func TestParsePIDFile(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    PIDInfo
		wantErr bool
	}{
		{name: "legacy", in: "12345\n", want: PIDInfo{PID: 12345}},
		{name: "no newline", in: "77", want: PIDInfo{PID: 77}},
		{name: "with meta", in: "42\n{\"start_unix\":1700000000}\n", want: PIDInfo{PID: 42, StartUnix: 1700000000}},
		{name: "crlf", in: "42\r\n{\"start_unix\":5}\r\n", want: PIDInfo{PID: 42, StartUnix: 5}},
		{name: "garbage meta ignored", in: "42\nnot-json\n", want: PIDInfo{PID: 42}},
		{name: "empty", in: "", wantErr: true},
		{name: "not a number", in: "abc\n", wantErr: true},
		{name: "zero", in: "0\n", wantErr: true},
		{name: "negative", in: "-5\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePIDFile([]byte(tt.in))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedPIDFile) {
					t.Fatalf("expected ErrMalformedPIDFile, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}

func TestFormatPIDFile_Legacy(t *testing.T) {
	if got := string(FormatPIDFile(PIDInfo{PID: 9})); got != "9\n" {
		t.Fatalf("unexpected legacy format %q", got)
	}
}

func TestCheck_AliveGoneReused(t *testing.T) {
	requireUnix(t)
	cmd := startSleep(t, "5")
	pid := cmd.Process.Pid
	time.Sleep(20 * time.Millisecond)

	start := ProcStartUnix(pid)
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	if got := Check(PIDInfo{PID: pid, StartUnix: start}); got != Alive {
		t.Fatalf("expected alive with matching start time, got %v", got)
	}
	if got := Check(PIDInfo{PID: pid}); got != Alive {
		t.Fatalf("expected alive without start time, got %v", got)
	}
	for _, drift := range []int64{-1, 1} {
		if got := Check(PIDInfo{PID: pid, StartUnix: start + drift}); got != Alive {
			t.Fatalf("expected alive with start time off by %d, got %v", drift, got)
		}
	}
	if got := Check(PIDInfo{PID: pid, StartUnix: start - 2}); got != Reused {
		t.Fatalf("expected reused beyond tolerance, got %v", got)
	}
	if got := Check(PIDInfo{PID: pid, StartUnix: start - 1000}); got != Reused {
		t.Fatalf("expected reused on start time mismatch, got %v", got)
	}

	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	if got := Check(PIDInfo{PID: pid, StartUnix: start}); got != Gone {
		t.Fatalf("expected gone after kill, got %v", got)
	}
}

func TestPIDFileDetector(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	pf := filepath.Join(dir, "w.pid")

	d := PIDFileDetector{PIDFile: pf}
	if alive, err := d.Alive(); alive || err != nil {
		t.Fatalf("missing pidfile: alive=%v err=%v", alive, err)
	}
	if d.Describe() != "pidfile:"+pf {
		t.Fatalf("unexpected describe %q", d.Describe())
	}

	cmd := startSleep(t, "5")
	time.Sleep(20 * time.Millisecond)
	info := PIDInfo{PID: cmd.Process.Pid, StartUnix: ProcStartUnix(cmd.Process.Pid)}
	if err := os.WriteFile(pf, FormatPIDFile(info), 0o600); err != nil {
		t.Fatal(err)
	}
	if alive, err := d.Alive(); !alive || err != nil {
		t.Fatalf("expected alive: alive=%v err=%v", alive, err)
	}

	if err := os.WriteFile(pf, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Alive(); !errors.Is(err, ErrMalformedPIDFile) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestPIDDetector(t *testing.T) {
	requireUnix(t)
	if alive, _ := (PIDDetector{PID: os.Getpid()}).Alive(); !alive {
		t.Fatalf("own pid should be alive")
	}
	if alive, _ := (PIDDetector{PID: -1}).Alive(); alive {
		t.Fatalf("negative pid should not be alive")
	}
}
