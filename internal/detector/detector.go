package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// ErrMalformedPIDFile is returned when a PID file's first line is not a positive integer.
var ErrMalformedPIDFile = errors.New("malformed pid file")

// PIDInfo is the parsed content of a PID file: the PID on the first line and
// optional JSON metadata on the second.
type PIDInfo struct {
	PID       int
	StartUnix int64 // OS start time of the process; 0 for legacy files
}

type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// ParsePIDFile parses PID file content. Unparseable metadata is ignored so
// that legacy one-line files keep working.
func ParsePIDFile(data []byte) (PIDInfo, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	first, rest, _ := strings.Cut(text, "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return PIDInfo{}, fmt.Errorf("%w: first line %q", ErrMalformedPIDFile, strings.TrimSpace(first))
	}
	info := PIDInfo{PID: pid}
	metaLine, _, _ := strings.Cut(strings.TrimSpace(rest), "\n")
	if metaLine != "" {
		var m pidMeta
		if json.Unmarshal([]byte(metaLine), &m) == nil && m.StartUnix > 0 {
			info.StartUnix = m.StartUnix
		}
	}
	return info, nil
}

// FormatPIDFile renders info in the format ParsePIDFile reads.
func FormatPIDFile(info PIDInfo) []byte {
	s := strconv.Itoa(info.PID)
	if info.StartUnix > 0 {
		b, _ := json.Marshal(pidMeta{StartUnix: info.StartUnix})
		s += "\n" + string(b)
	}
	return []byte(s + "\n")
}

// Liveness classifies what a recorded PID currently refers to.
type Liveness int

const (
	// Gone means no process with the PID exists.
	Gone Liveness = iota
	// Reused means the PID exists but belongs to a different process.
	Reused
	// Alive means the PID exists and matches the recorded start time (or no start time was recorded).
	Alive
)

func (l Liveness) String() string {
	switch l {
	case Gone:
		return "gone"
	case Reused:
		return "reused"
	case Alive:
		return "alive"
	default:
		return "unknown"
	}
}

// StartTolerance is how far a recorded start time may drift from the one
// read back. Linux derives it from btime, which moves with clock adjustments.
const StartTolerance int64 = 1

// Check reports whether info still names the process that wrote it.
func Check(info PIDInfo) Liveness {
	if !pidAlive(info.PID) {
		return Gone
	}
	if info.StartUnix > 0 {
		cur := ProcStartUnix(info.PID)
		if cur > 0 && !sameStart(cur, info.StartUnix) {
			return Reused
		}
	}
	return Alive
}

func sameStart(a, b int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= StartTolerance
}

// PIDFileDetector detects a process via a PID file.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	info, err := ParsePIDFile(data)
	if err != nil {
		return false, fmt.Errorf("%s: %w", d.PIDFile, err)
	}
	return Check(info) == Alive, nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
