package controller

import "time"

// State of the single worker owned by a Controller.
//
// absent -> starting -> running -> terminating -> absent
type State int32

const (
	StateAbsent State = iota
	StateStarting
	StateRunning
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the controller and its current worker.
type Status struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	Args      []string  `json:"args,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	Restarts  uint32    `json:"restarts"`
	ExitErr   string    `json:"exit_err,omitempty"`
	PIDFile   string    `json:"pid_file,omitempty"`
}
