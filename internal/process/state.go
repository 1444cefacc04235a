package process

import "time"

// State represents the current state of a process.
type State string

// Process states.
const (
	StateIdle     State = "idle"     // Not started
	StateRunning  State = "running"  // Active
	StateStopping State = "stopping" // Signalled, not yet exited
	StateExited   State = "exited"   // Exit observed
	StateError    State = "error"    // Failed to start
)

// Info is a point-in-time view of a process.
type Info struct {
	ID        string
	State     State
	PID       int
	StartedAt time.Time
	ExitCode  int
	LastError error
}
