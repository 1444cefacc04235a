package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeStateChanged uint32 = iota + 1
	TypeFrameDelivered
	TypeFrameVanished
	TypeEncoderExited
	TypeRelayError
)

// Event is the interface kelindar/event requires.
type Event interface {
	Type() uint32
}

// StateChangedEvent is published on every orchestrator state transition.
type StateChangedEvent struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Type implements Event.
func (e StateChangedEvent) Type() uint32 { return TypeStateChanged }

// FrameDeliveredEvent is published after a frame has been fully written to
// the channel and removed from the watch directory.
type FrameDeliveredEvent struct {
	Path      string    `json:"path"`
	Bytes     int64     `json:"bytes"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// Type implements Event.
func (e FrameDeliveredEvent) Type() uint32 { return TypeFrameDelivered }

// FrameVanishedEvent is published when a listed frame is gone before it
// could be read.
type FrameVanishedEvent struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// Type implements Event.
func (e FrameVanishedEvent) Type() uint32 { return TypeFrameVanished }

// EncoderExitedEvent is published once, when the encoder exit is observed.
type EncoderExitedEvent struct {
	ExitCode  int       `json:"exit_code"`
	Timestamp time.Time `json:"timestamp"`
}

// Type implements Event.
func (e EncoderExitedEvent) Type() uint32 { return TypeEncoderExited }

// RelayErrorEvent reports a failed datagram send to one destination.
type RelayErrorEvent struct {
	Destination string    `json:"destination"`
	Error       string    `json:"error"`
	Timestamp   time.Time `json:"timestamp"`
}

// Type implements Event.
func (e RelayErrorEvent) Type() uint32 { return TypeRelayError }
