package pipeline

// State is the orchestrator's position in the run.
type State int

// Run states, in order. A run only moves forward.
const (
	StateIdle State = iota
	StateChannelPrepared
	StateEncoderStarted
	StateDraining
	StateFlushing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChannelPrepared:
		return "channel_prepared"
	case StateEncoderStarted:
		return "encoder_started"
	case StateDraining:
		return "draining"
	case StateFlushing:
		return "flushing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
