package pipeline

import (
	"errors"
	"fmt"
)

// Stage names the part of the pipeline a fatal error came from.
type Stage string

// Failure stages.
const (
	StageSetup            Stage = "setup"
	StageEncoderLaunch    Stage = "encoder_launch"
	StageEncoderExecution Stage = "encoder_execution"
	StageFrames           Stage = "frames"
)

// ErrEncoderExited is the cause when the encoder stops while frames are
// still expected.
var ErrEncoderExited = errors.New("encoder exited before the frame source finished")

// Error is a fatal pipeline failure.
type Error struct {
	Stage   Stage
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Stage, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new pipeline error
func NewError(stage Stage, message string, cause error) *Error {
	return &Error{
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// StageOf returns the stage of a pipeline error anywhere in err's chain,
// or "" if there is none.
func StageOf(err error) Stage {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Stage
	}
	return ""
}
