package engine

import (
	"errors"
	"fmt"
)

// GenericErrorText is shown when a turn fails for reasons other than a
// runtime-reported error.
const GenericErrorText = "An internal error occurred while processing your request with the agent."

const unspecifiedAgentError = "An unspecified agent error occurred."

var ErrTurnInProgress = errors.New("a turn is already running for this conversation")

type Stage string

const (
	StageBootstrap Stage = "bootstrap"
	StageStream    Stage = "stream"
	StageDispatch  Stage = "dispatch"
	StagePanic     Stage = "panic"
)

// TurnError is returned by RunTurn when a turn ended on an internal failure.
type TurnError struct {
	Stage Stage
	Err   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn %s: %v", e.Stage, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

// FormatRuntimeError renders a runtime-reported error for the transcript.
func FormatRuntimeError(code, message string) string {
	if message == "" {
		return unspecifiedAgentError
	}
	if code == "" {
		return "Agent Error: " + message
	}
	return fmt.Sprintf("Agent Error (%s): %s", code, message)
}
