package agent

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMaxIterations is returned when the model keeps requesting tools
	// past the configured iteration limit.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrNoProvider is returned when the loop has no LLM provider.
	ErrNoProvider = errors.New("no provider configured")

	// ErrNoExecutor is returned when the loop has no tool executor.
	ErrNoExecutor = errors.New("no tool executor configured")

	// ErrEmptyMessage is returned for a blank user message.
	ErrEmptyMessage = errors.New("message is empty")
)

// LoopPhase names a stage of one loop iteration.
type LoopPhase string

const (
	PhaseInit         LoopPhase = "init"
	PhaseStream       LoopPhase = "stream"
	PhaseExecuteTools LoopPhase = "execute_tools"
	PhaseComplete     LoopPhase = "complete"
)

// LoopError describes where in the loop a failure happened.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Message   string
	Cause     error
}

func (e *LoopError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[loop:%s]", e.Phase))
	parts = append(parts, fmt.Sprintf("iteration=%d", e.Iteration))
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *LoopError) Unwrap() error {
	return e.Cause
}
