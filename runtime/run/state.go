package run

import "github.com/inductiva/task-runner/model"

// TaskState represents the current lifecycle state of a claimed task.
type TaskState string

const (
	StateClaimed         TaskState = "claimed"
	StateFetchingInput   TaskState = "fetching-input"
	StatePreparingEnv    TaskState = "preparing-env"
	StateExecuting       TaskState = "executing"
	StateUploadingOutput TaskState = "uploading-output"
	StateSucceeded       TaskState = "succeeded"
	StateFailed          TaskState = "failed"
	StateKilled          TaskState = "killed"
)

// forward holds the single legal forward transition of the happy path. FAILED
// and KILLED are reachable from every non-terminal state and are therefore
// not listed here.
var forward = map[TaskState]TaskState{
	StateClaimed:         StateFetchingInput,
	StateFetchingInput:   StatePreparingEnv,
	StatePreparingEnv:    StateExecuting,
	StateExecuting:       StateUploadingOutput,
	StateUploadingOutput: StateSucceeded,
}

// Terminal reports whether no further transitions may occur.
func (s TaskState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateKilled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal. The lifecycle
// is a DAG with terminal sinks: states are never revisited.
func (s TaskState) CanTransition(next TaskState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed || next == StateKilled {
		return true
	}
	return forward[s] == next
}

// TerminalState maps a failure reason to the terminal state it produces.
func TerminalState(reason model.Reason) TaskState {
	if reason.Killed() {
		return StateKilled
	}
	return StateFailed
}

// Fold replays an ordered event state sequence and returns the resulting
// state. Duplicate states are ignored, so replaying an event stream with
// at-least-once delivery yields the same final state as the exact stream.
func Fold(states []TaskState) TaskState {
	var current TaskState
	for _, next := range states {
		if current == "" {
			current = next
			continue
		}
		if next == current {
			continue
		}
		if current.CanTransition(next) {
			current = next
		}
	}
	return current
}
