// Package event reports ordered task lifecycle events to the control plane.
// Delivery is best-effort with bounded retry: a dropped event never blocks
// task progress, and consumers tolerate duplicates (at-least-once).
package event

import (
	"time"

	"github.com/inductiva/task-runner/model"
	"github.com/inductiva/task-runner/runtime/run"
)

// Event is one lifecycle transition of a task. Events for a single task are
// emitted in strict causal order; the control plane folds duplicates, so the
// tuple is idempotent.
type Event struct {
	// ID identifies one delivery attempt so at-least-once consumers can
	// deduplicate. Assigned by the reporter.
	ID string `json:"id,omitempty"`

	TaskID    string        `json:"taskId"`
	MachineID string        `json:"machineId"`
	State     run.TaskState `json:"state"`
	Timestamp time.Time     `json:"timestamp"`

	// Reason is set on terminal FAILED/KILLED events.
	Reason model.Reason `json:"reason,omitempty"`

	// Detail carries auxiliary metrics such as transfer durations and
	// bundle sizes.
	Detail map[string]string `json:"detail,omitempty"`

	// LogTail is the captured output tail attached to terminal events.
	LogTail []string `json:"logTail,omitempty"`
}
