package event

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/inductiva/task-runner/internal/backoff"
	"github.com/inductiva/task-runner/internal/clock"
	"github.com/inductiva/task-runner/internal/idgen"
)

// Sink delivers a single event to the control-plane-facing transport.
type Sink interface {
	Publish(ctx context.Context, event *Event) error
}

// Reporter emits lifecycle events through a sink, retrying transient errors
// with bounded exponential backoff. Exhausted events are logged locally and
// dropped; status reporting never fails a task.
type Reporter struct {
	sink      Sink
	machineID string
	retry     backoff.Policy
	logger    *zap.SugaredLogger
}

// NewReporter creates a reporter bound to the worker identity.
func NewReporter(sink Sink, machineID string, retry backoff.Policy, logger *zap.SugaredLogger) *Reporter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Reporter{sink: sink, machineID: machineID, retry: retry, logger: logger}
}

// Report fills worker identity and timestamp, then publishes. Callers invoke
// it synchronously per task, which preserves per-task ordering.
func (r *Reporter) Report(ctx context.Context, event *Event) {
	if event.ID == "" {
		event.ID = idgen.New()
	}
	event.MachineID = r.machineID
	if event.Timestamp.IsZero() {
		event.Timestamp = clock.Now()
	}
	err := backoff.Retry(ctx, r.retry, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		return r.sink.Publish(attemptCtx, event)
	})
	if err != nil {
		r.logger.Warnw("dropping event after retries exhausted",
			"taskID", event.TaskID, "state", event.State, "error", err)
		return
	}
	r.logger.Debugw("reported event", "taskID", event.TaskID, "state", event.State)
}

// timeout guards a single publish attempt against a stalled transport.
const publishTimeout = 10 * time.Second
