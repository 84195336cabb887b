package event

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/inductiva/task-runner/internal/backoff"
	"github.com/inductiva/task-runner/runtime/run"
)

type flakySink struct {
	mu       sync.Mutex
	failures int
	events   []Event
}

func (s *flakySink) Publish(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("transient sink error")
	}
	s.events = append(s.events, *event)
	return nil
}

func testPolicy() backoff.Policy {
	return backoff.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func TestReporterRetriesTransientErrors(t *testing.T) {
	sink := &flakySink{failures: 2}
	reporter := NewReporter(sink, "worker-1", testPolicy(), nil)

	reporter.Report(context.Background(), &Event{TaskID: "t-1", State: run.StateClaimed})

	assert.Len(t, sink.events, 1)
	assert.Equal(t, "worker-1", sink.events[0].MachineID)
	assert.False(t, sink.events[0].Timestamp.IsZero())
}

func TestReporterDropsAfterExhaustion(t *testing.T) {
	sink := &flakySink{failures: 10}
	reporter := NewReporter(sink, "worker-1", testPolicy(), nil)

	reporter.Report(context.Background(), &Event{TaskID: "t-1", State: run.StateClaimed})

	// The event is dropped, not delivered late.
	assert.Empty(t, sink.events)
	assert.Equal(t, 7, sink.failures)
}

func TestReporterPreservesPerTaskOrder(t *testing.T) {
	sink := NewMemorySink()
	reporter := NewReporter(sink, "worker-1", testPolicy(), nil)

	states := []run.TaskState{
		run.StateClaimed,
		run.StateFetchingInput,
		run.StatePreparingEnv,
		run.StateExecuting,
		run.StateUploadingOutput,
		run.StateSucceeded,
	}
	for _, state := range states {
		reporter.Report(context.Background(), &Event{TaskID: "t-1", State: state})
	}

	events := sink.Events()
	assert.Len(t, events, len(states))
	folded := make([]run.TaskState, 0, len(events))
	for _, e := range events {
		folded = append(folded, e.State)
	}
	assert.Equal(t, run.StateSucceeded, run.Fold(folded))
	assert.Equal(t, states, folded)
}
