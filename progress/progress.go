// Package progress keeps aggregated task counters (claimed, running,
// succeeded, ...) for one worker process. The consumer loop updates the
// counters via the Delta helper; observers register an onChange callback
// instead of polling.
package progress

import (
	"sync"
	"time"
)

// Delta represents an incremental counter change emitted by the consumer
// loop. The fields are signed and therefore can be either positive
// (increment) or negative (decrement).
type Delta struct {
	Claimed   int
	Running   int
	Succeeded int
	Failed    int
	Killed    int
}

// Progress keeps aggregated task counters for the worker. It is safe for
// concurrent use.
type Progress struct {
	// Identification, informative only.
	WorkerID  string
	StartedAt time.Time

	// Counters, modified via Update().
	ClaimedTasks   int
	RunningTasks   int
	SucceededTasks int
	FailedTasks    int
	KilledTasks    int

	mux      sync.Mutex
	onChange func(Progress)
}

// New creates a tracker for the given worker identity.
func New(workerID string) *Progress {
	return &Progress{WorkerID: workerID, StartedAt: time.Now()}
}

// Update applies the supplied delta. If an onChange callback has been
// registered it is invoked with a copy of the updated tracker outside the
// critical section so that the callback can perform slow operations without
// blocking the consumer loop.
func (p *Progress) Update(d Delta) {
	if p == nil {
		return
	}
	p.mux.Lock()
	p.ClaimedTasks += d.Claimed
	p.RunningTasks += d.Running
	p.SucceededTasks += d.Succeeded
	p.FailedTasks += d.Failed
	p.KilledTasks += d.Killed
	snapshot := p.copyLocked()
	cb := p.onChange
	p.mux.Unlock()

	if cb != nil {
		cb(snapshot)
	}
}

// Snapshot returns a copy of the current counters.
func (p *Progress) Snapshot() Progress {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.copyLocked()
}

// OnChange registers a callback invoked after every update.
func (p *Progress) OnChange(fn func(Progress)) {
	p.mux.Lock()
	p.onChange = fn
	p.mux.Unlock()
}

func (p *Progress) copyLocked() Progress {
	return Progress{
		WorkerID:       p.WorkerID,
		StartedAt:      p.StartedAt,
		ClaimedTasks:   p.ClaimedTasks,
		RunningTasks:   p.RunningTasks,
		SucceededTasks: p.SucceededTasks,
		FailedTasks:    p.FailedTasks,
		KilledTasks:    p.KilledTasks,
	}
}
