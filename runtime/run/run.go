// Package run holds the per-task lifecycle state machine and the Run record,
// the concrete OS-level realisation of a claimed task.
package run

import (
	"sync"
	"time"
)

// Run describes one execution of a task: a fresh working directory, the
// process environment and the captured outcome. A Run is owned exclusively
// by the launcher for the duration of one task and destroyed when the task
// reaches a terminal state.
type Run struct {
	TaskID string
	Dir    string
	Env    []string

	StartedAt   time.Time
	CompletedAt time.Time

	mux      sync.Mutex
	exitCode int
	exited   bool
	logTail  *LogTail
}

// New creates a run bound to a working directory.
func New(taskID, dir string, env []string) *Run {
	return &Run{
		TaskID:  taskID,
		Dir:     dir,
		Env:     env,
		logTail: NewLogTail(defaultTailLines),
	}
}

// LogTail returns the rolling buffer capturing process output.
func (r *Run) LogTail() *LogTail {
	return r.logTail
}

// SetExit records the process exit code once.
func (r *Run) SetExit(code int) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.exited {
		return
	}
	r.exited = true
	r.exitCode = code
	r.CompletedAt = time.Now()
}

// Exit returns the recorded exit code and whether the run has exited.
func (r *Run) Exit() (int, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.exitCode, r.exited
}
