package model

import (
	"fmt"
	"time"
)

// ResourceClass identifies the execution environment a task requires.
// The set is closed: picking a launcher is a switch over these values,
// not dynamic dispatch on arbitrary strings.
type ResourceClass string

const (
	ResourceClassCPU ResourceClass = "cpu"
	ResourceClassGPU ResourceClass = "gpu"
	ResourceClassMPI ResourceClass = "mpi"
)

// MultiNode reports whether the class requires coordinated execution across
// several worker machines.
func (r ResourceClass) MultiNode() bool {
	return r == ResourceClassMPI
}

// Valid reports whether the class is one of the recognised values.
func (r ResourceClass) Valid() bool {
	switch r {
	case ResourceClassCPU, ResourceClassGPU, ResourceClassMPI:
		return true
	}
	return false
}

// Task is a single simulation-execution request consumed from the queue.
// A task is owned by exactly one worker at a time; ownership is established
// by an exclusive claim and released only on a terminal state.
type Task struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId,omitempty"`

	// Image is the container image URI the commands run in. An empty image
	// means bare execution on the host (local mode).
	Image string `json:"image,omitempty"`

	Commands []Command     `json:"commands"`
	Class    ResourceClass `json:"resourceClass"`

	// InputBundle and OutputBundle are artifact store URIs referencing the
	// task directory trees (file://, s3://, gs://, mem:// ...).
	InputBundle  string `json:"inputBundle"`
	OutputBundle string `json:"outputBundle"`

	// JobID groups the workers cooperating on a multi-node task; it keys the
	// cluster rendezvous record. Empty for single-node tasks.
	JobID string `json:"jobId,omitempty"`

	// NodeCount is the required cluster size for multi-node tasks.
	NodeCount int `json:"nodeCount,omitempty"`

	// TTLSeconds bounds wall-clock execution time. Zero means no limit.
	TTLSeconds int `json:"ttlSeconds,omitempty"`

	SubmittedAt time.Time `json:"submittedAt,omitempty"`
}

// TTL returns the declared time limit as a duration, zero when unlimited.
func (t *Task) TTL() time.Duration {
	return time.Duration(t.TTLSeconds) * time.Second
}

// Validate checks the fields the worker depends on before claiming work.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if len(t.Commands) == 0 {
		return fmt.Errorf("task %s has no commands", t.ID)
	}
	if !t.Class.Valid() {
		return fmt.Errorf("task %s has unknown resource class: %q", t.ID, t.Class)
	}
	if t.Class.MultiNode() {
		if t.JobID == "" {
			return fmt.Errorf("task %s requires multiple nodes but has no job id", t.ID)
		}
		if t.NodeCount < 2 {
			return fmt.Errorf("task %s requires multiple nodes but declares %d", t.ID, t.NodeCount)
		}
	}
	return nil
}
