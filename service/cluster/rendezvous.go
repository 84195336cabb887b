// Package cluster assembles multi-node job membership before execution
// starts. Workers assigned to the same job id publish their address to a
// shared rendezvous record and poll until the declared peer count is present
// or a formation deadline elapses.
package cluster

import (
	"context"
	"sync"
)

// Rendezvous is the shared coordination point keyed by job id. It is the only
// cross-worker mutable record in the agent; all operations must be safe under
// concurrent registration from the job's peers.
type Rendezvous interface {
	// Register publishes the worker's reachable address under the job id.
	// Registering the same address twice is a no-op.
	Register(ctx context.Context, jobID, address string) error
	// Peers returns the currently registered addresses, in no defined order.
	Peers(ctx context.Context, jobID string) ([]string, error)
	// Commit publishes the agreed member list for the job. The first commit
	// wins; later commits are no-ops, so every member that reads a committed
	// list reads the same one.
	Commit(ctx context.Context, jobID string, peers []string) error
	// Committed returns the agreed member list, or nil while no commit has
	// happened.
	Committed(ctx context.Context, jobID string) ([]string, error)
	// Abandon withdraws the worker's address, used when formation times out.
	Abandon(ctx context.Context, jobID, address string) error
}

// MemoryRendezvous is an in-process rendezvous for tests and local mode.
type MemoryRendezvous struct {
	mux    sync.Mutex
	jobs   map[string]map[string]bool
	agreed map[string][]string
}

// NewMemoryRendezvous creates an empty in-process rendezvous.
func NewMemoryRendezvous() *MemoryRendezvous {
	return &MemoryRendezvous{
		jobs:   make(map[string]map[string]bool),
		agreed: make(map[string][]string),
	}
}

func (r *MemoryRendezvous) Register(_ context.Context, jobID, address string) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	members, ok := r.jobs[jobID]
	if !ok {
		members = make(map[string]bool)
		r.jobs[jobID] = members
	}
	members[address] = true
	return nil
}

func (r *MemoryRendezvous) Peers(_ context.Context, jobID string) ([]string, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	members := r.jobs[jobID]
	peers := make([]string, 0, len(members))
	for address := range members {
		peers = append(peers, address)
	}
	return peers, nil
}

func (r *MemoryRendezvous) Commit(_ context.Context, jobID string, peers []string) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.agreed[jobID]; ok {
		return nil
	}
	r.agreed[jobID] = append([]string(nil), peers...)
	return nil
}

func (r *MemoryRendezvous) Committed(_ context.Context, jobID string) ([]string, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	agreed, ok := r.agreed[jobID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), agreed...), nil
}

func (r *MemoryRendezvous) Abandon(_ context.Context, jobID, address string) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if members, ok := r.jobs[jobID]; ok {
		delete(members, address)
		if len(members) == 0 {
			delete(r.jobs, jobID)
		}
	}
	return nil
}

var _ Rendezvous = (*MemoryRendezvous)(nil)
