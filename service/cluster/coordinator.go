package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrFormationTimeout indicates the declared peer count did not assemble
// within the formation deadline. All partially registered members fail with
// this error; none proceeds with a partial list.
var ErrFormationTimeout = errors.New("cluster formation deadline exceeded")

// Phase is the coordinator's formation state. Failures are observable per
// phase instead of being buried in sequential bootstrap steps.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseRegistering   Phase = "registering"
	PhaseAwaitingPeers Phase = "awaiting-peers"
	PhaseFormed        Phase = "formed"
	PhaseFailed        Phase = "failed"
)

// Membership is the agreed outcome of formation. It is immutable once
// execution begins: every member of the job holds an identical copy.
type Membership struct {
	JobID string
	// Peers is the ordered list of member addresses, identical on every
	// member. The first entry is the initiator.
	Peers []string
	// Address is this worker's own entry in Peers.
	Address string
	// SharePath is a filesystem path reachable by all members, used for
	// exchanging intermediate files.
	SharePath string
}

// Initiator reports whether this worker launches the distributed job runner.
// The rule is deterministic (lowest address) so that all members agree
// without a negotiation round.
func (m *Membership) Initiator() bool {
	return len(m.Peers) > 0 && m.Peers[0] == m.Address
}

// Coordinator forms cluster membership for multi-node tasks.
type Coordinator struct {
	rendezvous Rendezvous
	probe      Probe
	address    string
	sharePath  string

	PollInterval      time.Duration
	FormationDeadline time.Duration

	mux    sync.Mutex
	phase  Phase
	logger *zap.SugaredLogger
}

// NewCoordinator creates a coordinator for a worker reachable at address.
// probe may be nil to skip reachability checks (memory rendezvous, tests).
func NewCoordinator(rendezvous Rendezvous, probe Probe, address, sharePath string, logger *zap.SugaredLogger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Coordinator{
		rendezvous:        rendezvous,
		probe:             probe,
		address:           address,
		sharePath:         sharePath,
		PollInterval:      500 * time.Millisecond,
		FormationDeadline: 5 * time.Minute,
		phase:             PhaseIdle,
		logger:            logger,
	}
}

// Phase returns the current formation phase.
func (c *Coordinator) Phase() Phase {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.phase
}

func (c *Coordinator) setPhase(phase Phase) {
	c.mux.Lock()
	c.phase = phase
	c.mux.Unlock()
}

// Form registers this worker under jobID and waits for the agreed member
// list. Agreement is explicit: once the declared peer count is registered,
// the deterministic initiator of the sorted snapshot commits the final list
// to the rendezvous record in one atomic first-write-wins operation, and
// every member adopts that single record. Racing snapshots therefore cannot
// split the job into disagreeing peer lists. On deadline this worker
// withdraws its registration and returns ErrFormationTimeout.
func (c *Coordinator) Form(ctx context.Context, jobID string, nodes int) (*Membership, error) {
	if nodes < 2 {
		return nil, fmt.Errorf("cluster formation requires at least 2 nodes, got %d", nodes)
	}
	c.setPhase(PhaseRegistering)
	if err := c.rendezvous.Register(ctx, jobID, c.address); err != nil {
		c.setPhase(PhaseFailed)
		return nil, fmt.Errorf("failed to register for job %s: %w", jobID, err)
	}
	c.logger.Infow("registered for cluster job", "jobID", jobID, "address", c.address, "nodes", nodes)

	c.setPhase(PhaseAwaitingPeers)
	peers, err := c.awaitAgreement(ctx, jobID, nodes)
	if err != nil {
		c.abandon(jobID)
		c.setPhase(PhaseFailed)
		return nil, err
	}

	if !contains(peers, c.address) {
		// More workers registered than the job declares and this one is not
		// part of the committed list. Treat as a failed formation for this
		// member.
		c.abandon(jobID)
		c.setPhase(PhaseFailed)
		return nil, fmt.Errorf("job %s membership excludes this worker (%s)", jobID, c.address)
	}

	if err := c.probePeers(ctx, peers); err != nil {
		c.abandon(jobID)
		c.setPhase(PhaseFailed)
		return nil, err
	}

	c.setPhase(PhaseFormed)
	c.logger.Infow("cluster formed", "jobID", jobID, "peers", peers, "initiator", peers[0])
	return &Membership{
		JobID:     jobID,
		Peers:     peers,
		Address:   c.address,
		SharePath: c.sharePath,
	}, nil
}

// awaitAgreement polls until a committed member list exists for the job.
// When enough peers are registered and this worker heads the sorted snapshot
// it proposes that snapshot as the final list; the rendezvous keeps only the
// first commit, so all members read back a single record regardless of how
// their local snapshots raced.
func (c *Coordinator) awaitAgreement(ctx context.Context, jobID string, nodes int) ([]string, error) {
	deadline := time.NewTimer(c.FormationDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	registered := 0
	for {
		agreed, err := c.rendezvous.Committed(ctx, jobID)
		if err != nil {
			c.logger.Warnw("rendezvous read failed", "jobID", jobID, "error", err)
		} else if len(agreed) > 0 {
			return agreed, nil
		}

		peers, err := c.rendezvous.Peers(ctx, jobID)
		if err != nil {
			c.logger.Warnw("rendezvous read failed", "jobID", jobID, "error", err)
		} else {
			registered = len(peers)
			if registered >= nodes {
				candidate := append([]string(nil), peers...)
				sort.Strings(candidate)
				candidate = candidate[:nodes]
				if candidate[0] == c.address {
					if err := c.rendezvous.Commit(ctx, jobID, candidate); err != nil {
						c.logger.Warnw("membership commit failed", "jobID", jobID, "error", err)
					} else {
						// Re-read immediately: a racing commit may have won.
						continue
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("job %s assembled %d of %d nodes: %w",
				jobID, registered, nodes, ErrFormationTimeout)
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) probePeers(ctx context.Context, peers []string) error {
	if c.probe == nil {
		return nil
	}
	for _, peer := range peers {
		if peer == c.address {
			continue
		}
		if err := c.probe.Reachable(ctx, peer); err != nil {
			return fmt.Errorf("peer %s unreachable after formation: %w", peer, err)
		}
	}
	return nil
}

func (c *Coordinator) abandon(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.rendezvous.Abandon(ctx, jobID, c.address); err != nil {
		c.logger.Warnw("failed to abandon rendezvous", "jobID", jobID, "error", err)
	}
}

func contains(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}
