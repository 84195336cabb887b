// Package fs provides a filesystem-backed queue vendor. Messages are spooled
// as JSON files under state directories, so claims survive a worker restart:
// anything left in the claimed directory when the queue reopens is returned
// to pending. Intended for single-machine deployments without a broker.
package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"

	"github.com/inductiva/task-runner/internal/clock"
	"github.com/inductiva/task-runner/internal/idgen"
	"github.com/inductiva/task-runner/service/messaging"
)

// Spool state directories. A message file lives in exactly one of them.
const (
	dirPending = "pending"
	dirClaimed = "claimed"
	dirDone    = "done"
	dirDead    = "dead"
)

// Config for the filesystem queue vendor.
type Config struct {
	// BaseURL is the spool root; any afs-addressable URL works, local
	// paths included.
	BaseURL string `json:"baseURL" yaml:"baseURL"`

	// BlockTimeout bounds a Consume call; zero blocks until context done.
	BlockTimeout time.Duration `json:"blockTimeout" yaml:"blockTimeout"`

	// PollInterval is the wait between pending-directory scans.
	PollInterval time.Duration `json:"pollInterval" yaml:"pollInterval"`

	// MaxDeliveries moves a message to the dead directory once exceeded.
	MaxDeliveries int `json:"maxDeliveries" yaml:"maxDeliveries"`
}

// DefaultConfig returns a standard configuration for the filesystem queue.
func DefaultConfig() Config {
	return Config{
		PollInterval:  250 * time.Millisecond,
		MaxDeliveries: 3,
	}
}

// envelope is the on-disk message representation.
type envelope[T any] struct {
	ID          string    `json:"id"`
	Payload     T         `json:"payload"`
	Deliveries  int       `json:"deliveries"`
	PublishedAt time.Time `json:"publishedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Error       string    `json:"error,omitempty"`
}

// Message implements messaging.Message for the filesystem queue.
type Message[T any] struct {
	envelope envelope[T]
	name     string
	queue    *Queue[T]
	mu       sync.Mutex
	settled  bool
}

// T returns the message payload.
func (m *Message[T]) T() *T {
	return &m.envelope.Payload
}

// Ack acknowledges the message and moves it to the done directory.
func (m *Message[T]) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return fmt.Errorf("message %s already settled", m.envelope.ID)
	}
	m.settled = true
	return m.queue.settle(m, dirDone)
}

// Nack releases the claim. The message returns to pending until the delivery
// budget is exhausted, then lands in the dead directory.
func (m *Message[T]) Nack(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return fmt.Errorf("message %s already settled", m.envelope.ID)
	}
	m.settled = true
	if err != nil {
		m.envelope.Error = err.Error()
	}
	if m.envelope.Deliveries >= m.queue.config.MaxDeliveries {
		return m.queue.settle(m, dirDead)
	}
	return m.queue.settle(m, dirPending)
}

// Queue implements a filesystem-backed messaging.Queue.
type Queue[T any] struct {
	fs     afs.Service
	config Config
	mu     sync.Mutex
}

// NewQueue opens a filesystem queue rooted at config.BaseURL, creating the
// spool layout when absent and recovering claims orphaned by a crash.
func NewQueue[T any](service afs.Service, config Config) (*Queue[T], error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("queue base URL is required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.MaxDeliveries <= 0 {
		config.MaxDeliveries = DefaultConfig().MaxDeliveries
	}
	if service == nil {
		service = afs.New()
	}
	q := &Queue[T]{fs: service, config: config}

	ctx := context.Background()
	for _, dir := range []string{dirPending, dirClaimed, dirDone, dirDead} {
		URL := q.stateURL(dir)
		if ok, _ := service.Exists(ctx, URL); !ok {
			if err := service.Create(ctx, URL, file.DefaultDirOsMode, true); err != nil {
				return nil, fmt.Errorf("failed to create spool directory %s: %w", URL, err)
			}
		}
	}
	if err := q.recover(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Publish spools a new message into the pending directory. Filenames are
// prefixed with the publish timestamp so claims are oldest-first.
func (q *Queue[T]) Publish(ctx context.Context, t *T) error {
	now := clock.Now()
	env := envelope[T]{
		ID:          idgen.New(),
		Payload:     *t,
		PublishedAt: now,
		UpdatedAt:   now,
	}
	name := fmt.Sprintf("%020d-%s.json", now.UnixNano(), env.ID)
	return q.write(ctx, dirPending, name, &env)
}

// Consume claims the oldest pending message, honouring the bounded block
// timeout.
func (q *Queue[T]) Consume(ctx context.Context) (messaging.Message[T], error) {
	var deadline <-chan time.Time
	if q.config.BlockTimeout > 0 {
		timer := time.NewTimer(q.config.BlockTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		msg, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, messaging.ErrNoMessage
		case <-time.After(q.config.PollInterval):
		}
	}
}

// claim moves the oldest pending file into claimed and returns it, or nil
// when the pending directory is empty.
func (q *Queue[T]) claim(ctx context.Context) (*Message[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.list(ctx, dirPending)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	name := names[0]

	env, err := q.read(ctx, dirPending, name)
	if err != nil {
		// Quarantine undecodable spool files so they stop blocking the queue.
		_ = q.fs.Move(ctx, q.entryURL(dirPending, name), q.entryURL(dirDead, "invalid-"+name))
		return nil, err
	}
	env.Deliveries++
	env.UpdatedAt = clock.Now()

	if err := q.write(ctx, dirClaimed, name, env); err != nil {
		return nil, err
	}
	if err := q.fs.Delete(ctx, q.entryURL(dirPending, name)); err != nil {
		return nil, fmt.Errorf("failed to remove claimed message %s: %w", name, err)
	}
	return &Message[T]{envelope: *env, name: name, queue: q}, nil
}

// settle moves a claimed message into its terminal (or pending, on requeue)
// directory.
func (q *Queue[T]) settle(m *Message[T], state string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ctx := context.Background()
	m.envelope.UpdatedAt = clock.Now()
	if err := q.write(ctx, state, m.name, &m.envelope); err != nil {
		return err
	}
	claimedURL := q.entryURL(dirClaimed, m.name)
	if ok, _ := q.fs.Exists(ctx, claimedURL); ok {
		if err := q.fs.Delete(ctx, claimedURL); err != nil {
			return fmt.Errorf("failed to remove settled message %s: %w", m.name, err)
		}
	}
	return nil
}

// recover returns claims orphaned by a previous run to the pending directory.
func (q *Queue[T]) recover(ctx context.Context) error {
	names, err := q.list(ctx, dirClaimed)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := q.fs.Move(ctx, q.entryURL(dirClaimed, name), q.entryURL(dirPending, name)); err != nil {
			return fmt.Errorf("failed to recover claimed message %s: %w", name, err)
		}
	}
	return nil
}

// Size returns the number of claimable messages.
func (q *Queue[T]) Size(ctx context.Context) int {
	names, _ := q.list(ctx, dirPending)
	return len(names)
}

// DeadSize returns the number of dead-lettered messages.
func (q *Queue[T]) DeadSize(ctx context.Context) int {
	names, _ := q.list(ctx, dirDead)
	return len(names)
}

func (q *Queue[T]) list(ctx context.Context, state string) ([]string, error) {
	objects, err := q.fs.List(ctx, q.stateURL(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s messages: %w", state, err)
	}
	var names []string
	for _, object := range objects {
		if object.IsDir() || !strings.HasSuffix(object.Name(), ".json") {
			continue
		}
		names = append(names, object.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (q *Queue[T]) read(ctx context.Context, state, name string) (*envelope[T], error) {
	data, err := q.fs.DownloadWithURL(ctx, q.entryURL(state, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", name, err)
	}
	env := &envelope[T]{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", name, err)
	}
	return env, nil
}

func (q *Queue[T]) write(ctx context.Context, state, name string, env *envelope[T]) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", env.ID, err)
	}
	return q.fs.Upload(ctx, q.entryURL(state, name), file.DefaultFileOsMode, bytes.NewReader(data))
}

func (q *Queue[T]) stateURL(state string) string {
	return path.Join(q.config.BaseURL, state)
}

func (q *Queue[T]) entryURL(state, name string) string {
	return path.Join(q.config.BaseURL, state, name)
}

var _ messaging.Queue[any] = (*Queue[any])(nil)
