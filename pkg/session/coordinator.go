/*
Package session implements the turn coordinator.

The coordinator serializes turns per conversation, wires the dialogue engine
to the emitter and the durable transcript, and resumes conversations after a
process restart by reseeding the emission ledger from persisted frames.
*/
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/parley-dev/parley/internal/logging"
	"github.com/parley-dev/parley/internal/metrics"
	"github.com/parley-dev/parley/internal/runtime"
	"github.com/parley-dev/parley/pkg/domain"
	"github.com/parley-dev/parley/pkg/emitter"
	"github.com/parley-dev/parley/pkg/ports"
)

// lockEntry holds the per-conversation mutexes and their reference count.
// mu serializes turn execution; admit serializes message intake and resume
// seeding, and is never held across a turn so Submit and Attach stay
// responsive while a turn is in flight.
type lockEntry struct {
	mu    sync.Mutex
	admit sync.Mutex
	refs  int
}

// turnQueue is the per-conversation FIFO of scheduled turns plus the cancel
// handle of the one currently executing.
type turnQueue struct {
	pending    []*domain.Turn
	running    bool
	activeTurn string
	cancel     context.CancelFunc
}

// Coordinator owns the lifecycle of conversations: it accepts user messages,
// runs one turn at a time per conversation, and exposes attach/replay over
// the emitter. Locks are reference counted so idle conversations leave no
// residue in memory.
type Coordinator struct {
	store     ports.TranscriptStore
	snapshots ports.SnapshotStore
	engine    *runtime.Engine
	emitter   *emitter.Emitter
	ledger    ports.Ledger
	locker    ports.DistributedLocker
	logger    *slog.Logger
	metrics   *metrics.Metrics

	lockTTL time.Duration

	mu      sync.Mutex
	locks   map[string]*lockEntry
	resumed map[string]bool
	queues  map[string]*turnQueue
	wg      sync.WaitGroup
}

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithLocker enables distributed turn serialization across replicas.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(c *Coordinator) { c.locker = locker }
}

// WithSnapshotStore persists requirements snapshots between turns.
func WithSnapshotStore(snapshots ports.SnapshotStore) Option {
	return func(c *Coordinator) { c.snapshots = snapshots }
}

// WithLogger configures a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLockTTL overrides the distributed lock TTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.lockTTL = ttl }
}

// NewCoordinator wires the coordinator over its collaborators. The emitter
// must be configured with an applier that persists into the same store.
func NewCoordinator(store ports.TranscriptStore, ledger ports.Ledger, em *emitter.Emitter, engine *runtime.Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		ledger:  ledger,
		emitter: em,
		engine:  engine,
		logger:  logging.NewNop(),
		lockTTL: 30 * time.Second,
		locks:   make(map[string]*lockEntry),
		resumed: make(map[string]bool),
		queues:  make(map[string]*turnQueue),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller must lock entry.mu and later call release after unlocking.
func (c *Coordinator) acquire(conversationID string) *lockEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.locks[conversationID]
	if !exists {
		entry = &lockEntry{}
		c.locks[conversationID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and drops the entry at zero.
func (c *Coordinator) release(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.locks[conversationID]
	if !exists {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(c.locks, conversationID)
	}
}

// withLock runs fn while holding the conversation's local lock and, when a
// distributed locker is configured, the cross-replica lock as well.
func (c *Coordinator) withLock(ctx context.Context, conversationID string, fn func(context.Context) error) error {
	entry := c.acquire(conversationID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		c.release(conversationID)
	}()

	if c.locker != nil {
		unlock, err := c.locker.Lock(ctx, conversationID, c.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(ctx); err != nil {
				c.logger.Warn("failed to release distributed lock (will expire via TTL)",
					"conversation_id", conversationID,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}

// withAdmit runs fn while holding only the conversation's intake lock. Used
// for operations that must not queue behind an executing turn.
func (c *Coordinator) withAdmit(ctx context.Context, conversationID string, fn func(context.Context) error) error {
	entry := c.acquire(conversationID)
	entry.admit.Lock()
	defer func() {
		entry.admit.Unlock()
		c.release(conversationID)
	}()
	return fn(ctx)
}

// ensureResumed reseeds the emitter from the durable transcript the first
// time a conversation is touched by this process. Must run under withLock.
func (c *Coordinator) ensureResumed(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	done := c.resumed[conversationID]
	c.mu.Unlock()
	if done {
		return nil
	}

	transcript, err := c.store.LoadTranscript(ctx, conversationID)
	switch {
	case errors.Is(err, domain.ErrConversationNotFound):
		// New conversation, nothing to seed.
	case err != nil:
		return fmt.Errorf("failed to load transcript for resume: %w", err)
	default:
		frames := transcript.Frames()
		fps := make([]domain.Fingerprint, len(frames))
		for i, f := range frames {
			fps[i] = f.Fingerprint
		}
		c.emitter.Resume(conversationID, transcript.LastSequence, fps)
		c.logger.Info("conversation resumed from transcript",
			"conversation_id", conversationID,
			"frames", len(frames),
			"last_sequence", transcript.LastSequence,
		)
	}

	c.mu.Lock()
	c.resumed[conversationID] = true
	c.mu.Unlock()
	return nil
}

// Submit accepts a user message and schedules a turn for it. The message is
// durably appended before Submit returns; the turn itself runs in the
// background and streams through the emitter. A message arriving while a
// turn is in flight is acknowledged immediately and its turn queued behind
// the running one.
func (c *Coordinator) Submit(ctx context.Context, conversationID, content string) (string, error) {
	turnID := uuid.NewString()
	msg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Content:   content,
		TurnID:    turnID,
		CreatedAt: time.Now().UTC(),
	}

	err := c.withAdmit(ctx, conversationID, func(ctx context.Context) error {
		if err := c.ensureResumed(ctx, conversationID); err != nil {
			return err
		}
		return c.store.AppendUserMessage(ctx, conversationID, msg)
	})
	if err != nil {
		return "", err
	}

	c.enqueue(&domain.Turn{
		ID:             turnID,
		ConversationID: conversationID,
		UserMessage:    content,
		StartedAt:      time.Now().UTC(),
	})
	return turnID, nil
}

// enqueue appends the turn to the conversation's FIFO and starts the drain
// goroutine when none is running. One drainer per conversation keeps turns
// strictly ordered by submission.
func (c *Coordinator) enqueue(turn *domain.Turn) {
	c.mu.Lock()
	q, exists := c.queues[turn.ConversationID]
	if !exists {
		q = &turnQueue{}
		c.queues[turn.ConversationID] = q
	}
	q.pending = append(q.pending, turn)
	if q.running {
		c.mu.Unlock()
		return
	}
	q.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.drain(turn.ConversationID)
	}()
}

// drain runs queued turns one at a time until the queue is empty.
func (c *Coordinator) drain(conversationID string) {
	for {
		c.mu.Lock()
		q := c.queues[conversationID]
		if q == nil || len(q.pending) == 0 {
			if q != nil {
				q.running = false
				if len(q.pending) == 0 && q.cancel == nil {
					delete(c.queues, conversationID)
				}
			}
			c.mu.Unlock()
			return
		}
		turn := q.pending[0]
		q.pending = q.pending[1:]
		c.mu.Unlock()

		c.runTurn(turn)
	}
}

// runTurn executes one turn under the conversation lock. The turn uses its
// own context so it survives the originating request; Cancel aborts it.
func (c *Coordinator) runTurn(turn *domain.Turn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.mu.Lock()
	if q := c.queues[turn.ConversationID]; q != nil {
		q.activeTurn = turn.ID
		q.cancel = cancel
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		// A successor turn may already have registered; only clear our own
		// handle.
		if q := c.queues[turn.ConversationID]; q != nil && q.activeTurn == turn.ID {
			q.activeTurn = ""
			q.cancel = nil
		}
		c.mu.Unlock()
	}()

	if c.metrics != nil {
		c.metrics.TurnsActive.Inc()
		defer c.metrics.TurnsActive.Dec()
	}

	err := c.withLock(ctx, turn.ConversationID, func(ctx context.Context) error {
		transcript, err := c.store.LoadTranscript(ctx, turn.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to load transcript: %w", err)
		}

		var snap *domain.RequirementsSnapshot
		if c.snapshots != nil {
			snap, err = c.snapshots.LoadSnapshot(ctx, turn.ConversationID)
			if err != nil {
				return fmt.Errorf("failed to load requirements snapshot: %w", err)
			}
		}

		next, outcome, runErr := c.engine.RunTurn(ctx, c.emitter, turn, transcript.Messages, snap)
		if runErr != nil {
			c.logger.Error("turn ended with failure",
				"conversation_id", turn.ConversationID,
				"turn_id", turn.ID,
				"outcome", outcome,
				"err", runErr,
			)
			return runErr
		}

		if c.snapshots != nil && next != nil {
			if err := c.snapshots.SaveSnapshot(ctx, turn.ConversationID, next); err != nil {
				return fmt.Errorf("failed to persist requirements snapshot: %w", err)
			}
		}
		c.logger.Info("turn completed",
			"conversation_id", turn.ConversationID,
			"turn_id", turn.ID,
			"stages", len(turn.Stages),
		)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("turn execution failed",
			"conversation_id", turn.ConversationID,
			"turn_id", turn.ID,
			"err", err,
		)
	}
}

// Attach replays the persisted frames of the conversation and subscribes to
// live ones, with no gap and no duplicate between the two. The returned
// cancel func detaches the subscriber.
func (c *Coordinator) Attach(ctx context.Context, conversationID string) ([]domain.Frame, <-chan domain.Frame, func(), error) {
	if err := c.withAdmit(ctx, conversationID, func(ctx context.Context) error {
		return c.ensureResumed(ctx, conversationID)
	}); err != nil {
		return nil, nil, nil, err
	}

	return c.emitter.Attach(ctx, conversationID, func(ctx context.Context) ([]domain.Frame, error) {
		transcript, err := c.store.LoadTranscript(ctx, conversationID)
		if errors.Is(err, domain.ErrConversationNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return transcript.Frames(), nil
	})
}

// Transcript returns the ordered message history of the conversation.
func (c *Coordinator) Transcript(ctx context.Context, conversationID string) (*domain.Transcript, error) {
	return c.store.LoadTranscript(ctx, conversationID)
}

// List returns the known conversation ids.
func (c *Coordinator) List(ctx context.Context) ([]string, error) {
	return c.store.List(ctx)
}

// Cancel aborts the in-flight turn of the conversation, if any. Already
// emitted units stay valid; the turn ends with a cancellation error unit.
func (c *Coordinator) Cancel(conversationID string) bool {
	c.mu.Lock()
	var cancel context.CancelFunc
	if q := c.queues[conversationID]; q != nil {
		cancel = q.cancel
	}
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Delete cancels any in-flight turn and removes the conversation: transcript,
// snapshot, ledger entries and live subscribers.
func (c *Coordinator) Delete(ctx context.Context, conversationID string) error {
	// Drop queued turns first so the drainer stops scheduling, then abort
	// the active one.
	c.mu.Lock()
	if q := c.queues[conversationID]; q != nil {
		q.pending = nil
	}
	c.mu.Unlock()
	c.Cancel(conversationID)

	return c.withAdmit(ctx, conversationID, func(ctx context.Context) error {
		return c.withLock(ctx, conversationID, func(ctx context.Context) error {
			return c.deleteLocked(ctx, conversationID)
		})
	})
}

// deleteLocked removes all conversation state. Caller holds both the intake
// and the turn lock, so no turn is emitting and no message is being admitted.
func (c *Coordinator) deleteLocked(ctx context.Context, conversationID string) error {
	if err := c.store.Delete(ctx, conversationID); err != nil {
		return err
	}
	if c.snapshots != nil {
		if err := c.snapshots.SaveSnapshot(ctx, conversationID, nil); err != nil {
			return fmt.Errorf("failed to clear requirements snapshot: %w", err)
		}
	}
	if err := c.ledger.Forget(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to clear emission ledger: %w", err)
	}
	c.emitter.Release(conversationID)

	c.mu.Lock()
	delete(c.resumed, conversationID)
	c.mu.Unlock()
	return nil
}

// Wait blocks until all in-flight turns finished. Used on shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
