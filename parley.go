package parley

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parley-dev/parley/internal/metrics"
	"github.com/parley-dev/parley/internal/runtime"
	"github.com/parley-dev/parley/pkg/adapters/memory"
	"github.com/parley-dev/parley/pkg/domain"
	"github.com/parley-dev/parley/pkg/emitter"
	"github.com/parley-dev/parley/pkg/ports"
	"github.com/parley-dev/parley/pkg/reconcile"
	"github.com/parley-dev/parley/pkg/session"
)

// Version is the library version reported by the CLI and the MCP server.
const Version = "0.1.0"

// Parley is the high-level entry point for the library. It wires the dialogue
// engine, the emission pipeline and the turn coordinator behind a simplified
// API for consumers.
type Parley struct {
	coordinator *session.Coordinator
	emitter     *emitter.Emitter
	store       ports.TranscriptStore
	snapshots   ports.SnapshotStore
	ledger      ports.Ledger
	locker      ports.DistributedLocker
	dispatcher  ports.HandoffDispatcher
	registry    prometheus.Registerer
	logger      *slog.Logger
	lockTTL     time.Duration
}

// Option defines a functional option for configuring Parley.
type Option func(*Parley)

// WithStore injects a transcript store, bypassing the default in-memory one.
func WithStore(store ports.TranscriptStore) Option {
	return func(p *Parley) {
		p.store = store
	}
}

// WithSnapshotStore injects a requirements snapshot store.
func WithSnapshotStore(snapshots ports.SnapshotStore) Option {
	return func(p *Parley) {
		p.snapshots = snapshots
	}
}

// WithLedger injects a fingerprint ledger shared across replicas.
func WithLedger(ledger ports.Ledger) Option {
	return func(p *Parley) {
		p.ledger = ledger
	}
}

// WithLocker enables distributed per-conversation locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(p *Parley) {
		p.locker = locker
	}
}

// WithDispatcher registers the handoff target for confirmed requirements.
func WithDispatcher(d ports.HandoffDispatcher) Option {
	return func(p *Parley) {
		p.dispatcher = d
	}
}

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Parley) {
		p.logger = logger
	}
}

// WithLockTTL bounds how long a distributed lock may be held.
func WithLockTTL(ttl time.Duration) Option {
	return func(p *Parley) {
		p.lockTTL = ttl
	}
}

// WithMetricsRegistry registers Prometheus collectors on the given registry.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(p *Parley) {
		p.registry = reg
	}
}

// New wires a complete conversation stack around the two required
// collaborators. By default it runs single-node: in-memory transcript and
// snapshot stores, an in-memory fingerprint ledger and local locking.
func New(completer ports.Completer, extractor ports.Extractor, opts ...Option) (*Parley, error) {
	if completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}

	p := &Parley{}
	for _, opt := range opts {
		opt(p)
	}

	if p.store == nil {
		p.store = memory.NewStore()
	}
	if p.snapshots == nil {
		p.snapshots = memory.NewSnapshotStore()
	}
	if p.ledger == nil {
		p.ledger = emitter.NewMemoryLedger()
	}
	// Keep the same default as the runtime so nil never reaches it.
	if p.logger == nil {
		p.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	m := metrics.NewNop()
	if p.registry != nil {
		m = metrics.New(p.registry)
	}

	reconciler := reconcile.New(p.store, reconcile.WithLogger(p.logger))
	p.emitter = emitter.New(p.ledger, reconciler,
		emitter.WithLogger(p.logger),
		emitter.WithMetrics(m),
	)

	engineOpts := []runtime.Option{
		runtime.WithLogger(p.logger),
		runtime.WithMetrics(m),
	}
	if p.dispatcher != nil {
		engineOpts = append(engineOpts, runtime.WithDispatcher(p.dispatcher))
	}
	engine := runtime.NewEngine(completer, extractor, engineOpts...)

	coordOpts := []session.Option{
		session.WithSnapshotStore(p.snapshots),
		session.WithLogger(p.logger),
		session.WithMetrics(m),
	}
	if p.locker != nil {
		coordOpts = append(coordOpts, session.WithLocker(p.locker))
	}
	if p.lockTTL > 0 {
		coordOpts = append(coordOpts, session.WithLockTTL(p.lockTTL))
	}
	p.coordinator = session.NewCoordinator(p.store, p.ledger, p.emitter, engine, coordOpts...)

	return p, nil
}

// Submit appends a user message and schedules a turn. It returns the turn ID
// immediately; the assistant response streams through Attach.
func (p *Parley) Submit(ctx context.Context, conversationID, content string) (string, error) {
	return p.coordinator.Submit(ctx, conversationID, content)
}

// Attach replays the persisted transcript prefix and then tails live frames.
// The returned cancel func detaches the subscriber.
func (p *Parley) Attach(ctx context.Context, conversationID string) ([]domain.Frame, <-chan domain.Frame, func(), error) {
	return p.coordinator.Attach(ctx, conversationID)
}

// Transcript returns the persisted conversation transcript.
func (p *Parley) Transcript(ctx context.Context, conversationID string) (*domain.Transcript, error) {
	return p.coordinator.Transcript(ctx, conversationID)
}

// List returns the IDs of all known conversations.
func (p *Parley) List(ctx context.Context) ([]string, error) {
	return p.coordinator.List(ctx)
}

// Cancel aborts the in-flight turn of a conversation, if any.
func (p *Parley) Cancel(conversationID string) bool {
	return p.coordinator.Cancel(conversationID)
}

// Delete removes a conversation and all associated state.
func (p *Parley) Delete(ctx context.Context, conversationID string) error {
	return p.coordinator.Delete(ctx, conversationID)
}

// Wait blocks until all in-flight turns have finished.
func (p *Parley) Wait() {
	p.coordinator.Wait()
}

// Coordinator exposes the underlying turn coordinator for transport adapters.
func (p *Parley) Coordinator() *session.Coordinator {
	return p.coordinator
}
