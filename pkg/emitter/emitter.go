package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-dev/parley/internal/logging"
	"github.com/parley-dev/parley/internal/metrics"
	"github.com/parley-dev/parley/pkg/domain"
	"github.com/parley-dev/parley/pkg/ports"
)

// Applier consumes accepted frames and merges them into the durable
// transcript. It reports whether the frame was newly persisted; false means
// the fingerprint already existed in the store (at-least-once redelivery).
type Applier interface {
	Apply(ctx context.Context, conversationID string, frame domain.Frame) (bool, error)
}

// Emitter is the single choke point every stage output passes through. It
// consults the ledger exactly once per candidate unit, assigns gap-free
// sequences at acceptance, and fans accepted frames out to the persistence
// applier and any live subscribers. Stages never write to transport or
// storage directly.
type Emitter struct {
	ledger  ports.Ledger
	applier Applier
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	streams map[string]*stream
}

// stream holds the per-conversation sequence counter and subscriber set.
// Its mutex serializes acceptance, persistence, and broadcast so an Attach
// observes either "persisted prefix" or "live tail" for every frame, never
// neither.
type stream struct {
	mu     sync.Mutex
	seq    uint64
	seeded bool
	subs   map[chan domain.Frame]struct{}
}

// subscriberBuffer is the channel capacity per live subscriber. A subscriber
// that falls this far behind is detached; it must re-attach and replay, which
// preserves the no-gap guarantee instead of silently dropping frames.
const subscriberBuffer = 64

// Option configures the Emitter.
type Option func(*Emitter)

// WithLogger sets a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) { e.logger = logger }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Emitter) { e.metrics = m }
}

// New creates an Emitter over the given ledger and persistence applier.
func New(ledger ports.Ledger, applier Applier, opts ...Option) *Emitter {
	e := &Emitter{
		ledger:  ledger,
		applier: applier,
		logger:  logging.NewNop(),
		streams: make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Emitter) stream(conversationID string) *stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[conversationID]
	if !ok {
		s = &stream{subs: make(map[chan domain.Frame]struct{})}
		e.streams[conversationID] = s
	}
	return s
}

// Resume initializes the per-conversation sequence counter and seeds the
// ledger from the durable transcript. Called once when a conversation is
// loaded after a process restart, before any Offer.
func (e *Emitter) Resume(conversationID string, lastSequence uint64, fingerprints []domain.Fingerprint) {
	s := e.stream(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded {
		return
	}
	if seeder, ok := e.ledger.(interface {
		Seed(string, []domain.Fingerprint)
	}); ok {
		seeder.Seed(conversationID, fingerprints)
	}
	if lastSequence > s.seq {
		s.seq = lastSequence
	}
	s.seeded = true
}

// Offer decides once and only once whether the candidate unit is new. A
// duplicate is silently suppressed: not delivered, not persisted, logged as a
// normal no-op. An accepted unit is persisted and broadcast before Offer
// returns, in strict production order.
func (e *Emitter) Offer(ctx context.Context, conversationID string, unit domain.Unit) (bool, error) {
	fp := unit.Fingerprint()

	s := e.stream(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	accepted, err := e.ledger.Admit(ctx, conversationID, fp)
	if err != nil {
		return false, fmt.Errorf("ledger admit: %w", err)
	}
	if !accepted {
		// DuplicateUnitSuppressed: a normal outcome, not an error.
		e.logger.Debug("duplicate unit suppressed",
			"conversation_id", conversationID,
			"turn_id", unit.TurnID,
			"kind", unit.Kind,
			"fingerprint", string(fp),
		)
		if e.metrics != nil {
			e.metrics.UnitsSuppressed.Inc()
		}
		return false, nil
	}

	s.seq++
	frame := domain.Frame{
		Kind:        unit.Kind,
		Payload:     unit.Payload,
		TurnID:      unit.TurnID,
		Stage:       unit.Stage,
		Sequence:    s.seq,
		Fingerprint: fp,
		EmittedAt:   time.Now().UTC(),
	}

	persistedNew, err := e.applier.Apply(ctx, conversationID, frame)
	if err != nil {
		// The unit was never persisted or delivered; take its fingerprint
		// back out so a retry is not suppressed.
		s.seq--
		if rmErr := e.ledger.Remove(ctx, conversationID, fp); rmErr != nil {
			e.logger.Error("failed to roll back ledger admit",
				"conversation_id", conversationID,
				"fingerprint", string(fp),
				"err", rmErr,
			)
		}
		return false, fmt.Errorf("apply frame seq=%d: %w", frame.Sequence, err)
	}
	if !persistedNew && s.seeded {
		// The ledger was seeded from the transcript at resume, so the store
		// holding a fingerprint the ledger admitted means the two diverged.
		return false, fmt.Errorf("%w: fingerprint %s persisted but absent from ledger",
			domain.ErrOrderingViolation, fp)
	}

	e.broadcastLocked(conversationID, s, frame)

	e.logger.Debug("unit accepted",
		"conversation_id", conversationID,
		"turn_id", unit.TurnID,
		"kind", unit.Kind,
		"sequence", frame.Sequence,
	)
	if e.metrics != nil {
		e.metrics.UnitsAccepted.WithLabelValues(string(unit.Kind)).Inc()
	}
	return true, nil
}

func (e *Emitter) broadcastLocked(conversationID string, s *stream, frame domain.Frame) {
	for ch := range s.subs {
		select {
		case ch <- frame:
		default:
			// Slow subscriber: detach rather than skip frames. The client
			// re-attaches and replays the persisted prefix.
			e.logger.Warn("subscriber buffer full, detaching",
				"conversation_id", conversationID,
				"sequence", frame.Sequence,
			)
			delete(s.subs, ch)
			close(ch)
			if e.metrics != nil {
				e.metrics.Subscribers.Dec()
			}
		}
	}
}

// Attach atomically loads the persisted prefix via the given loader and
// registers a live subscriber. Every accepted frame of the conversation shows
// up exactly once: either in the returned prefix or on the live channel.
// The returned cancel function detaches the subscriber; it is safe to call
// more than once.
func (e *Emitter) Attach(ctx context.Context, conversationID string, load func(context.Context) ([]domain.Frame, error)) ([]domain.Frame, <-chan domain.Frame, func(), error) {
	s := e.stream(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix, err := load(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load transcript prefix: %w", err)
	}

	ch := make(chan domain.Frame, subscriberBuffer)
	s.subs[ch] = struct{}{}
	if e.metrics != nil {
		e.metrics.Subscribers.Inc()
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
				if e.metrics != nil {
					e.metrics.Subscribers.Dec()
				}
			}
		})
	}
	return prefix, ch, cancel, nil
}

// Release drops the in-memory stream state of a conversation (deleted
// conversations). Live subscribers are detached.
func (e *Emitter) Release(conversationID string) {
	e.mu.Lock()
	s, ok := e.streams[conversationID]
	if ok {
		delete(e.streams, conversationID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
		if e.metrics != nil {
			e.metrics.Subscribers.Dec()
		}
	}
}
