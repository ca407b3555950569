// Package reconcile merges the deduplicated event sequence into the durable
// transcript. It is the only component that writes conversation history.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/parley-dev/parley/internal/logging"
	"github.com/parley-dev/parley/pkg/domain"
	"github.com/parley-dev/parley/pkg/ports"
)

// Reconciler applies accepted frames to the transcript store. It works
// independently of whether any live subscriber is attached, and it is
// idempotent under at-least-once delivery: the store keys writes by
// fingerprint, so redelivery after a crash cannot duplicate content even if
// the in-memory ledger was lost.
type Reconciler struct {
	store  ports.TranscriptStore
	logger *slog.Logger
}

// Option configures the Reconciler.
type Option func(*Reconciler)

// WithLogger sets a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// New creates a Reconciler over the given transcript store.
func New(store ports.TranscriptStore, opts ...Option) *Reconciler {
	r := &Reconciler{store: store, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply appends the frame to the transcript under the assistant message of
// its turn, creating that message on the turn's first output. It returns
// false when the fingerprint was already persisted (benign redelivery).
func (r *Reconciler) Apply(ctx context.Context, conversationID string, frame domain.Frame) (bool, error) {
	msgID, err := r.store.EnsureAssistantMessage(ctx, conversationID, frame.TurnID)
	if err != nil {
		return false, fmt.Errorf("ensure assistant message: %w", err)
	}

	newly, err := r.store.AppendFrame(ctx, conversationID, msgID, frame)
	if err != nil {
		return false, fmt.Errorf("append frame: %w", err)
	}
	if !newly {
		r.logger.Info("frame already persisted, skipping",
			"conversation_id", conversationID,
			"turn_id", frame.TurnID,
			"fingerprint", string(frame.Fingerprint),
		)
		return false, nil
	}

	// Coarse status follows the terminal frames of a turn.
	switch frame.Kind {
	case domain.UnitError:
		if err := r.store.SetStatus(ctx, conversationID, domain.StatusError); err != nil {
			return true, fmt.Errorf("set status: %w", err)
		}
	case domain.UnitHandoff:
		if err := r.store.SetStatus(ctx, conversationID, domain.StatusCompleted); err != nil {
			return true, fmt.Errorf("set status: %w", err)
		}
	}
	return true, nil
}
