package ports

import (
	"context"

	"github.com/parley-dev/parley/pkg/domain"
)

// Ledger is the per-conversation set of fingerprints already accepted. It is
// the single source of truth the emitter consults before delivering a unit;
// no other component performs content-based filtering.
//
// Scope and lifetime are one conversation, retained for the conversation's
// lifetime (not just one turn): a stage legitimately re-entered in a later
// turn must not re-emit a byte-identical historical unit.
type Ledger interface {
	// Admit atomically records the fingerprint if absent. It returns true
	// when the fingerprint was newly recorded (the unit is accepted) and
	// false when it was already present (the unit is suppressed).
	Admit(ctx context.Context, conversationID string, fp domain.Fingerprint) (bool, error)

	// Remove drops a single fingerprint, compensating an Admit whose unit
	// could not be persisted. A missing fingerprint is not an error.
	Remove(ctx context.Context, conversationID string, fp domain.Fingerprint) error

	// Forget drops all fingerprints of a conversation (conversation deleted).
	Forget(ctx context.Context, conversationID string) error
}
