package emitter

import (
	"context"
	"sync"

	"github.com/parley-dev/parley/pkg/domain"
)

// MemoryLedger implements ports.Ledger in memory. Fingerprints are scoped and
// locked per conversation, so unrelated conversations never contend.
//
// The ledger may be lost on crash; the transcript store keys writes by
// fingerprint independently, which is what makes the pair crash-safe.
type MemoryLedger struct {
	mu    sync.Mutex
	seen  map[string]map[domain.Fingerprint]struct{}
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]map[domain.Fingerprint]struct{})}
}

// Admit records the fingerprint if absent and reports whether it was new.
func (l *MemoryLedger) Admit(ctx context.Context, conversationID string, fp domain.Fingerprint) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, ok := l.seen[conversationID]
	if !ok {
		set = make(map[domain.Fingerprint]struct{})
		l.seen[conversationID] = set
	}
	if _, dup := set[fp]; dup {
		return false, nil
	}
	set[fp] = struct{}{}
	return true, nil
}

// Remove drops a single fingerprint, undoing an Admit whose unit was never
// persisted.
func (l *MemoryLedger) Remove(ctx context.Context, conversationID string, fp domain.Fingerprint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if set, ok := l.seen[conversationID]; ok {
		delete(set, fp)
	}
	return nil
}

// Forget drops all fingerprints of a conversation.
func (l *MemoryLedger) Forget(ctx context.Context, conversationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, conversationID)
	return nil
}

// Seed preloads fingerprints recovered from the durable transcript, so a
// restarted process does not re-accept historical units.
func (l *MemoryLedger) Seed(conversationID string, fps []domain.Fingerprint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.seen[conversationID]
	if !ok {
		set = make(map[domain.Fingerprint]struct{})
		l.seen[conversationID] = set
	}
	for _, fp := range fps {
		set[fp] = struct{}{}
	}
}
