package redis

import (
	"context"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/parley-dev/parley/pkg/domain"
)

// Ledger implements ports.Ledger on a Redis set per conversation. SADD is
// atomic, so the record-if-absent decision holds across replicas sharing the
// same Redis.
type Ledger struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// LedgerOption configures the Ledger.
type LedgerOption func(*Ledger)

// WithLedgerTTL expires a conversation's ledger after the given idle time.
// Zero (the default) keeps entries until Forget.
func WithLedgerTTL(ttl time.Duration) LedgerOption {
	return func(l *Ledger) { l.ttl = ttl }
}

// NewLedger creates a Redis-backed emission ledger.
func NewLedger(client *backend.Client, prefix string, opts ...LedgerOption) *Ledger {
	l := &Ledger{client: client, prefix: prefix}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) key(conversationID string) string {
	return l.prefix + "ledger:" + conversationID
}

// Admit records the fingerprint if absent. Returns true when the unit is new.
func (l *Ledger) Admit(ctx context.Context, conversationID string, fp domain.Fingerprint) (bool, error) {
	key := l.key(conversationID)
	added, err := l.client.SAdd(ctx, key, string(fp)).Result()
	if err != nil {
		return false, fmt.Errorf("redis error admitting fingerprint: %w", err)
	}
	if l.ttl > 0 {
		if err := l.client.Expire(ctx, key, l.ttl).Err(); err != nil {
			return false, fmt.Errorf("redis error refreshing ledger ttl: %w", err)
		}
	}
	return added == 1, nil
}

// Remove drops a single fingerprint, undoing an Admit whose unit was never
// persisted.
func (l *Ledger) Remove(ctx context.Context, conversationID string, fp domain.Fingerprint) error {
	if err := l.client.SRem(ctx, l.key(conversationID), string(fp)).Err(); err != nil {
		return fmt.Errorf("redis error removing fingerprint: %w", err)
	}
	return nil
}

// Forget drops the conversation's fingerprints.
func (l *Ledger) Forget(ctx context.Context, conversationID string) error {
	if err := l.client.Del(ctx, l.key(conversationID)).Err(); err != nil {
		return fmt.Errorf("redis error clearing ledger: %w", err)
	}
	return nil
}

// Seed bulk-loads fingerprints recovered from the durable transcript. Used
// by the emitter when resuming a conversation after a restart.
func (l *Ledger) Seed(conversationID string, fps []domain.Fingerprint) {
	if len(fps) == 0 {
		return
	}
	members := make([]interface{}, len(fps))
	for i, fp := range fps {
		members[i] = string(fp)
	}
	// Best effort: a failed seed surfaces later as an ordering violation on
	// the first divergent Offer.
	_ = l.client.SAdd(context.Background(), l.key(conversationID), members...).Err()
}
