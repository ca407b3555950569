package emitter_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-dev/parley/pkg/domain"
	"github.com/parley-dev/parley/pkg/emitter"
	"github.com/parley-dev/parley/pkg/ports"
)

// recordingApplier remembers applied frames and reports whether each
// fingerprint was newly persisted.
type recordingApplier struct {
	mu     sync.Mutex
	seen   map[domain.Fingerprint]bool
	frames []domain.Frame
	err    error
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{seen: make(map[domain.Fingerprint]bool)}
}

func (a *recordingApplier) Apply(_ context.Context, _ string, frame domain.Frame) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return false, a.err
	}
	if a.seen[frame.Fingerprint] {
		return false, nil
	}
	a.seen[frame.Fingerprint] = true
	a.frames = append(a.frames, frame)
	return true, nil
}

func (a *recordingApplier) applied() []domain.Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.Frame(nil), a.frames...)
}

func TestMemoryLedger_Contract(t *testing.T) {
	ports.RunLedgerContract(t, emitter.NewMemoryLedger())
}

func TestEmitter_SuppressesDuplicates(t *testing.T) {
	ctx := context.Background()
	applier := newRecordingApplier()
	em := emitter.New(emitter.NewMemoryLedger(), applier)

	unit := domain.TextUnit("turn-1", "hello")
	accepted, err := em.Offer(ctx, "conv-1", unit)
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = em.Offer(ctx, "conv-1", unit)
	require.NoError(t, err)
	assert.False(t, accepted, "second offer of the same unit must be suppressed")

	frames := applier.applied()
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(1), frames[0].Sequence)
}

func TestEmitter_WhitespaceVariantsShareAFingerprint(t *testing.T) {
	ctx := context.Background()
	applier := newRecordingApplier()
	em := emitter.New(emitter.NewMemoryLedger(), applier)

	first := domain.TextUnit("turn-1", "hello world")
	second := domain.TextUnit("turn-1", "  hello world  ")

	accepted, err := em.Offer(ctx, "conv-1", first)
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = em.Offer(ctx, "conv-1", second)
	require.NoError(t, err)
	assert.False(t, accepted, "leading and trailing whitespace must not defeat deduplication")
}

func TestEmitter_SameContentDifferentTurnsIsDistinct(t *testing.T) {
	ctx := context.Background()
	applier := newRecordingApplier()
	em := emitter.New(emitter.NewMemoryLedger(), applier)

	accepted, err := em.Offer(ctx, "conv-1", domain.TextUnit("turn-1", "hello"))
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = em.Offer(ctx, "conv-1", domain.TextUnit("turn-2", "hello"))
	require.NoError(t, err)
	assert.True(t, accepted, "a repeat in a later turn is a legitimate new unit")

	frames := applier.applied()
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(2), frames[1].Sequence)
}

func TestEmitter_AttachReplaysThenTails(t *testing.T) {
	ctx := context.Background()
	applier := newRecordingApplier()
	em := emitter.New(emitter.NewMemoryLedger(), applier)

	_, err := em.Offer(ctx, "conv-1", domain.TextUnit("turn-1", "one"))
	require.NoError(t, err)
	_, err = em.Offer(ctx, "conv-1", domain.TextUnit("turn-1", "two"))
	require.NoError(t, err)

	prefix, frames, cancel, err := em.Attach(ctx, "conv-1", func(context.Context) ([]domain.Frame, error) {
		return applier.applied(), nil
	})
	require.NoError(t, err)
	defer cancel()
	require.Len(t, prefix, 2)

	_, err = em.Offer(ctx, "conv-1", domain.TextUnit("turn-1", "three"))
	require.NoError(t, err)

	live := <-frames
	assert.Equal(t, uint64(3), live.Sequence)
	assert.Greater(t, live.Sequence, prefix[len(prefix)-1].Sequence)
}

func TestEmitter_CancelDetachesSubscriber(t *testing.T) {
	ctx := context.Background()
	applier := newRecordingApplier()
	em := emitter.New(emitter.NewMemoryLedger(), applier)

	_, frames, cancel, err := em.Attach(ctx, "conv-1", func(context.Context) ([]domain.Frame, error) {
		return nil, nil
	})
	require.NoError(t, err)

	cancel()
	cancel() // safe to call twice

	_, ok := <-frames
	assert.False(t, ok, "channel must be closed after cancel")

	_, err = em.Offer(ctx, "conv-1", domain.TextUnit("turn-1", "after detach"))
	require.NoError(t, err)
}

func TestEmitter_SlowSubscriberIsDetached(t *testing.T) {
	ctx := context.Background()
	applier := newRecordingApplier()
	em := emitter.New(emitter.NewMemoryLedger(), applier)

	_, frames, cancel, err := em.Attach(ctx, "conv-1", func(context.Context) ([]domain.Frame, error) {
		return nil, nil
	})
	require.NoError(t, err)
	defer cancel()

	// Never read; overflow the buffer so the emitter drops the subscriber
	// instead of losing frames silently.
	for i := 0; ; i++ {
		_, err := em.Offer(ctx, "conv-1", domain.TextUnit("turn-1", string(rune('a'+i%26))+string(rune('0'+i/26))))
		require.NoError(t, err)
		if i > 128 {
			break
		}
	}

	var count int
	for range frames {
		count++
	}
	// The channel was closed on overflow; the frames that fit in the buffer
	// remain readable.
	assert.LessOrEqual(t, count, 64)
}

func TestEmitter_ResumeSeedsLedgerAndSequence(t *testing.T) {
	ctx := context.Background()
	applier := newRecordingApplier()
	ledger := emitter.NewMemoryLedger()
	em := emitter.New(ledger, applier)

	old := domain.TextUnit("turn-1", "persisted earlier")
	em.Resume("conv-1", 7, []domain.Fingerprint{old.Fingerprint()})

	accepted, err := em.Offer(ctx, "conv-1", old)
	require.NoError(t, err)
	assert.False(t, accepted, "seeded fingerprints must be suppressed after restart")

	accepted, err = em.Offer(ctx, "conv-1", domain.TextUnit("turn-2", "new unit"))
	require.NoError(t, err)
	assert.True(t, accepted)

	frames := applier.applied()
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(8), frames[0].Sequence, "sequence continues past the persisted prefix")
}

func TestEmitter_DivergenceAfterResumeIsAnError(t *testing.T) {
	ctx := context.Background()
	applier := newRecordingApplier()
	em := emitter.New(emitter.NewMemoryLedger(), applier)

	// The store already holds the frame but the ledger was seeded without it.
	unit := domain.TextUnit("turn-1", "hello")
	_, err := em.Offer(ctx, "conv-1", unit)
	require.NoError(t, err)

	em2 := emitter.New(emitter.NewMemoryLedger(), applier)
	em2.Resume("conv-1", 1, nil)

	_, err = em2.Offer(ctx, "conv-1", unit)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOrderingViolation)
}

func TestEmitter_ApplierFailurePropagates(t *testing.T) {
	ctx := context.Background()
	applier := newRecordingApplier()
	applier.err = errors.New("disk full")
	em := emitter.New(emitter.NewMemoryLedger(), applier)

	_, err := em.Offer(ctx, "conv-1", domain.TextUnit("turn-1", "hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestEmitter_ApplierFailureRollsBackAdmit(t *testing.T) {
	ctx := context.Background()
	applier := newRecordingApplier()
	applier.err = errors.New("disk full")
	em := emitter.New(emitter.NewMemoryLedger(), applier)

	unit := domain.TextUnit("turn-1", "hello")
	_, err := em.Offer(ctx, "conv-1", unit)
	require.Error(t, err)

	// The store recovers; the identical unit is offered again. It was never
	// persisted or delivered, so it must be accepted, not suppressed.
	applier.err = nil
	accepted, err := em.Offer(ctx, "conv-1", unit)
	require.NoError(t, err)
	assert.True(t, accepted, "a unit that never persisted must not be suppressed on retry")

	frames := applier.applied()
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(1), frames[0].Sequence, "the failed attempt must not consume a sequence number")
}
