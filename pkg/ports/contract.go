package ports

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-dev/parley/pkg/domain"
)

// RunTranscriptStoreContract runs a suite of tests to verify that a
// TranscriptStore implementation adheres to the defined interface contract,
// in particular idempotent appends keyed by fingerprint.
func RunTranscriptStoreContract(t *testing.T, store TranscriptStore) {
	ctx := context.Background()
	convID := "contract-conv-" + time.Now().Format("20060102150405")

	t.Run("Append and Load", func(t *testing.T) {
		err := store.AppendUserMessage(ctx, convID, domain.Message{
			ID:        "m1",
			Role:      domain.RoleUser,
			Content:   "build me a todo app",
			CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)

		msgID, err := store.EnsureAssistantMessage(ctx, convID, "turn-1")
		require.NoError(t, err)
		require.NotEmpty(t, msgID)

		unit := domain.TextUnit("turn-1", "sounds good")
		frame := domain.Frame{
			Kind:        unit.Kind,
			Payload:     unit.Payload,
			TurnID:      unit.TurnID,
			Sequence:    1,
			Fingerprint: unit.Fingerprint(),
			EmittedAt:   time.Now().UTC(),
		}
		accepted, err := store.AppendFrame(ctx, convID, msgID, frame)
		require.NoError(t, err)
		assert.True(t, accepted)

		tr, err := store.LoadTranscript(ctx, convID)
		require.NoError(t, err)
		require.Len(t, tr.Messages, 2)
		assert.Equal(t, domain.RoleUser, tr.Messages[0].Role)
		assert.Equal(t, domain.RoleAssistant, tr.Messages[1].Role)
		require.Len(t, tr.Messages[1].Events, 1)
		assert.Equal(t, frame.Fingerprint, tr.Messages[1].Events[0].Fingerprint)
		assert.Equal(t, uint64(1), tr.LastSequence)
	})

	t.Run("AppendFrame is idempotent by fingerprint", func(t *testing.T) {
		msgID, err := store.EnsureAssistantMessage(ctx, convID, "turn-1")
		require.NoError(t, err)

		unit := domain.TextUnit("turn-1", "sounds good")
		frame := domain.Frame{
			Kind:        unit.Kind,
			Payload:     unit.Payload,
			TurnID:      unit.TurnID,
			Sequence:    1,
			Fingerprint: unit.Fingerprint(),
			EmittedAt:   time.Now().UTC(),
		}
		accepted, err := store.AppendFrame(ctx, convID, msgID, frame)
		require.NoError(t, err)
		assert.False(t, accepted, "re-applying the same fingerprint must be a no-op")

		tr, err := store.LoadTranscript(ctx, convID)
		require.NoError(t, err)
		assert.Len(t, tr.Messages[1].Events, 1)
	})

	t.Run("EnsureAssistantMessage is stable per turn", func(t *testing.T) {
		id1, err := store.EnsureAssistantMessage(ctx, convID, "turn-2")
		require.NoError(t, err)
		id2, err := store.EnsureAssistantMessage(ctx, convID, "turn-2")
		require.NoError(t, err)
		assert.Equal(t, id1, id2)
	})

	t.Run("Text frames extend message content", func(t *testing.T) {
		msgID, err := store.EnsureAssistantMessage(ctx, convID, "turn-2")
		require.NoError(t, err)

		for i, text := range []string{"first part", "second part"} {
			unit := domain.TextUnit("turn-2", text)
			frame := domain.Frame{
				Kind:        unit.Kind,
				Payload:     unit.Payload,
				TurnID:      unit.TurnID,
				Sequence:    uint64(10 + i),
				Fingerprint: unit.Fingerprint(),
				EmittedAt:   time.Now().UTC(),
			}
			_, err = store.AppendFrame(ctx, convID, msgID, frame)
			require.NoError(t, err)
		}

		tr, err := store.LoadTranscript(ctx, convID)
		require.NoError(t, err)
		for _, m := range tr.Messages {
			if m.ID == msgID {
				assert.Equal(t, "first part\n\nsecond part", m.Content)
			}
		}
	})

	t.Run("Status", func(t *testing.T) {
		require.NoError(t, store.SetStatus(ctx, convID, domain.StatusError))
		tr, err := store.LoadTranscript(ctx, convID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusError, tr.Status)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.LoadTranscript(ctx, "missing-"+convID)
		assert.ErrorIs(t, err, domain.ErrConversationNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, convID))
		_, err := store.LoadTranscript(ctx, convID)
		assert.ErrorIs(t, err, domain.ErrConversationNotFound)
	})
}

// RunLedgerContract verifies a Ledger implementation: first Admit accepts,
// repeats suppress, scope is per conversation.
func RunLedgerContract(t *testing.T, ledger Ledger) {
	ctx := context.Background()
	fp := domain.FingerprintOf(domain.UnitText, map[string]any{"content": "hello"}, "turn-1")

	t.Run("First admit accepts", func(t *testing.T) {
		ok, err := ledger.Admit(ctx, "conv-a", fp)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Repeat admit suppresses", func(t *testing.T) {
		ok, err := ledger.Admit(ctx, "conv-a", fp)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Scope is per conversation", func(t *testing.T) {
		ok, err := ledger.Admit(ctx, "conv-b", fp)
		require.NoError(t, err)
		assert.True(t, ok, "same fingerprint in another conversation is a distinct unit")
	})

	t.Run("Remove compensates a single admit", func(t *testing.T) {
		require.NoError(t, ledger.Remove(ctx, "conv-b", fp))
		ok, err := ledger.Admit(ctx, "conv-b", fp)
		require.NoError(t, err)
		assert.True(t, ok, "a removed fingerprint must be admittable again")

		// Removing an absent fingerprint is a no-op.
		require.NoError(t, ledger.Remove(ctx, "conv-b", domain.FingerprintOf(domain.UnitText, map[string]any{"content": "absent"}, "turn-1")))
	})

	t.Run("Forget clears the conversation", func(t *testing.T) {
		require.NoError(t, ledger.Forget(ctx, "conv-a"))
		ok, err := ledger.Admit(ctx, "conv-a", fp)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
