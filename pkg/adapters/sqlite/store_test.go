package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-dev/parley/pkg/adapters/sqlite"
	"github.com/parley-dev/parley/pkg/domain"
	"github.com/parley-dev/parley/pkg/ports"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "parley.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Contract(t *testing.T) {
	ports.RunTranscriptStoreContract(t, newTestStore(t))
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "parley.db")

	store, err := sqlite.New(path)
	require.NoError(t, err)

	require.NoError(t, store.AppendUserMessage(ctx, "conv-1", domain.Message{
		ID: "m1", Role: domain.RoleUser, Content: "hi", TurnID: "turn-1",
		CreatedAt: time.Now().UTC(),
	}))
	msgID, err := store.EnsureAssistantMessage(ctx, "conv-1", "turn-1")
	require.NoError(t, err)

	unit := domain.TextUnit("turn-1", "hello")
	_, err = store.AppendFrame(ctx, "conv-1", msgID, domain.Frame{
		Kind: unit.Kind, Payload: unit.Payload, TurnID: unit.TurnID,
		Sequence: 3, Fingerprint: unit.Fingerprint(), EmittedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, store.SaveSnapshot(ctx, "conv-1", &domain.RequirementsSnapshot{
		Requirements: "an app", Confirmed: true,
	}))
	require.NoError(t, store.Close())

	// A new handle over the same file sees everything.
	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	defer reopened.Close()

	tr, err := reopened.LoadTranscript(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, tr.Messages, 2)
	assert.Equal(t, "hello", tr.Messages[1].Content)
	assert.Equal(t, uint64(3), tr.LastSequence)
	require.Len(t, tr.Messages[1].Events, 1)
	assert.Equal(t, unit.Fingerprint(), tr.Messages[1].Events[0].Fingerprint)

	snap, err := reopened.LoadSnapshot(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "an app", snap.Requirements)
	assert.True(t, snap.Confirmed)
}

func TestStore_SnapshotClear(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveSnapshot(ctx, "conv-1", &domain.RequirementsSnapshot{Requirements: "x"}))
	require.NoError(t, store.SaveSnapshot(ctx, "conv-1", nil))

	snap, err := store.LoadSnapshot(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestStore_FramePayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	msgID, err := store.EnsureAssistantMessage(ctx, "conv-1", "turn-1")
	require.NoError(t, err)

	unit := domain.Unit{
		Kind:   domain.UnitToolResult,
		TurnID: "turn-1",
		Payload: map[string]any{
			"name":    "extract_requirements",
			"success": true,
			"result":  map[string]any{"questions": float64(2)},
		},
	}
	_, err = store.AppendFrame(ctx, "conv-1", msgID, domain.Frame{
		Kind: unit.Kind, Payload: unit.Payload, TurnID: unit.TurnID,
		Sequence: 1, Fingerprint: unit.Fingerprint(), EmittedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	tr, err := store.LoadTranscript(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, tr.Messages, 1)
	require.Len(t, tr.Messages[0].Events, 1)

	var p domain.ToolResultPayload
	require.NoError(t, tr.Messages[0].Events[0].Unit().DecodePayload(&p))
	assert.Equal(t, "extract_requirements", p.Name)
	assert.True(t, p.Success)
}
