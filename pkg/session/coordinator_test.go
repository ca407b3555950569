package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-dev/parley/internal/runtime"
	"github.com/parley-dev/parley/internal/testutils"
	"github.com/parley-dev/parley/pkg/adapters/memory"
	"github.com/parley-dev/parley/pkg/domain"
	"github.com/parley-dev/parley/pkg/emitter"
	"github.com/parley-dev/parley/pkg/ports"
	"github.com/parley-dev/parley/pkg/reconcile"
	"github.com/parley-dev/parley/pkg/session"
)

type fixture struct {
	store       *memory.Store
	snapshots   *memory.SnapshotStore
	ledger      *emitter.MemoryLedger
	emitter     *emitter.Emitter
	coordinator *session.Coordinator
}

func newFixture(t *testing.T, completer ports.Completer, extractor ports.Extractor, engineOpts ...runtime.Option) *fixture {
	t.Helper()

	store := memory.NewStore()
	snapshots := memory.NewSnapshotStore()
	ledger := emitter.NewMemoryLedger()
	em := emitter.New(ledger, reconcile.New(store))
	engine := runtime.NewEngine(completer, extractor, engineOpts...)

	return &fixture{
		store:       store,
		snapshots:   snapshots,
		ledger:      ledger,
		emitter:     em,
		coordinator: session.NewCoordinator(store, ledger, em, engine, session.WithSnapshotStore(snapshots)),
	}
}

// collect drains frames until the turn's done frame or the timeout.
func collect(t *testing.T, frames <-chan domain.Frame, turnID string) []domain.Frame {
	t.Helper()
	var out []domain.Frame
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return out
			}
			out = append(out, f)
			if f.Kind == domain.UnitDone && f.TurnID == turnID {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for done frame of turn %s", turnID)
		}
	}
}

func TestCoordinator_StreamsTurnToSubscriber(t *testing.T) {
	ctx := context.Background()
	completer := &testutils.ScriptedCompleter{Script: []string{"Tell me more."}}
	extractor := &testutils.ScriptedExtractor{}
	fx := newFixture(t, completer, extractor)

	prefix, frames, cancel, err := fx.coordinator.Attach(ctx, "conv-1")
	require.NoError(t, err)
	defer cancel()
	assert.Empty(t, prefix)

	turnID, err := fx.coordinator.Submit(ctx, "conv-1", "hi there")
	require.NoError(t, err)

	live := collect(t, frames, turnID)
	require.NotEmpty(t, live)
	assert.Equal(t, domain.UnitReasoning, live[0].Kind)
	assert.Equal(t, domain.UnitDone, live[len(live)-1].Kind)

	for i := 1; i < len(live); i++ {
		assert.Greater(t, live[i].Sequence, live[i-1].Sequence, "sequence must be strictly increasing")
	}

	fx.coordinator.Wait()
	tr, err := fx.coordinator.Transcript(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, tr.Messages, 2)
	assert.Equal(t, "hi there", tr.Messages[0].Content)
	assert.Equal(t, "Tell me more.", tr.Messages[1].Content)
}

func TestCoordinator_RegeneratedUnitIsDeliveredOnce(t *testing.T) {
	ctx := context.Background()
	// The completion collaborator produces the same sentence twice within one
	// turn; only one copy may reach the transcript and the stream.
	completer := &testutils.ScriptedCompleter{Script: []string{
		"What features do you need?",
		"What features do you need?",
	}}
	extractor := &testutils.ScriptedExtractor{
		ExtractSteps: []testutils.ExtractStep{{
			Snapshot: &domain.RequirementsSnapshot{
				Requirements:        "an app",
				ClarifyingQuestions: []string{"features?"},
			},
		}},
		Questions: [][]string{{"features?"}},
	}
	fx := newFixture(t, completer, extractor)

	_, frames, cancel, err := fx.coordinator.Attach(ctx, "conv-1")
	require.NoError(t, err)
	defer cancel()

	turnID, err := fx.coordinator.Submit(ctx, "conv-1", "build me an app")
	require.NoError(t, err)
	live := collect(t, frames, turnID)

	var texts int
	for _, f := range live {
		if f.Kind == domain.UnitText {
			texts++
		}
	}
	assert.Equal(t, 1, texts, "the duplicate text unit must be suppressed")
	assert.Equal(t, 2, completer.Calls())

	fx.coordinator.Wait()
	tr, err := fx.coordinator.Transcript(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "What features do you need?", tr.Messages[1].Content)
}

func TestCoordinator_ConversationReachesHandoff(t *testing.T) {
	ctx := context.Background()
	completer := &testutils.ScriptedCompleter{Script: []string{"Noted."}}
	extractor := &testutils.ScriptedExtractor{
		ExtractSteps: []testutils.ExtractStep{{
			Snapshot: &domain.RequirementsSnapshot{Requirements: "a todo app with sqlite"},
		}},
	}
	dispatcher := &testutils.RecordingDispatcher{}
	fx := newFixture(t, completer, extractor, runtime.WithDispatcher(dispatcher))

	_, frames, cancel, err := fx.coordinator.Attach(ctx, "conv-1")
	require.NoError(t, err)
	defer cancel()

	// Turn 1 extracts complete requirements and asks for confirmation.
	turn1, err := fx.coordinator.Submit(ctx, "conv-1", "todo app, sqlite")
	require.NoError(t, err)
	collect(t, frames, turn1)
	fx.coordinator.Wait()

	snap, err := fx.snapshots.LoadSnapshot(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.Confirmed)

	// Turn 2 is the user's confirmation; it triggers handoff.
	turn2, err := fx.coordinator.Submit(ctx, "conv-1", "yes, go ahead")
	require.NoError(t, err)
	live := collect(t, frames, turn2)
	fx.coordinator.Wait()

	var sawHandoff bool
	for _, f := range live {
		if f.Kind == domain.UnitHandoff {
			sawHandoff = true
		}
	}
	assert.True(t, sawHandoff)
	require.Equal(t, 1, dispatcher.Count())
	assert.Equal(t, "a todo app with sqlite", dispatcher.Dispatched[0].Requirements)

	tr, err := fx.coordinator.Transcript(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, tr.Status)
}

// blockingCompleter blocks until its context is cancelled.
type blockingCompleter struct {
	started chan struct{}
}

func (b *blockingCompleter) Complete(ctx context.Context, _ ports.PromptContext) (string, error) {
	close(b.started)
	<-ctx.Done()
	return "", ctx.Err()
}

func TestCoordinator_CancelAbortsInFlightTurn(t *testing.T) {
	ctx := context.Background()
	completer := &blockingCompleter{started: make(chan struct{})}
	fx := newFixture(t, completer, &testutils.ScriptedExtractor{})

	_, frames, cancel, err := fx.coordinator.Attach(ctx, "conv-1")
	require.NoError(t, err)
	defer cancel()

	turnID, err := fx.coordinator.Submit(ctx, "conv-1", "hi")
	require.NoError(t, err)

	select {
	case <-completer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never reached the completion collaborator")
	}
	require.True(t, fx.coordinator.Cancel("conv-1"))

	live := collect(t, frames, turnID)
	fx.coordinator.Wait()

	var errFrame *domain.Frame
	for i := range live {
		if live[i].Kind == domain.UnitError {
			errFrame = &live[i]
		}
	}
	require.NotNil(t, errFrame)
	var p domain.ErrorPayload
	require.NoError(t, errFrame.Unit().DecodePayload(&p))
	assert.Equal(t, "cancelled", p.Code)

	tr, err := fx.coordinator.Transcript(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, tr.Status)
}

// gatedCompleter holds each completion open until released.
type gatedCompleter struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedCompleter) Complete(ctx context.Context, _ ports.PromptContext) (string, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return "Tell me more.", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestCoordinator_SubmitQueuesBehindInFlightTurn(t *testing.T) {
	ctx := context.Background()
	completer := &gatedCompleter{started: make(chan struct{}, 2), release: make(chan struct{})}
	fx := newFixture(t, completer, &testutils.ScriptedExtractor{})

	_, frames, cancel, err := fx.coordinator.Attach(ctx, "conv-1")
	require.NoError(t, err)
	defer cancel()

	turn1, err := fx.coordinator.Submit(ctx, "conv-1", "first")
	require.NoError(t, err)
	select {
	case <-completer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first turn never reached the completion collaborator")
	}

	// The second message must be acknowledged while the first turn is still
	// held open inside the completer.
	acked := make(chan string, 1)
	go func() {
		id, err := fx.coordinator.Submit(ctx, "conv-1", "second")
		assert.NoError(t, err)
		acked <- id
	}()
	var turn2 string
	select {
	case turn2 = <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("second message was not acknowledged while a turn was in flight")
	}
	require.NotEqual(t, turn1, turn2)

	// The queued turn must not start until the running one finishes.
	select {
	case <-completer.started:
		t.Fatal("second turn started while the first was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(completer.release)
	live := collect(t, frames, turn2)
	fx.coordinator.Wait()

	lastFirst, firstSecond := -1, len(live)
	for i, f := range live {
		if f.TurnID == turn1 {
			lastFirst = i
		}
		if f.TurnID == turn2 && i < firstSecond {
			firstSecond = i
		}
	}
	require.GreaterOrEqual(t, lastFirst, 0)
	require.Less(t, firstSecond, len(live))
	assert.Greater(t, firstSecond, lastFirst, "queued turn emitted before its predecessor finished")
	assert.Equal(t, domain.UnitDone, live[lastFirst].Kind)

	tr, err := fx.coordinator.Transcript(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, tr.Messages, 4)
	assert.Equal(t, domain.RoleUser, tr.Messages[0].Role)
	assert.Equal(t, "first", tr.Messages[0].Content)
	assert.Equal(t, domain.RoleAssistant, tr.Messages[1].Role)
	assert.Equal(t, domain.RoleUser, tr.Messages[2].Role)
	assert.Equal(t, "second", tr.Messages[2].Content)
	assert.Equal(t, domain.RoleAssistant, tr.Messages[3].Role)
}

func TestCoordinator_CancelAbortsQueuedSuccessorTurn(t *testing.T) {
	ctx := context.Background()
	completer := &gatedCompleter{started: make(chan struct{}, 2), release: make(chan struct{}, 2)}
	fx := newFixture(t, completer, &testutils.ScriptedExtractor{})

	_, frames, cancel, err := fx.coordinator.Attach(ctx, "conv-1")
	require.NoError(t, err)
	defer cancel()

	turn1, err := fx.coordinator.Submit(ctx, "conv-1", "first")
	require.NoError(t, err)
	select {
	case <-completer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first turn never reached the completion collaborator")
	}

	turn2, err := fx.coordinator.Submit(ctx, "conv-1", "second")
	require.NoError(t, err)
	require.NotEqual(t, turn1, turn2)

	// Release only the first turn, then wait for the successor to start.
	completer.release <- struct{}{}
	select {
	case <-completer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("queued turn never started after its predecessor finished")
	}

	// Cancelling now must abort the successor, not the already-finished turn.
	require.True(t, fx.coordinator.Cancel("conv-1"))

	live := collect(t, frames, turn2)
	fx.coordinator.Wait()

	var errFrame *domain.Frame
	for i := range live {
		if live[i].Kind == domain.UnitError {
			errFrame = &live[i]
		}
	}
	require.NotNil(t, errFrame)
	assert.Equal(t, turn2, errFrame.TurnID)
	var p domain.ErrorPayload
	require.NoError(t, errFrame.Unit().DecodePayload(&p))
	assert.Equal(t, "cancelled", p.Code)
}

func TestCoordinator_ResumeAfterRestart(t *testing.T) {
	ctx := context.Background()
	completer := &testutils.ScriptedCompleter{Script: []string{"Tell me more."}}
	fx := newFixture(t, completer, &testutils.ScriptedExtractor{})

	turn1, err := fx.coordinator.Submit(ctx, "conv-1", "hi")
	require.NoError(t, err)
	fx.coordinator.Wait()

	tr, err := fx.store.LoadTranscript(ctx, "conv-1")
	require.NoError(t, err)
	persisted := len(tr.Frames())
	require.NotZero(t, persisted)

	// A new process shares the durable store but starts with an empty ledger
	// and emitter.
	ledger2 := emitter.NewMemoryLedger()
	em2 := emitter.New(ledger2, reconcile.New(fx.store))
	engine2 := runtime.NewEngine(&testutils.ScriptedCompleter{Script: []string{"Welcome back."}}, &testutils.ScriptedExtractor{})
	coord2 := session.NewCoordinator(fx.store, ledger2, em2, engine2, session.WithSnapshotStore(fx.snapshots))

	prefix, frames, cancel, err := coord2.Attach(ctx, "conv-1")
	require.NoError(t, err)
	defer cancel()
	require.Len(t, prefix, persisted, "replay must cover every persisted frame")
	for _, f := range prefix {
		assert.Equal(t, turn1, f.TurnID)
	}

	turn2, err := coord2.Submit(ctx, "conv-1", "are you still there?")
	require.NoError(t, err)
	live := collect(t, frames, turn2)
	coord2.Wait()

	// Sequences continue past the persisted prefix with no duplicates.
	last := prefix[len(prefix)-1].Sequence
	for _, f := range live {
		assert.Greater(t, f.Sequence, last)
		last = f.Sequence
	}

	tr, err = fx.store.LoadTranscript(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, tr.Frames(), persisted+len(live))
}

func TestCoordinator_DeleteRemovesConversation(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &testutils.ScriptedCompleter{}, &testutils.ScriptedExtractor{})

	_, err := fx.coordinator.Submit(ctx, "conv-1", "hi")
	require.NoError(t, err)
	fx.coordinator.Wait()

	require.NoError(t, fx.coordinator.Delete(ctx, "conv-1"))
	_, err = fx.coordinator.Transcript(ctx, "conv-1")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)

	snap, err := fx.snapshots.LoadSnapshot(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}
