package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-dev/parley/internal/testutils"
	"github.com/parley-dev/parley/pkg/domain"
)

func newTurn(id string) *domain.Turn {
	return &domain.Turn{
		ID:             id,
		ConversationID: "conv-1",
		UserMessage:    "I want an app",
		StartedAt:      time.Now(),
	}
}

func userMessages(contents ...string) []domain.Message {
	msgs := make([]domain.Message, len(contents))
	for i, c := range contents {
		msgs[i] = domain.Message{ID: "m" + c, Role: domain.RoleUser, Content: c}
	}
	return msgs
}

func TestRunTurn_NotEnoughInformationYet(t *testing.T) {
	completer := &testutils.ScriptedCompleter{Script: []string{"Tell me more about your app."}}
	extractor := &testutils.ScriptedExtractor{ExtractSteps: []testutils.ExtractStep{{Snapshot: nil}}}
	sink := &testutils.CollectingSink{}
	engine := NewEngine(completer, extractor)

	snap, outcome, err := engine.RunTurn(context.Background(), sink, newTurn("t1"), userMessages("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)
	assert.True(t, snap.Empty())

	assert.Equal(t, []domain.UnitKind{
		domain.UnitReasoning,
		domain.UnitText,
		domain.UnitToolCall,
		domain.UnitToolResult,
		domain.UnitDone,
	}, sink.Kinds())
	assert.Equal(t, 1, completer.Calls())
	assert.Equal(t, 1, extractor.ExtractCalls())
}

func TestRunTurn_ExtractionYieldsOpenQuestions(t *testing.T) {
	completer := &testutils.ScriptedCompleter{Script: []string{
		"Got it, let me check a few details.",
		"Which database do you prefer?",
	}}
	extractor := &testutils.ScriptedExtractor{
		ExtractSteps: []testutils.ExtractStep{{
			Snapshot: &domain.RequirementsSnapshot{
				Requirements:        "a todo app",
				ClarifyingQuestions: []string{"database?"},
			},
		}},
		Questions: [][]string{{"Which database do you prefer?"}},
	}
	sink := &testutils.CollectingSink{}
	engine := NewEngine(completer, extractor)

	snap, outcome, err := engine.RunTurn(context.Background(), sink, newTurn("t1"), userMessages("build a todo app"), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)
	require.NotNil(t, snap)
	assert.Equal(t, "a todo app", snap.Requirements)
	assert.Equal(t, []string{"Which database do you prefer?"}, snap.ClarifyingQuestions)
	assert.False(t, snap.Confirmed)

	assert.Equal(t, []domain.UnitKind{
		domain.UnitReasoning,
		domain.UnitText,
		domain.UnitToolCall,
		domain.UnitToolResult,
		domain.UnitToolCall,
		domain.UnitToolResult,
		domain.UnitText,
		domain.UnitDone,
	}, sink.Kinds())
	assert.Equal(t, 2, completer.Calls())
	assert.Equal(t, 1, extractor.ClarifyCalls())
}

func TestRunTurn_CompleteRequirementsReachConfirmation(t *testing.T) {
	completer := &testutils.ScriptedCompleter{Script: []string{"Sounds complete."}}
	extractor := &testutils.ScriptedExtractor{
		ExtractSteps: []testutils.ExtractStep{{
			Snapshot: &domain.RequirementsSnapshot{Requirements: "a todo app with sqlite"},
		}},
	}
	sink := &testutils.CollectingSink{}
	engine := NewEngine(completer, extractor)

	snap, outcome, err := engine.RunTurn(context.Background(), sink, newTurn("t1"), userMessages("sqlite please"), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)
	require.NotNil(t, snap)
	assert.True(t, snap.Confirmed)

	texts := sink.Texts()
	require.Len(t, texts, 2)
	assert.Equal(t, "Sounds complete.", texts[0])
	assert.Contains(t, texts[1], "a todo app with sqlite")
	assert.Contains(t, texts[1], "Reply to confirm")
	// Confirmation is deterministic, never a completion output.
	assert.Equal(t, 1, completer.Calls())
}

func TestRunTurn_ConfirmedSnapshotTriggersHandoff(t *testing.T) {
	completer := &testutils.ScriptedCompleter{}
	extractor := &testutils.ScriptedExtractor{}
	dispatcher := &testutils.RecordingDispatcher{}
	sink := &testutils.CollectingSink{}
	engine := NewEngine(completer, extractor, WithDispatcher(dispatcher))

	confirmed := &domain.RequirementsSnapshot{Requirements: "a todo app", Confirmed: true}
	snap, outcome, err := engine.RunTurn(context.Background(), sink, newTurn("t2"), userMessages("yes"), confirmed)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)
	assert.True(t, snap.Confirmed)

	assert.Equal(t, []domain.UnitKind{
		domain.UnitReasoning,
		domain.UnitHandoff,
		domain.UnitText,
		domain.UnitDone,
	}, sink.Kinds())
	require.Equal(t, 1, dispatcher.Count())
	assert.Equal(t, "a todo app", dispatcher.Dispatched[0].Requirements)
	assert.Zero(t, completer.Calls())
	assert.Zero(t, extractor.ExtractCalls())
}

func TestRunTurn_DispatchFailureIsNotFatal(t *testing.T) {
	dispatcher := &testutils.RecordingDispatcher{Err: errors.New("generator down")}
	sink := &testutils.CollectingSink{}
	engine := NewEngine(&testutils.ScriptedCompleter{}, &testutils.ScriptedExtractor{}, WithDispatcher(dispatcher))

	confirmed := &domain.RequirementsSnapshot{Requirements: "a todo app", Confirmed: true}
	_, outcome, err := engine.RunTurn(context.Background(), sink, newTurn("t2"), userMessages("yes"), confirmed)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)
	assert.Contains(t, sink.Kinds(), domain.UnitHandoff)
}

func TestRunTurn_CompletionFailure(t *testing.T) {
	completer := &testutils.ScriptedCompleter{Err: errors.New("model unavailable")}
	sink := &testutils.CollectingSink{}
	engine := NewEngine(completer, &testutils.ScriptedExtractor{})

	// Open clarifying questions keep the snapshot non-finalized so Converse
	// genuinely calls the failing completer instead of short-circuiting.
	original := &domain.RequirementsSnapshot{Requirements: "kept", ClarifyingQuestions: []string{"which db?"}}
	turn := newTurn("t1")
	snap, outcome, err := engine.RunTurn(context.Background(), sink, turn, userMessages("hi"), original)
	require.Error(t, err)
	var completionErr *domain.CompletionError
	require.ErrorAs(t, err, &completionErr)
	assert.Equal(t, domain.OutcomeError, outcome)
	assert.Same(t, original, snap)
	assert.True(t, turn.Terminal)
	assert.Equal(t, domain.OutcomeError, turn.Outcome)

	kinds := sink.Kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, domain.UnitError, kinds[len(kinds)-2])
	assert.Equal(t, domain.UnitDone, kinds[len(kinds)-1])

	errUnit := sink.Units[len(sink.Units)-2]
	var p domain.ErrorPayload
	require.NoError(t, errUnit.DecodePayload(&p))
	assert.Equal(t, "completion_failed", p.Code)
	assert.NotContains(t, p.Message, "model unavailable")
}

func TestRunTurn_ExtractionFailure(t *testing.T) {
	extractor := &testutils.ScriptedExtractor{
		ExtractSteps: []testutils.ExtractStep{{Err: errors.New("schema mismatch")}},
	}
	sink := &testutils.CollectingSink{}
	engine := NewEngine(&testutils.ScriptedCompleter{Script: []string{"ok"}}, extractor)

	_, outcome, err := engine.RunTurn(context.Background(), sink, newTurn("t1"), userMessages("hi"), nil)
	require.Error(t, err)
	var extractionErr *domain.ExtractionError
	require.ErrorAs(t, err, &extractionErr)
	assert.Equal(t, domain.OutcomeError, outcome)

	errUnit := sink.Units[len(sink.Units)-2]
	var p domain.ErrorPayload
	require.NoError(t, errUnit.DecodePayload(&p))
	assert.Equal(t, "extraction_failed", p.Code)
}

func TestRunTurn_CancelledContext(t *testing.T) {
	completer := &testutils.ScriptedCompleter{Err: context.Canceled}
	sink := &testutils.CollectingSink{}
	engine := NewEngine(completer, &testutils.ScriptedExtractor{})

	turn := newTurn("t1")
	_, outcome, err := engine.RunTurn(context.Background(), sink, turn, userMessages("hi"), nil)
	require.Error(t, err)
	assert.Equal(t, domain.OutcomeCancelled, outcome)
	assert.Equal(t, domain.OutcomeCancelled, turn.Outcome)

	errUnit := sink.Units[len(sink.Units)-2]
	var p domain.ErrorPayload
	require.NoError(t, errUnit.DecodePayload(&p))
	assert.Equal(t, "cancelled", p.Code)
}

func TestRunTurn_RecordsStageExecutions(t *testing.T) {
	extractor := &testutils.ScriptedExtractor{
		ExtractSteps: []testutils.ExtractStep{{
			Snapshot: &domain.RequirementsSnapshot{Requirements: "an app"},
		}},
	}
	sink := &testutils.CollectingSink{}
	engine := NewEngine(&testutils.ScriptedCompleter{Script: []string{"noted"}}, extractor)

	turn := newTurn("t1")
	_, _, err := engine.RunTurn(context.Background(), sink, turn, userMessages("hi"), nil)
	require.NoError(t, err)

	stages := make([]domain.Stage, len(turn.Stages))
	for i, s := range turn.Stages {
		stages[i] = s.Stage
		assert.Equal(t, i, s.Seq)
	}
	assert.Equal(t, []domain.Stage{
		domain.StageConverse,
		domain.StageExtractRequirements,
		domain.StageConverse,
		domain.StageConfirm,
	}, stages)
}
