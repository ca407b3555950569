// Package runtime implements the dialogue state machine: a small graph of
// named stages driven by the external completion and extraction
// collaborators. Stages emit candidate units through a single sink and never
// touch transport or storage directly.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parley-dev/parley/internal/logging"
	"github.com/parley-dev/parley/internal/metrics"
	"github.com/parley-dev/parley/pkg/domain"
	"github.com/parley-dev/parley/pkg/ports"
)

// Sink is the emission choke point every stage output passes through.
// *emitter.Emitter satisfies it.
type Sink interface {
	Offer(ctx context.Context, conversationID string, unit domain.Unit) (bool, error)
}

// maxStageExecutions bounds a single turn. The dialogue graph is cyclic
// (Converse can be re-entered), so a hard cap turns a logic bug into a failed
// turn instead of a spin.
const maxStageExecutions = 16

// Engine runs one turn of the dialogue state machine at a time. It is
// stateless across turns: the requirements snapshot travels in and out of
// RunTurn, owned by the caller between turns.
type Engine struct {
	completer  ports.Completer
	extractor  ports.Extractor
	dispatcher ports.HandoffDispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger sets a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDispatcher sets the code-generation handoff collaborator.
func WithDispatcher(d ports.HandoffDispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// NewEngine creates a dialogue engine over the given collaborators.
func NewEngine(completer ports.Completer, extractor ports.Extractor, opts ...Option) *Engine {
	e := &Engine{
		completer: completer,
		extractor: extractor,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// turnRun carries the mutable state of one RunTurn invocation.
type turnRun struct {
	turn     *domain.Turn
	messages []domain.Message
	snap     *domain.RequirementsSnapshot

	// Per-turn gating. A new user message marks the snapshot stale, so the
	// transition rule re-extracts once per turn before trusting it; needAsk
	// flags the Converse pass that voices freshly generated questions; asked
	// ends the turn after that pass.
	extracted bool
	needAsk   bool
	asked     bool
}

// RunTurn executes the stage graph for one user message. It returns the
// (possibly updated) requirements snapshot and the turn outcome. On failure
// the returned snapshot is the one passed in, untouched; exactly one error
// unit is emitted and the turn ends in the failed state.
func (e *Engine) RunTurn(ctx context.Context, sink Sink, turn *domain.Turn, messages []domain.Message, snapshot *domain.RequirementsSnapshot) (*domain.RequirementsSnapshot, domain.Outcome, error) {
	run := &turnRun{turn: turn, messages: messages, snap: snapshot.Clone()}
	if run.snap == nil {
		run.snap = &domain.RequirementsSnapshot{}
	}

	stage := domain.StageConverse
	if run.snap.Confirmed {
		// The confirmation question was asked in a previous turn; this user
		// message is the answer that triggers handoff.
		stage = domain.StageHandoff
	}

	if err := e.emit(ctx, sink, run, stage, domain.ReasoningUnit(turn.ID, "Processing your message...")); err != nil {
		return e.fail(ctx, sink, run, snapshot, stage, err)
	}

	for !stage.Terminal() {
		if len(turn.Stages) >= maxStageExecutions {
			return e.fail(ctx, sink, run, snapshot, stage,
				fmt.Errorf("%w: turn exceeded %d stage executions", domain.ErrOrderingViolation, maxStageExecutions))
		}
		exec := turn.RecordStage(stage, domain.StageInput{
			MessageCount: len(run.messages),
			Snapshot:     run.snap.Clone(),
		})
		if e.metrics != nil {
			e.metrics.StageExecutions.WithLabelValues(string(stage)).Inc()
		}
		e.logger.Debug("executing stage",
			"conversation_id", turn.ConversationID,
			"turn_id", turn.ID,
			"stage", stage,
			"seq", exec.Seq,
		)

		next, err := e.step(ctx, sink, stage, run)
		if err != nil {
			return e.fail(ctx, sink, run, snapshot, stage, err)
		}
		exec.Next = next
		stage = next
	}

	if err := e.emit(ctx, sink, run, stage, domain.DoneUnit(turn.ID)); err != nil {
		return e.fail(ctx, sink, run, snapshot, stage, err)
	}
	turn.Finish(domain.OutcomeOK)
	return run.snap, domain.OutcomeOK, nil
}

// step executes a single stage and returns the next one.
func (e *Engine) step(ctx context.Context, sink Sink, stage domain.Stage, run *turnRun) (domain.Stage, error) {
	switch stage {
	case domain.StageConverse:
		return e.converse(ctx, sink, run)
	case domain.StageExtractRequirements:
		return e.extract(ctx, sink, run)
	case domain.StageGenerateClarifications:
		return e.clarify(ctx, sink, run)
	case domain.StageConfirm:
		return e.confirm(ctx, sink, run)
	case domain.StageHandoff:
		return e.handoff(ctx, sink, run)
	default:
		return domain.StageFailed, fmt.Errorf("%w: unknown stage %q", domain.ErrOrderingViolation, stage)
	}
}

// converse talks to the user, or routes without a completion call when there
// is nothing new to say. A finalized snapshot forbids the call outright: the
// only text of such a turn comes from Confirm.
func (e *Engine) converse(ctx context.Context, sink Sink, run *turnRun) (domain.Stage, error) {
	switch {
	case run.needAsk:
		text, err := e.complete(ctx, domain.StageConverse, run)
		if err != nil {
			return domain.StageFailed, err
		}
		if err := e.emit(ctx, sink, run, domain.StageConverse, domain.TextUnit(run.turn.ID, text)); err != nil {
			return domain.StageFailed, err
		}
		run.needAsk = false
		run.asked = true
		// Questions are on their way to the user; the turn is over.
		return domain.StageDone, nil

	case run.snap.Finalized():
		// Short-circuit: re-enter the transition rule without a unit.
		return domain.NextStage(run.snap), nil

	case run.extracted:
		// Already spoke this turn; hand over to the transition rule.
		if run.snap.Empty() {
			return domain.StageDone, nil
		}
		return domain.NextStage(run.snap), nil

	default:
		text, err := e.complete(ctx, domain.StageConverse, run)
		if err != nil {
			return domain.StageFailed, err
		}
		if err := e.emit(ctx, sink, run, domain.StageConverse, domain.TextUnit(run.turn.ID, text)); err != nil {
			return domain.StageFailed, err
		}
		// The user message may have changed the requirements, so the rule
		// re-extracts before trusting a snapshot from an earlier turn.
		return domain.StageExtractRequirements, nil
	}
}

// extract distills a fresh requirements snapshot and returns to Converse.
func (e *Engine) extract(ctx context.Context, sink Sink, run *turnRun) (domain.Stage, error) {
	call := domain.Unit{
		Kind:    domain.UnitToolCall,
		TurnID:  run.turn.ID,
		Payload: map[string]any{"name": "extract_requirements", "args": map[string]any{"messages": len(run.messages)}},
	}
	if err := e.emit(ctx, sink, run, domain.StageExtractRequirements, call); err != nil {
		return domain.StageFailed, err
	}

	snap, err := e.extractor.Extract(ctx, run.messages)
	if err != nil {
		return domain.StageFailed, &domain.ExtractionError{Stage: domain.StageExtractRequirements, Err: err}
	}
	run.extracted = true
	if snap != nil {
		snap.Confirmed = false
		run.snap = snap
	}

	result := domain.Unit{
		Kind:   domain.UnitToolResult,
		TurnID: run.turn.ID,
		Payload: map[string]any{
			"name":    "extract_requirements",
			"success": true,
			"result":  map[string]any{"extracted": snap != nil, "questions": len(run.snap.ClarifyingQuestions)},
		},
	}
	if err := e.emit(ctx, sink, run, domain.StageExtractRequirements, result); err != nil {
		return domain.StageFailed, err
	}
	return domain.StageConverse, nil
}

// clarify formulates user-facing questions for the open points and returns
// to Converse, which voices them.
func (e *Engine) clarify(ctx context.Context, sink Sink, run *turnRun) (domain.Stage, error) {
	call := domain.Unit{
		Kind:    domain.UnitToolCall,
		TurnID:  run.turn.ID,
		Payload: map[string]any{"name": "generate_clarifications"},
	}
	if err := e.emit(ctx, sink, run, domain.StageGenerateClarifications, call); err != nil {
		return domain.StageFailed, err
	}

	questions, err := e.extractor.Clarify(ctx, run.snap.Requirements)
	if err != nil {
		return domain.StageFailed, &domain.ExtractionError{Stage: domain.StageGenerateClarifications, Err: err}
	}
	run.snap.ClarifyingQuestions = questions
	run.needAsk = len(questions) > 0

	result := domain.Unit{
		Kind:   domain.UnitToolResult,
		TurnID: run.turn.ID,
		Payload: map[string]any{
			"name":    "generate_clarifications",
			"success": true,
			"result":  map[string]any{"questions": len(questions)},
		},
	}
	if err := e.emit(ctx, sink, run, domain.StageGenerateClarifications, result); err != nil {
		return domain.StageFailed, err
	}
	return domain.StageConverse, nil
}

// confirm deterministically produces the single confirmation message of the
// turn and finalizes the snapshot. No completion call is involved; no other
// stage may generate a confirmation-shaped message.
func (e *Engine) confirm(ctx context.Context, sink Sink, run *turnRun) (domain.Stage, error) {
	text := confirmationText(run.snap.Requirements)
	if err := e.emit(ctx, sink, run, domain.StageConfirm, domain.TextUnit(run.turn.ID, text)); err != nil {
		return domain.StageFailed, err
	}
	run.snap.Confirmed = true
	return domain.StageDone, nil
}

// handoff signals the code-generation collaborator with the finalized
// snapshot. Dispatch failures are logged, not fatal: the signal unit is in
// the transcript and the surrounding layer can retry generation.
func (e *Engine) handoff(ctx context.Context, sink Sink, run *turnRun) (domain.Stage, error) {
	unit := domain.Unit{
		Kind:   domain.UnitHandoff,
		TurnID: run.turn.ID,
		Payload: map[string]any{
			"requirements": run.snap.Requirements,
		},
	}
	if err := e.emit(ctx, sink, run, domain.StageHandoff, unit); err != nil {
		return domain.StageFailed, err
	}
	if e.dispatcher != nil {
		if err := e.dispatcher.Dispatch(ctx, run.turn.ConversationID, *run.snap); err != nil {
			e.logger.Error("handoff dispatch failed",
				"conversation_id", run.turn.ConversationID,
				"turn_id", run.turn.ID,
				"err", err,
			)
		}
	}
	text := "Requirements confirmed. Handing off to code generation."
	if err := e.emit(ctx, sink, run, domain.StageHandoff, domain.TextUnit(run.turn.ID, text)); err != nil {
		return domain.StageFailed, err
	}
	return domain.StageDone, nil
}

// complete calls the completion collaborator with the messages so far and
// the current snapshot.
func (e *Engine) complete(ctx context.Context, stage domain.Stage, run *turnRun) (string, error) {
	text, err := e.completer.Complete(ctx, ports.PromptContext{
		ConversationID: run.turn.ConversationID,
		Messages:       run.messages,
		Snapshot:       run.snap.Clone(),
	})
	if err != nil {
		return "", &domain.CompletionError{Stage: stage, Err: err}
	}
	return text, nil
}

// emit offers a unit through the sink. Acceptance is the sink's decision;
// a suppressed duplicate is not an error here.
func (e *Engine) emit(ctx context.Context, sink Sink, run *turnRun, stage domain.Stage, unit domain.Unit) error {
	unit.Stage = stage
	_, err := sink.Offer(ctx, run.turn.ConversationID, unit)
	if err == nil && len(run.turn.Stages) > 0 {
		run.turn.Stages[len(run.turn.Stages)-1].Units++
	}
	return err
}

// fail terminates the turn: exactly one error unit, then the done frame.
// The caller's snapshot is returned untouched.
func (e *Engine) fail(ctx context.Context, sink Sink, run *turnRun, original *domain.RequirementsSnapshot, stage domain.Stage, cause error) (*domain.RequirementsSnapshot, domain.Outcome, error) {
	outcome := domain.OutcomeError
	code := "completion_failed"
	var extractionErr *domain.ExtractionError
	if errors.As(cause, &extractionErr) {
		code = "extraction_failed"
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, domain.ErrTurnCancelled) {
		outcome = domain.OutcomeCancelled
		code = "cancelled"
	}

	e.logger.Error("turn failed",
		"conversation_id", run.turn.ConversationID,
		"turn_id", run.turn.ID,
		"stage", stage,
		"err", cause,
	)
	if e.metrics != nil {
		e.metrics.TurnFailures.Inc()
	}

	// Best effort: the sink may be unable to deliver if the cause was a
	// sink failure in the first place. Detached from ctx so a cancelled turn
	// still records its error and done units.
	emitCtx := context.WithoutCancel(ctx)
	errUnit := domain.ErrorUnit(run.turn.ID, userFacingError(cause), code)
	errUnit.Stage = stage
	_, _ = sink.Offer(emitCtx, run.turn.ConversationID, errUnit)
	done := domain.DoneUnit(run.turn.ID)
	done.Stage = domain.StageFailed
	_, _ = sink.Offer(emitCtx, run.turn.ConversationID, done)

	run.turn.Finish(outcome)
	return original, outcome, cause
}

// confirmationText renders the deterministic confirmation message.
func confirmationText(requirements string) string {
	return "Here is what I understood so far:\n\n" + requirements +
		"\n\nShall I start building this application? Reply to confirm."
}

// userFacingError strips internals from the message shown in the error unit.
func userFacingError(err error) string {
	var completionErr *domain.CompletionError
	if errors.As(err, &completionErr) {
		return "The assistant could not process your message. Please try again."
	}
	var extractionErr *domain.ExtractionError
	if errors.As(err, &extractionErr) {
		return "The assistant could not analyze the requirements. Please try again."
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrTurnCancelled) {
		return "The conversation was cancelled."
	}
	return "An internal error interrupted this turn."
}
