package domain

import "time"

// Outcome is the terminal result of a turn.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// Turn is one user-message-to-assistant-response cycle. Turns are created
// when a user message arrives and retained as history metadata; they are
// never destroyed.
type Turn struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	UserMessage    string           `json:"user_message"`
	Stages         []StageExecution `json:"stages,omitempty"`
	Terminal       bool             `json:"terminal"`
	Outcome        Outcome          `json:"outcome,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
}

// StageExecution is one pass through a named stage within a turn. Executions
// are totally ordered by Seq; a stage may appear more than once.
type StageExecution struct {
	Stage Stage      `json:"stage"`
	Seq   int        `json:"seq"`
	Input StageInput `json:"input"`

	// Units counts the emitted units this execution produced (post-dedup
	// counting happens in the emitter; this is the offered count).
	Units int   `json:"units"`
	Next  Stage `json:"next,omitempty"`
}

// StageInput is the snapshot a stage execution observed when it started.
type StageInput struct {
	MessageCount int                   `json:"message_count"`
	Snapshot     *RequirementsSnapshot `json:"snapshot,omitempty"`
}

// RecordStage appends a stage execution with the next sequence number.
func (t *Turn) RecordStage(stage Stage, input StageInput) *StageExecution {
	t.Stages = append(t.Stages, StageExecution{
		Stage: stage,
		Seq:   len(t.Stages),
		Input: input,
	})
	return &t.Stages[len(t.Stages)-1]
}

// Finish marks the turn terminal with the given outcome.
func (t *Turn) Finish(outcome Outcome) {
	t.Terminal = true
	t.Outcome = outcome
}
