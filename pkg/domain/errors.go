package domain

import (
	"errors"
	"fmt"
)

// ErrConversationNotFound is returned when a conversation ID cannot be found in the store.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrTurnCancelled is returned when an in-flight turn was aborted by an
// explicit conversation-level cancel.
var ErrTurnCancelled = errors.New("turn cancelled")

// ErrOrderingViolation signals an internal invariant breach: a unit was
// offered with a sequence or fingerprint inconsistent with ledger state.
// Fatal to the turn; never swallowed.
var ErrOrderingViolation = errors.New("ordering violation")

// CompletionError wraps an upstream completion-service failure. The turn
// fails, one error unit is emitted, and the conversation stays resumable.
type CompletionError struct {
	Stage Stage
	Err   error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion service failed in %s: %v", e.Stage, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// ExtractionError wraps malformed requirement-extraction output. Treated
// exactly like a CompletionError.
type ExtractionError struct {
	Stage Stage
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("requirement extraction failed in %s: %v", e.Stage, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
