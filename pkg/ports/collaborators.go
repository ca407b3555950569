package ports

import (
	"context"

	"github.com/parley-dev/parley/pkg/domain"
)

// PromptContext is the input handed to the completion collaborator: the
// messages so far plus the current requirements snapshot.
type PromptContext struct {
	ConversationID string
	Messages       []domain.Message
	Snapshot       *domain.RequirementsSnapshot
}

// Completer is the language-completion collaborator. The core treats it as a
// pure function with latency; retry and backoff policy live behind this
// interface, never in the core.
type Completer interface {
	Complete(ctx context.Context, prompt PromptContext) (string, error)
}

// Extractor is the requirement-extraction and clarification collaborator.
type Extractor interface {
	// Extract distills a requirements snapshot from the messages so far.
	// Returning (nil, nil) means the conversation does not yet carry enough
	// information to extract anything.
	Extract(ctx context.Context, messages []domain.Message) (*domain.RequirementsSnapshot, error)

	// Clarify formulates user-facing clarifying questions for the given
	// requirements text.
	Clarify(ctx context.Context, requirements string) ([]string, error)
}

// HandoffDispatcher receives the finalized requirements snapshot once the
// user confirmed. The core does not track what happens after dispatch
// (container state, code generation progress).
type HandoffDispatcher interface {
	Dispatch(ctx context.Context, conversationID string, snap domain.RequirementsSnapshot) error
}
