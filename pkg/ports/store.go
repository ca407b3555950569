package ports

import (
	"context"

	"github.com/parley-dev/parley/pkg/domain"
)

// TranscriptStore defines the interface for the durable, append-only
// conversation transcript. Implementations must support idempotent frame
// appends keyed by (conversation, fingerprint) so that the reconciler stays
// correct under at-least-once delivery, independently of the in-memory ledger.
type TranscriptStore interface {
	// AppendUserMessage appends a user message, creating the conversation
	// record on first write.
	AppendUserMessage(ctx context.Context, conversationID string, msg domain.Message) error

	// EnsureAssistantMessage returns the id of the assistant message owning
	// the given turn's output, creating an empty one the first time a turn
	// produces output. Repeated calls for the same turn return the same id.
	EnsureAssistantMessage(ctx context.Context, conversationID, turnID string) (string, error)

	// AppendFrame appends the frame under the given message. The write is
	// keyed by (conversationID, frame.Fingerprint); appending an already
	// persisted fingerprint is a no-op and returns false. Text frames also
	// extend the owning message's textual content.
	AppendFrame(ctx context.Context, conversationID, messageID string, frame domain.Frame) (bool, error)

	// LoadTranscript retrieves the ordered message history.
	// Returns domain.ErrConversationNotFound if the conversation does not exist.
	LoadTranscript(ctx context.Context, conversationID string) (*domain.Transcript, error)

	// SetStatus updates the coarse conversation status.
	SetStatus(ctx context.Context, conversationID string, status domain.ConversationStatus) error

	// Delete removes the conversation and its transcript.
	Delete(ctx context.Context, conversationID string) error

	// List returns the known conversation ids.
	List(ctx context.Context) ([]string, error)
}

// SnapshotStore persists the requirements snapshot between turns, so a
// process restart resumes the dialogue where it left off.
type SnapshotStore interface {
	// SaveSnapshot persists the snapshot for the conversation. A nil
	// snapshot clears any saved one.
	SaveSnapshot(ctx context.Context, conversationID string, snap *domain.RequirementsSnapshot) error

	// LoadSnapshot retrieves the snapshot, or nil if none was saved yet.
	LoadSnapshot(ctx context.Context, conversationID string) (*domain.RequirementsSnapshot, error)
}
