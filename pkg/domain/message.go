package domain

import "time"

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationStatus tracks the coarse lifecycle of a conversation.
type ConversationStatus string

const (
	StatusActive    ConversationStatus = "active"
	StatusCompleted ConversationStatus = "completed"
	StatusError     ConversationStatus = "error"
)

// Message is one entry of the durable, append-only transcript. Assistant
// messages carry the accepted frames of the turn that produced them.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	TurnID    string    `json:"turn_id,omitempty"`
	Events    []Frame   `json:"events,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Transcript is the ordered message history of a conversation.
type Transcript struct {
	ConversationID string             `json:"conversation_id"`
	Status         ConversationStatus `json:"status"`
	Messages       []Message          `json:"messages"`

	// LastSequence is the highest accepted sequence persisted so far.
	LastSequence uint64 `json:"last_sequence"`
}

// Frames flattens the persisted frames of all messages in transcript order.
func (t *Transcript) Frames() []Frame {
	var out []Frame
	for _, m := range t.Messages {
		out = append(out, m.Events...)
	}
	return out
}
