// Package memory provides in-memory adapters for the transcript and
// snapshot stores. Safe for concurrent use; state is lost on process exit.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/parley-dev/parley/pkg/domain"
)

type conversation struct {
	status       domain.ConversationStatus
	messages     []*domain.Message
	byID         map[string]*domain.Message
	turnMessages map[string]string
	fingerprints map[domain.Fingerprint]struct{}
	lastSequence uint64
}

// Store implements ports.TranscriptStore in memory.
type Store struct {
	mu    sync.RWMutex
	convs map[string]*conversation
}

// NewStore creates an empty in-memory transcript store.
func NewStore() *Store {
	return &Store{convs: make(map[string]*conversation)}
}

func (s *Store) conv(conversationID string) *conversation {
	c, ok := s.convs[conversationID]
	if !ok {
		c = &conversation{
			status:       domain.StatusActive,
			byID:         make(map[string]*domain.Message),
			turnMessages: make(map[string]string),
			fingerprints: make(map[domain.Fingerprint]struct{}),
		}
		s.convs[conversationID] = c
	}
	return c
}

// AppendUserMessage appends a user message, creating the conversation on
// first write.
func (s *Store) AppendUserMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(conversationID)
	cp := msg
	c.messages = append(c.messages, &cp)
	c.byID[cp.ID] = &cp
	return nil
}

// EnsureAssistantMessage returns the stable assistant message id for the turn.
func (s *Store) EnsureAssistantMessage(ctx context.Context, conversationID, turnID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(conversationID)
	if id, ok := c.turnMessages[turnID]; ok {
		return id, nil
	}
	m := &domain.Message{
		ID:     uuid.NewString(),
		Role:   domain.RoleAssistant,
		TurnID: turnID,
	}
	c.messages = append(c.messages, m)
	c.byID[m.ID] = m
	c.turnMessages[turnID] = m.ID
	return m.ID, nil
}

// AppendFrame appends the frame under the message, keyed by fingerprint.
// Text frames also extend the message content.
func (s *Store) AppendFrame(ctx context.Context, conversationID, messageID string, frame domain.Frame) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return false, domain.ErrConversationNotFound
	}
	if _, dup := c.fingerprints[frame.Fingerprint]; dup {
		return false, nil
	}
	m, ok := c.byID[messageID]
	if !ok {
		return false, domain.ErrConversationNotFound
	}

	c.fingerprints[frame.Fingerprint] = struct{}{}
	m.Events = append(m.Events, frame)
	if frame.Sequence > c.lastSequence {
		c.lastSequence = frame.Sequence
	}
	if frame.Kind == domain.UnitText {
		var p domain.TextPayload
		if err := frame.Unit().DecodePayload(&p); err == nil && p.Content != "" {
			if m.Content == "" {
				m.Content = p.Content
			} else {
				m.Content = strings.Join([]string{m.Content, p.Content}, "\n\n")
			}
		}
	}
	return true, nil
}

// LoadTranscript returns a deep copy of the conversation history.
func (s *Store) LoadTranscript(ctx context.Context, conversationID string) (*domain.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}

	tr := &domain.Transcript{
		ConversationID: conversationID,
		Status:         c.status,
		Messages:       make([]domain.Message, len(c.messages)),
		LastSequence:   c.lastSequence,
	}
	for i, m := range c.messages {
		cp := *m
		if m.Events != nil {
			cp.Events = append([]domain.Frame(nil), m.Events...)
		}
		tr.Messages[i] = cp
	}
	return tr, nil
}

// SetStatus updates the conversation status.
func (s *Store) SetStatus(ctx context.Context, conversationID string, status domain.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	c.status = status
	return nil
}

// Delete removes the conversation.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, conversationID)
	return nil
}

// List returns the known conversation ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	return ids, nil
}

// SnapshotStore implements ports.SnapshotStore in memory.
type SnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]*domain.RequirementsSnapshot
}

// NewSnapshotStore creates an empty in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snaps: make(map[string]*domain.RequirementsSnapshot)}
}

// SaveSnapshot stores a copy of the snapshot; nil clears it.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, conversationID string, snap *domain.RequirementsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap == nil {
		delete(s.snaps, conversationID)
		return nil
	}
	s.snaps[conversationID] = snap.Clone()
	return nil
}

// LoadSnapshot returns a copy of the saved snapshot, or nil if none exists.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context, conversationID string) (*domain.RequirementsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snaps[conversationID].Clone(), nil
}
