// Package sqlite implements the transcript and snapshot stores on SQLite,
// the single-node durable backend. Frame appends are keyed by
// (conversation, fingerprint) with INSERT OR IGNORE, so redelivery after a
// crash cannot duplicate content.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/parley-dev/parley/pkg/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL DEFAULT 'active',
	last_sequence INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	turn_id         TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_assistant_turn
	ON messages(conversation_id, turn_id) WHERE role = 'assistant';

CREATE TABLE IF NOT EXISTS frames (
	conversation_id TEXT NOT NULL,
	fingerprint     TEXT NOT NULL,
	message_id      TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	kind            TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}',
	turn_id         TEXT NOT NULL,
	sequence        INTEGER NOT NULL,
	stage           TEXT NOT NULL DEFAULT '',
	emitted_at      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (conversation_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS snapshots (
	conversation_id TEXT PRIMARY KEY,
	data            TEXT NOT NULL
);
`

// Store implements ports.TranscriptStore and ports.SnapshotStore on a
// single SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the database at the given path. Use ":memory:"
// for an ephemeral store in tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	// under concurrent turns.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureConversation(ctx context.Context, tx *sql.Tx, conversationID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, status) VALUES (?, ?)`,
		conversationID, string(domain.StatusActive),
	)
	return err
}

// AppendUserMessage appends a user message, creating the conversation on
// first write.
func (s *Store) AppendUserMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureConversation(ctx, tx, conversationID); err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, turn_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, string(msg.Role), msg.Content, msg.TurnID,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert user message: %w", err)
	}
	return tx.Commit()
}

// EnsureAssistantMessage returns the stable assistant message id for the turn.
func (s *Store) EnsureAssistantMessage(ctx context.Context, conversationID, turnID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureConversation(ctx, tx, conversationID); err != nil {
		return "", fmt.Errorf("ensure conversation: %w", err)
	}

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM messages WHERE conversation_id = ? AND turn_id = ? AND role = 'assistant'`,
		conversationID, turnID,
	).Scan(&id)
	switch {
	case err == nil:
		return id, tx.Commit()
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, turn_id) VALUES (?, ?, 'assistant', ?)`,
			id, conversationID, turnID,
		)
		if err != nil {
			return "", fmt.Errorf("insert assistant message: %w", err)
		}
		return id, tx.Commit()
	default:
		return "", fmt.Errorf("query assistant message: %w", err)
	}
}

// AppendFrame appends the frame under the message, keyed by fingerprint.
// Text frames also extend the message content.
func (s *Store) AppendFrame(ctx context.Context, conversationID, messageID string, frame domain.Frame) (bool, error) {
	payload, err := json.Marshal(frame.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO frames
		 (conversation_id, fingerprint, message_id, kind, payload, turn_id, sequence, stage, emitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conversationID, string(frame.Fingerprint), messageID, string(frame.Kind),
		string(payload), frame.TurnID, frame.Sequence, string(frame.Stage),
		frame.EmittedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("insert frame: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if inserted == 0 {
		return false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET last_sequence = MAX(last_sequence, ?) WHERE id = ?`,
		frame.Sequence, conversationID,
	)
	if err != nil {
		return false, fmt.Errorf("update last sequence: %w", err)
	}

	if frame.Kind == domain.UnitText {
		var p domain.TextPayload
		if err := frame.Unit().DecodePayload(&p); err == nil && p.Content != "" {
			_, err = tx.ExecContext(ctx,
				`UPDATE messages
				 SET content = CASE WHEN content = '' THEN ? ELSE content || char(10) || char(10) || ? END
				 WHERE id = ?`,
				p.Content, p.Content, messageID,
			)
			if err != nil {
				return false, fmt.Errorf("extend message content: %w", err)
			}
		}
	}
	return true, tx.Commit()
}

// LoadTranscript returns the ordered conversation history.
func (s *Store) LoadTranscript(ctx context.Context, conversationID string) (*domain.Transcript, error) {
	tr := &domain.Transcript{ConversationID: conversationID}

	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status, last_sequence FROM conversations WHERE id = ?`, conversationID,
	).Scan(&status, &tr.LastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	tr.Status = domain.ConversationStatus(status)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, turn_id, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY rowid`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	index := make(map[string]int)
	for rows.Next() {
		var m domain.Message
		var role, createdAt string
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.TurnID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = domain.Role(role)
		m.CreatedAt = parseTime(createdAt)
		index[m.ID] = len(tr.Messages)
		tr.Messages = append(tr.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	frameRows, err := s.db.QueryContext(ctx,
		`SELECT message_id, fingerprint, kind, payload, turn_id, sequence, stage, emitted_at
		 FROM frames WHERE conversation_id = ? ORDER BY sequence`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer frameRows.Close()

	for frameRows.Next() {
		var f domain.Frame
		var messageID, fingerprint, kind, payload, stage, emittedAt string
		if err := frameRows.Scan(&messageID, &fingerprint, &kind, &payload, &f.TurnID, &f.Sequence, &stage, &emittedAt); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		f.Fingerprint = domain.Fingerprint(fingerprint)
		f.Kind = domain.UnitKind(kind)
		f.Stage = domain.Stage(stage)
		f.EmittedAt = parseTime(emittedAt)
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &f.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal frame payload: %w", err)
			}
		}
		if i, ok := index[messageID]; ok {
			tr.Messages[i].Events = append(tr.Messages[i].Events, f)
		}
	}
	if err := frameRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate frames: %w", err)
	}
	return tr, nil
}

// SetStatus updates the conversation status.
func (s *Store) SetStatus(ctx context.Context, conversationID string, status domain.ConversationStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ? WHERE id = ?`, string(status), conversationID,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

// Delete removes the conversation, its messages, frames and snapshot.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM frames WHERE conversation_id = ?`,
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM snapshots WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, conversationID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	return tx.Commit()
}

// List returns the known conversation ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM conversations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveSnapshot persists the requirements snapshot; nil clears it.
func (s *Store) SaveSnapshot(ctx context.Context, conversationID string, snap *domain.RequirementsSnapshot) error {
	if snap == nil {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM snapshots WHERE conversation_id = ?`, conversationID,
		)
		if err != nil {
			return fmt.Errorf("clear snapshot: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (conversation_id, data) VALUES (?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET data = excluded.data`,
		conversationID, string(data),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the saved snapshot, or nil if none exists.
func (s *Store) LoadSnapshot(ctx context.Context, conversationID string) (*domain.RequirementsSnapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE conversation_id = ?`, conversationID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	var snap domain.RequirementsSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
