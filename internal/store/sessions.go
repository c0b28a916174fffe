package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"coach-server/internal/coach"
	"coach-server/internal/textnorm"
)

const maxTitleLen = 80

type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	ReplayID     string    `json:"replay_id,omitempty"`
	TotalTokens  int       `json:"total_tokens"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StoredMessage is a persisted transcript entry.
type StoredMessage struct {
	ID        string               `json:"id"`
	SessionID string               `json:"session_id"`
	Role      string               `json:"role"`
	Content   []coach.ContentBlock `json:"content"`
	Text      string               `json:"text"`
	Thinking  string               `json:"thinking,omitempty"`
	Aborted   bool                 `json:"aborted"`
	Sequence  int                  `json:"sequence"`
	CreatedAt time.Time            `json:"created_at"`
}

// Message converts the row back into a transcript message.
func (m StoredMessage) Message() coach.Message {
	return coach.Message{Role: m.Role, Content: m.Content}
}

// SessionTitle derives a title from the first user message.
func SessionTitle(message string) string {
	return textnorm.Preview(message, maxTitleLen)
}

func (s *Store) CreateSession(ctx context.Context, userID, title, replayID string, now time.Time) (Session, error) {
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     SessionTitle(title),
		ReplayID:  replayID,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO coach_sessions (id, user_id, title, replay_id, total_tokens, created_at_utc, updated_at_utc)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		sess.ID, sess.UserID, sess.Title, sess.ReplayID, formatTime(now), formatTime(now))
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// GetSession returns the session only if it belongs to userID.
func (s *Store) GetSession(ctx context.Context, userID, id string) (Session, error) {
	var sess Session
	var created, updated string
	err := s.db.QueryRowContext(ctx, `SELECT s.id, s.user_id, s.title, s.replay_id, s.total_tokens, s.created_at_utc, s.updated_at_utc,
			(SELECT COUNT(*) FROM coach_messages m WHERE m.session_id = s.id AND m.aborted = 0)
		FROM coach_sessions s WHERE s.id=? AND s.user_id=?`, id, userID).
		Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.ReplayID, &sess.TotalTokens, &created, &updated, &sess.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	return sess, nil
}

// ListSessions returns the user's sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT s.id, s.user_id, s.title, s.replay_id, s.total_tokens, s.created_at_utc, s.updated_at_utc,
			(SELECT COUNT(*) FROM coach_messages m WHERE m.session_id = s.id AND m.aborted = 0)
		FROM coach_sessions s WHERE s.user_id=?
		ORDER BY s.updated_at_utc DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		var sess Session
		var created, updated string
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.ReplayID, &sess.TotalTokens, &created, &updated, &sess.MessageCount); err != nil {
			return nil, err
		}
		sess.CreatedAt = parseTime(created)
		sess.UpdatedAt = parseTime(updated)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session with its transcript. It fails with
// ErrReservationActive while a request still holds a reservation on the
// session, so an in-flight turn always has a session to settle into.
func (s *Store) DeleteSession(ctx context.Context, userID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var held int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM coach_token_reservations WHERE session_id=? AND user_id=?`,
		id, userID).Scan(&held); err != nil {
		return err
	}
	if held > 0 {
		return ErrReservationActive
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM coach_messages WHERE session_id IN (SELECT id FROM coach_sessions WHERE id=? AND user_id=?)`, id, userID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM coach_sessions WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

// SessionMessages returns the transcript in order. Aborted rows are only
// included when includeAborted is set.
func (s *Store) SessionMessages(ctx context.Context, sessionID string, includeAborted bool) ([]StoredMessage, error) {
	query := `SELECT id, session_id, role, content, content_json, thinking, aborted, sequence, created_at_utc
		FROM coach_messages WHERE session_id=?`
	if !includeAborted {
		query += ` AND aborted = 0`
	}
	query += ` ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]StoredMessage, 0)
	for rows.Next() {
		var m StoredMessage
		var contentJSON, created string
		var aborted int
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Text, &contentJSON, &m.Thinking, &aborted, &m.Sequence, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(contentJSON), &m.Content); err != nil {
			return nil, err
		}
		m.Aborted = aborted == 1
		m.CreatedAt = parseTime(created)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// History returns the non-aborted transcript as model messages.
func (s *Store) History(ctx context.Context, sessionID string) ([]coach.Message, error) {
	stored, err := s.SessionMessages(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	history := make([]coach.Message, 0, len(stored))
	for _, m := range stored {
		history = append(history, m.Message())
	}
	return history, nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, sessionID string, messages []coach.Message, aborted bool, now time.Time) error {
	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM coach_messages WHERE session_id=?`, sessionID).Scan(&next); err != nil {
		return err
	}
	for _, msg := range messages {
		next++
		contentJSON, err := json.Marshal(msg.Content)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO coach_messages (id, session_id, role, content, content_json, thinking, aborted, sequence, created_at_utc)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), sessionID, msg.Role, msg.PlainText(), string(contentJSON), msg.ThinkingText(),
			boolInt(aborted), next, formatTime(now)); err != nil {
			return err
		}
	}
	return nil
}
