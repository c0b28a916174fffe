package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	NoteSourceUser  = "user"
	NoteSourceCoach = "coach"
)

type Note struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	Source    string    `json:"source"`
	ReplayID  string    `json:"replay_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) CreateNote(ctx context.Context, n Note, now time.Time) (Note, error) {
	n.ID = uuid.NewString()
	n.CreatedAt = now.UTC()
	if n.Source == "" {
		n.Source = NoteSourceUser
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO coach_notes (id, user_id, content, category, source, replay_id, created_at_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Content, n.Category, n.Source, n.ReplayID, formatTime(now))
	if err != nil {
		return Note{}, err
	}
	return n, nil
}

// ListNotes returns the user's notes, newest first, optionally only those
// attached to replayID.
func (s *Store) ListNotes(ctx context.Context, userID, replayID string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, user_id, content, category, source, replay_id, created_at_utc
		FROM coach_notes WHERE user_id=?`
	args := []any{userID}
	if replayID != "" {
		query += ` AND replay_id=?`
		args = append(args, replayID)
	}
	query += ` ORDER BY created_at_utc DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notes := make([]Note, 0)
	for rows.Next() {
		var n Note
		var created string
		if err := rows.Scan(&n.ID, &n.UserID, &n.Content, &n.Category, &n.Source, &n.ReplayID, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = parseTime(created)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (s *Store) DeleteNote(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM coach_notes WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}
