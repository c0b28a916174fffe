package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"coach-server/internal/coach"
)

type Reservation struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	SessionID       string    `json:"session_id"`
	EstimatedTokens int       `json:"estimated_tokens"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// ReserveParams describes a token hold against a user's monthly budget.
type ReserveParams struct {
	UserID    string
	SessionID string
	Estimated int
	Limit     int
	TTL       time.Duration
	Now       time.Time
}

// TurnCommit settles a completed request.
type TurnCommit struct {
	UserID        string
	SessionID     string
	ReservationID string
	Messages      []coach.Message
	BilledTokens  int
	SessionTokens int
	FreePreview   bool
	Now           time.Time
}

// TurnAbort settles a request that did not complete.
type TurnAbort struct {
	UserID        string
	SessionID     string
	ReservationID string
	Messages      []coach.Message
	Now           time.Time
}

// ReserveTokens charges the estimate up front and records the hold. It fails
// with ErrReservationActive when the session already holds a live reservation
// and with ErrInsufficientBudget when the estimate does not fit under Limit.
func (s *Store) ReserveTokens(ctx context.Context, p ReserveParams) (Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, err
	}
	defer tx.Rollback()

	var live int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM coach_token_reservations WHERE session_id=? AND expires_at_utc > ?`,
		p.SessionID, formatTime(p.Now)).Scan(&live); err != nil {
		return Reservation{}, err
	}
	if live > 0 {
		return Reservation{}, ErrReservationActive
	}

	var used int
	err = tx.QueryRowContext(ctx, `SELECT token_budget_used FROM users WHERE id=?`, p.UserID).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, ErrNotFound
	}
	if err != nil {
		return Reservation{}, err
	}
	if used+p.Estimated > p.Limit {
		return Reservation{}, fmt.Errorf("%w: %d used, %d estimated, limit %d", ErrInsufficientBudget, used, p.Estimated, p.Limit)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET token_budget_used = token_budget_used + ?, updated_at_utc=? WHERE id=?`,
		p.Estimated, formatTime(p.Now), p.UserID); err != nil {
		return Reservation{}, err
	}

	r := Reservation{
		ID:              uuid.NewString(),
		UserID:          p.UserID,
		SessionID:       p.SessionID,
		EstimatedTokens: p.Estimated,
		CreatedAt:       p.Now.UTC(),
		ExpiresAt:       p.Now.Add(p.TTL).UTC(),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO coach_token_reservations (id, user_id, session_id, estimated_tokens, created_at_utc, expires_at_utc)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.SessionID, r.EstimatedTokens, formatTime(r.CreatedAt), formatTime(r.ExpiresAt)); err != nil {
		return Reservation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Reservation{}, err
	}
	return r, nil
}

// CommitTurn persists the transcript and replaces the reserved estimate with the
// billed amount. A reservation already released by the sweeper is billed in full.
// When the session row is gone the user is still billed and the transcript is
// dropped.
func (s *Store) CommitTurn(ctx context.Context, c TurnCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	estimated, found, err := takeReservation(ctx, tx, c.UserID, c.ReservationID)
	if err != nil {
		return err
	}
	delta := c.BilledTokens
	if found {
		delta -= estimated
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users
		SET token_budget_used = MAX(0, token_budget_used + ?),
			free_coach_messages_used = free_coach_messages_used + ?,
			updated_at_utc = ?
		WHERE id=?`,
		delta, boolInt(c.FreePreview), formatTime(c.Now), c.UserID); err != nil {
		return err
	}

	var sessions int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM coach_sessions WHERE id=? AND user_id=?`,
		c.SessionID, c.UserID).Scan(&sessions); err != nil {
		return err
	}
	if sessions == 0 {
		return tx.Commit()
	}
	if err := insertMessages(ctx, tx, c.SessionID, c.Messages, false, c.Now); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE coach_sessions SET total_tokens = total_tokens + ?, updated_at_utc=? WHERE id=? AND user_id=?`,
		c.SessionTokens, formatTime(c.Now), c.SessionID, c.UserID)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return fmt.Errorf("session %s: %w", c.SessionID, err)
	}
	return tx.Commit()
}

// AbortTurn restores the reserved estimate and keeps the partial transcript
// flagged as aborted so it never feeds later history.
func (s *Store) AbortTurn(ctx context.Context, a TurnAbort) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	estimated, found, err := takeReservation(ctx, tx, a.UserID, a.ReservationID)
	if err != nil {
		return err
	}
	if found {
		if _, err := tx.ExecContext(ctx, `UPDATE users SET token_budget_used = MAX(0, token_budget_used - ?), updated_at_utc=? WHERE id=?`,
			estimated, formatTime(a.Now), a.UserID); err != nil {
			return err
		}
	}

	var sessions int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM coach_sessions WHERE id=? AND user_id=?`, a.SessionID, a.UserID).Scan(&sessions); err != nil {
		return err
	}
	if sessions > 0 && len(a.Messages) > 0 {
		if err := insertMessages(ctx, tx, a.SessionID, a.Messages, true, a.Now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReleaseExpired returns the estimates of expired reservations to their users.
// An empty userID sweeps every user.
func (s *Store) ReleaseExpired(ctx context.Context, userID string, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	query := `SELECT id, user_id, estimated_tokens FROM coach_token_reservations WHERE expires_at_utc <= ?`
	args := []any{formatTime(now)}
	if userID != "" {
		query += ` AND user_id=?`
		args = append(args, userID)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	type expired struct {
		id        string
		userID    string
		estimated int
	}
	var found []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.userID, &e.estimated); err != nil {
			rows.Close()
			return 0, err
		}
		found = append(found, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, e := range found {
		if _, err := tx.ExecContext(ctx, `UPDATE users SET token_budget_used = MAX(0, token_budget_used - ?), updated_at_utc=? WHERE id=?`,
			e.estimated, formatTime(now), e.userID); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM coach_token_reservations WHERE id=?`, e.id); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(found), nil
}

// ActiveReservations lists the user's unexpired reservations.
func (s *Store) ActiveReservations(ctx context.Context, userID string, now time.Time) ([]Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, session_id, estimated_tokens, created_at_utc, expires_at_utc
		FROM coach_token_reservations WHERE user_id=? AND expires_at_utc > ?
		ORDER BY created_at_utc ASC`, userID, formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reservations := make([]Reservation, 0)
	for rows.Next() {
		var r Reservation
		var created, expires string
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.EstimatedTokens, &created, &expires); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(created)
		r.ExpiresAt = parseTime(expires)
		reservations = append(reservations, r)
	}
	return reservations, rows.Err()
}

func takeReservation(ctx context.Context, tx *sql.Tx, userID, id string) (int, bool, error) {
	if id == "" {
		return 0, false, nil
	}
	var estimated int
	err := tx.QueryRowContext(ctx, `SELECT estimated_tokens FROM coach_token_reservations WHERE id=? AND user_id=?`, id, userID).Scan(&estimated)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM coach_token_reservations WHERE id=?`, id); err != nil {
		return 0, false, err
	}
	return estimated, true, nil
}
