package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TierFree = "free"
	TierPro  = "pro"
)

type User struct {
	ID                    string    `json:"id"`
	Email                 string    `json:"email"`
	SubscriptionTier      string    `json:"subscription_tier"`
	TokenBudgetUsed       int       `json:"token_budget_used"`
	TokenBudgetResetAt    time.Time `json:"token_budget_reset_at"`
	FreeCoachMessagesUsed int       `json:"free_coach_messages_used"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// IsFree reports whether the user is on the free tier.
func (u User) IsFree() bool {
	return u.SubscriptionTier == "" || u.SubscriptionTier == TierFree
}

const userColumns = `id, email, subscription_tier, token_budget_used, token_budget_reset_at_utc,
	free_coach_messages_used, created_at_utc, updated_at_utc`

func (s *Store) CreateUser(ctx context.Context, email, tier string, now time.Time) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return User{}, errors.New("email is required")
	}
	if tier == "" {
		tier = TierFree
	}
	u := User{
		ID:                 uuid.NewString(),
		Email:              email,
		SubscriptionTier:   tier,
		TokenBudgetResetAt: now.UTC(),
		CreatedAt:          now.UTC(),
		UpdatedAt:          now.UTC(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, 0, ?, 0, ?, ?)`,
		u.ID, u.Email, u.SubscriptionTier, formatTime(now), formatTime(now), formatTime(now))
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`,
		strings.TrimSpace(strings.ToLower(email))))
}

func (s *Store) SetSubscriptionTier(ctx context.Context, id, tier string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET subscription_tier=?, updated_at_utc=? WHERE id=?`,
		tier, formatTime(now), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ResetTokenBudget zeroes the monthly counter and moves the reset anchor.
func (s *Store) ResetTokenBudget(ctx context.Context, id string, resetAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET token_budget_used=0, token_budget_reset_at_utc=?, updated_at_utc=? WHERE id=?`,
		formatTime(resetAt), formatTime(resetAt), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) scanUser(row *sql.Row) (User, error) {
	var u User
	var resetAt, created, updated string
	err := row.Scan(&u.ID, &u.Email, &u.SubscriptionTier, &u.TokenBudgetUsed, &resetAt,
		&u.FreeCoachMessagesUsed, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.TokenBudgetResetAt = parseTime(resetAt)
	u.CreatedAt = parseTime(created)
	u.UpdatedAt = parseTime(updated)
	return u, nil
}
