// Package budget gates coach requests on a monthly token budget and settles
// their reservations.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"coach-server/internal/coach"
	"coach-server/internal/store"
)

const (
	DefaultMonthlyTokens       = 150000
	DefaultFreePreviewMessages = 1
	DefaultReservationTTL      = 5 * time.Minute
	WarningThreshold           = 0.80

	historyTokensPerMessage = 200
	requestOverheadTokens   = 2000
	outputEstimateTokens    = 500
	promptNoteLimit         = 10
)

// PromptBuilder renders the system prompt from the user's previous notes and,
// when the session is about a replay, a short summary of it.
type PromptBuilder func(notes []string, replaySummary string) string

type Options struct {
	MonthlyTokens int
	// FreePreviewMessages is the free-tier allowance; zero means the default and
	// a negative value disables previews.
	FreePreviewMessages int
	ReservationTTL      time.Duration
	SystemPrompt        PromptBuilder
	Now                 func() time.Time
}

// Service implements coach.Preflighter and coach.Settlement on top of the store.
type Service struct {
	store *store.Store
	opts  Options
}

func New(st *store.Store, opts Options) *Service {
	if opts.MonthlyTokens <= 0 {
		opts.MonthlyTokens = DefaultMonthlyTokens
	}
	switch {
	case opts.FreePreviewMessages == 0:
		opts.FreePreviewMessages = DefaultFreePreviewMessages
	case opts.FreePreviewMessages < 0:
		opts.FreePreviewMessages = 0
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = DefaultReservationTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SystemPrompt == nil {
		opts.SystemPrompt = func(notes []string, _ string) string { return strings.Join(notes, "\n") }
	}
	return &Service{store: st, opts: opts}
}

// EstimateTokens approximates the cost of a request before it runs.
func EstimateTokens(message string, historyMessages int) int {
	return len(message)/4 + historyMessages*historyTokensPerMessage + requestOverheadTokens + outputEstimateTokens
}

// NextReset returns the budget reset one calendar month after anchor. Days that
// do not exist in the next month clamp to its last day.
func NextReset(anchor time.Time) time.Time {
	anchor = anchor.UTC()
	year, month, day := anchor.Date()
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	lastDay := firstOfNext.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfNext.Year(), firstOfNext.Month(), day,
		anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), time.UTC)
}

// Preflight admits a request: it resets the monthly budget when due, releases
// expired reservations, resolves the session and reserves the estimated tokens.
func (s *Service) Preflight(ctx context.Context, userID string, req coach.PreflightRequest) (*coach.Preflight, error) {
	now := s.opts.Now().UTC()

	user, err := s.currentUser(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	isFreePreview := user.IsFree()
	if isFreePreview && user.FreeCoachMessagesUsed >= s.opts.FreePreviewMessages {
		return nil, coach.BudgetExhaustedError("free coach preview used; upgrade to continue")
	}

	remaining := s.opts.MonthlyTokens - user.TokenBudgetUsed
	if remaining <= 0 {
		return nil, coach.BudgetExhaustedError(fmt.Sprintf("monthly token budget exhausted; resets on %s",
			NextReset(user.TokenBudgetResetAt).Format("January 2")))
	}

	session, history, created, err := s.resolveSession(ctx, user.ID, req, now)
	if err != nil {
		return nil, err
	}
	discard := func() {
		if !created {
			return
		}
		if err := s.store.DeleteSession(context.WithoutCancel(ctx), user.ID, session.ID); err != nil {
			log.Printf("budget: discard session %s: %v", session.ID, err)
		}
	}

	estimated := EstimateTokens(req.Message, len(history))
	if estimated > remaining {
		discard()
		return nil, coach.BudgetExhaustedError(fmt.Sprintf("request would exceed budget; %d tokens remaining", remaining))
	}

	reservation, err := s.store.ReserveTokens(ctx, store.ReserveParams{
		UserID:    user.ID,
		SessionID: session.ID,
		Estimated: estimated,
		Limit:     s.opts.MonthlyTokens,
		TTL:       s.opts.ReservationTTL,
		Now:       now,
	})
	if err != nil {
		discard()
		switch {
		case errors.Is(err, store.ErrReservationActive):
			return nil, fmt.Errorf("%w: session %s", coach.ErrSessionBusy, session.ID)
		case errors.Is(err, store.ErrInsufficientBudget):
			return nil, coach.BudgetExhaustedError(fmt.Sprintf("request would exceed budget; %d tokens remaining", remaining))
		default:
			return nil, fmt.Errorf("reserve tokens: %w", err)
		}
	}

	prompt, err := s.systemPrompt(ctx, user.ID, session.ReplayID)
	if err != nil {
		s.release(ctx, user.ID, session.ID, reservation.ID)
		discard()
		return nil, err
	}

	return &coach.Preflight{
		SessionID:       session.ID,
		BudgetRemaining: remaining - estimated,
		IsFreePreview:   isFreePreview,
		ReservationID:   reservation.ID,
		History:         history,
		SystemPrompt:    prompt,
		EstimatedTokens: estimated,
	}, nil
}

// Record persists a completed request and bills it. Thinking tokens and free
// preview requests are not charged.
func (s *Service) Record(ctx context.Context, req coach.RecordRequest) error {
	billed := req.TokensUsed - req.ThinkingTokens
	if billed < 0 {
		billed = 0
	}
	if req.IsFreePreview {
		billed = 0
	}
	return s.store.CommitTurn(ctx, store.TurnCommit{
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		ReservationID: req.ReservationID,
		Messages:      req.Messages,
		BilledTokens:  billed,
		SessionTokens: req.TokensUsed,
		FreePreview:   req.IsFreePreview,
		Now:           s.opts.Now().UTC(),
	})
}

// Abort returns the reserved estimate and keeps the partial transcript as aborted.
func (s *Service) Abort(ctx context.Context, req coach.AbortRequest) error {
	log.Printf("budget: abort reservation %s for session %s: %s", req.ReservationID, req.SessionID, req.Reason)
	return s.store.AbortTurn(ctx, store.TurnAbort{
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		ReservationID: req.ReservationID,
		Messages:      req.PartialMessages,
		Now:           s.opts.Now().UTC(),
	})
}

// Status is the budget view returned to clients.
type Status struct {
	Used                 int       `json:"used"`
	Remaining            int       `json:"remaining"`
	Total                int       `json:"total"`
	UsagePct             float64   `json:"usage_pct"`
	ResetDate            time.Time `json:"reset_date"`
	Warning              bool      `json:"warning"`
	Exhausted            bool      `json:"exhausted"`
	Reserved             int       `json:"reserved"`
	IsFreeTier           bool      `json:"is_free_tier"`
	FreePreviewRemaining int       `json:"free_preview_remaining"`
}

func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	now := s.opts.Now().UTC()
	user, err := s.currentUser(ctx, userID, now)
	if err != nil {
		return Status{}, err
	}
	reservations, err := s.store.ActiveReservations(ctx, user.ID, now)
	if err != nil {
		return Status{}, err
	}

	total := s.opts.MonthlyTokens
	used := user.TokenBudgetUsed
	remaining := total - used
	if remaining < 0 {
		remaining = 0
	}
	status := Status{
		Used:       used,
		Remaining:  remaining,
		Total:      total,
		ResetDate:  NextReset(user.TokenBudgetResetAt),
		Exhausted:  remaining <= 0,
		IsFreeTier: user.IsFree(),
	}
	if total > 0 {
		ratio := float64(used) / float64(total)
		status.UsagePct = math.Round(ratio*1000) / 10
		status.Warning = ratio >= WarningThreshold
	}
	for _, r := range reservations {
		status.Reserved += r.EstimatedTokens
	}
	if status.IsFreeTier {
		status.FreePreviewRemaining = s.opts.FreePreviewMessages - user.FreeCoachMessagesUsed
		if status.FreePreviewRemaining < 0 {
			status.FreePreviewRemaining = 0
		}
	}
	return status, nil
}

// SweepExpired releases every expired reservation.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.store.ReleaseExpired(ctx, "", s.opts.Now().UTC())
}

// RunSweeper releases expired reservations every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil {
				log.Printf("budget: sweep expired reservations: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("budget: released %d expired reservations", n)
			}
		}
	}
}

func (s *Service) currentUser(ctx context.Context, userID string, now time.Time) (store.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, coach.ErrUnauthorized
	}
	if err != nil {
		return store.User{}, err
	}

	if !now.Before(NextReset(user.TokenBudgetResetAt)) {
		if err := s.store.ResetTokenBudget(ctx, user.ID, now); err != nil {
			return store.User{}, fmt.Errorf("reset token budget: %w", err)
		}
	}
	if _, err := s.store.ReleaseExpired(ctx, user.ID, now); err != nil {
		return store.User{}, fmt.Errorf("release expired reservations: %w", err)
	}
	return s.store.GetUser(ctx, user.ID)
}

func (s *Service) resolveSession(ctx context.Context, userID string, req coach.PreflightRequest, now time.Time) (store.Session, []coach.Message, bool, error) {
	if req.SessionID == "" {
		session, err := s.store.CreateSession(ctx, userID, req.Message, req.ReplayID, now)
		if err != nil {
			return store.Session{}, nil, false, fmt.Errorf("create session: %w", err)
		}
		return session, nil, true, nil
	}

	session, err := s.store.GetSession(ctx, userID, req.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, nil, false, fmt.Errorf("%w: %s", coach.ErrSessionNotFound, req.SessionID)
	}
	if err != nil {
		return store.Session{}, nil, false, err
	}
	history, err := s.store.History(ctx, session.ID)
	if err != nil {
		return store.Session{}, nil, false, fmt.Errorf("load history: %w", err)
	}
	return session, history, false, nil
}

func (s *Service) systemPrompt(ctx context.Context, userID, replayID string) (string, error) {
	notes, err := s.store.ListNotes(ctx, userID, "", promptNoteLimit)
	if err != nil {
		return "", fmt.Errorf("load notes: %w", err)
	}
	contents := make([]string, 0, len(notes))
	for _, n := range notes {
		contents = append(contents, fmt.Sprintf("[%s] %s", n.Category, n.Content))
	}

	summary := ""
	if replayID != "" {
		game, err := s.store.GetGame(ctx, userID, replayID)
		switch {
		case err == nil:
			summary = SummarizeGame(game)
		case !errors.Is(err, store.ErrNotFound):
			return "", fmt.Errorf("load replay: %w", err)
		}
	}
	return s.opts.SystemPrompt(contents, summary), nil
}

func (s *Service) release(ctx context.Context, userID, sessionID, reservationID string) {
	err := s.store.AbortTurn(context.WithoutCancel(ctx), store.TurnAbort{
		UserID:        userID,
		SessionID:     sessionID,
		ReservationID: reservationID,
		Now:           s.opts.Now().UTC(),
	})
	if err != nil {
		log.Printf("budget: release reservation %s: %v", reservationID, err)
	}
}

// SummarizeGame renders a one-line description of a replay for the prompt.
func SummarizeGame(g store.Game) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Replay %s: %s %s %d-%d on %s", g.ID, g.Playlist, g.Result, g.TeamScore, g.OpponentScore,
		g.PlayedAt.Format("2006-01-02"))
	if me, ok := g.Me(); ok {
		fmt.Fprintf(&b, " (goals %d, assists %d, saves %d, shots %d, score %d)", me.Goals, me.Assists, me.Saves, me.Shots, me.Score)
	}
	return b.String()
}
