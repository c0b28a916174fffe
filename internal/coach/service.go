package coach

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultMaxRequestDuration = 5 * time.Minute

// ChatRequest is the request body for the chat stream endpoint.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	ReplayID  string `json:"replay_id,omitempty"`
}

// PreflightRequest is what the budget gate needs to admit a request.
type PreflightRequest struct {
	Message   string
	SessionID string
	ReplayID  string
}

// Preflight is an admitted request holding a live reservation.
type Preflight struct {
	SessionID       string
	BudgetRemaining int
	IsFreePreview   bool
	ReservationID   string
	History         []Message
	SystemPrompt    string
	EstimatedTokens int
}

// Preflighter admits or rejects a request before any model call.
type Preflighter interface {
	Preflight(ctx context.Context, userID string, req PreflightRequest) (*Preflight, error)
}

// Toolbox lists the tools offered to the model and executes them.
type Toolbox interface {
	ToolBackend
	Schema(ctx context.Context) ([]ToolSpec, error)
}

// StreamRun contains run metadata and the event stream for one request.
type StreamRun struct {
	RunID     string
	SessionID string
	Events    <-chan StreamEvent
}

// RunInfo describes an in-flight request.
type RunInfo struct {
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

type activeRun struct {
	userID string
	info   RunInfo
	cancel context.CancelFunc
}

// ServiceOptions controls request-level limits.
type ServiceOptions struct {
	MaxRequestDuration time.Duration
}

// Service admits chat requests and runs them in the background.
type Service struct {
	orch               *Orchestrator
	preflight          Preflighter
	tools              Toolbox
	maxRequestDuration time.Duration

	mu         sync.Mutex
	activeRuns map[string]*activeRun
}

// NewService wires a chat service around an orchestrator.
func NewService(orch *Orchestrator, preflight Preflighter, tools Toolbox, options ServiceOptions) *Service {
	maxDuration := options.MaxRequestDuration
	if maxDuration <= 0 {
		maxDuration = defaultMaxRequestDuration
	}
	return &Service{
		orch:               orch,
		preflight:          preflight,
		tools:              tools,
		maxRequestDuration: maxDuration,
		activeRuns:         make(map[string]*activeRun),
	}
}

// ChatStream admits a request and starts it. Admission failures are returned
// before any event is produced and leave no reservation behind.
func (s *Service) ChatStream(ctx context.Context, userID string, req ChatRequest) (*StreamRun, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUnauthorized
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, &ValidationError{Message: "message is required"}
	}

	schema, err := s.tools.Schema(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tool schema: %w", err)
	}

	pf, err := s.preflight.Preflight(ctx, userID, PreflightRequest{
		Message:   message,
		SessionID: strings.TrimSpace(req.SessionID),
		ReplayID:  strings.TrimSpace(req.ReplayID),
	})
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	runCtx, cancel := context.WithTimeout(ctx, s.maxRequestDuration)
	s.registerRun(userID, runID, pf.SessionID, cancel)

	out := make(chan StreamEvent, 100)
	go func() {
		defer close(out)
		defer s.unregisterRun(runID)
		defer cancel()

		outcome := s.orch.Run(runCtx, RunRequest{
			RunID:           runID,
			UserID:          userID,
			SessionID:       pf.SessionID,
			ReservationID:   pf.ReservationID,
			EstimatedTokens: pf.EstimatedTokens,
			BudgetRemaining: pf.BudgetRemaining,
			IsFreePreview:   pf.IsFreePreview,
			SystemPrompt:    pf.SystemPrompt,
			History:         pf.History,
			UserMessage:     message,
			Tools:           schema,
		}, func(event StreamEvent) {
			out <- event
		})
		log.Printf("coach run %s: %s after %d steps", runID, outcome.State, outcome.Steps)
	}()

	return &StreamRun{
		RunID:     runID,
		SessionID: pf.SessionID,
		Events:    out,
	}, nil
}

// StopRun cancels an active run owned by userID.
func (s *Service) StopRun(userID, runID string) bool {
	s.mu.Lock()
	run, ok := s.activeRuns[runID]
	s.mu.Unlock()
	if !ok || run.userID != userID {
		return false
	}
	run.cancel()
	return true
}

// ListActiveRuns returns the user's in-flight runs, oldest first.
func (s *Service) ListActiveRuns(userID string) []RunInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]RunInfo, 0)
	for _, run := range s.activeRuns {
		if run.userID == userID {
			runs = append(runs, run.info)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs
}

// Schema returns the tool list offered to the model.
func (s *Service) Schema(ctx context.Context) ([]ToolSpec, error) {
	return s.tools.Schema(ctx)
}

func (s *Service) registerRun(userID, runID, sessionID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeRuns[runID] = &activeRun{
		userID: userID,
		info:   RunInfo{RunID: runID, SessionID: sessionID, StartedAt: time.Now().UTC()},
		cancel: cancel,
	}
}

func (s *Service) unregisterRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeRuns, runID)
}
