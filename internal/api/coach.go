package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"coach-server/internal/coach"
	"coach-server/internal/store"
)

// StopRunRequest represents a request to stop an active run.
type StopRunRequest struct {
	RunID string `json:"run_id"`
}

// ToolExecuteRequest runs one tool outside a chat turn.
type ToolExecuteRequest struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// CreateNoteRequest stores a note written by the player.
type CreateNoteRequest struct {
	Content  string `json:"content"`
	Category string `json:"category"`
	ReplayID string `json:"replay_id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"chat_available": s.coach != nil,
	})
}

// handleChatStream admits a chat request and streams its events as NDJSON.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if s.coach == nil {
		writeError(w, http.StatusServiceUnavailable, "Coach service not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeBadRequest(w, "Streaming not supported")
		return
	}

	var req coach.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body")
		return
	}

	run, err := s.coach.ChatStream(r.Context(), user, req)
	if err != nil {
		writeCoachError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Coach-Run", run.RunID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range run.Events {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			// The client is gone; keep the producer moving until it settles.
			go func() {
				for range run.Events {
				}
			}()
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if s.coach == nil {
		writeError(w, http.StatusServiceUnavailable, "Coach service not configured")
		return
	}

	var req StopRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.RunID) == "" {
		writeBadRequest(w, "run_id is required")
		return
	}
	if !s.coach.StopRun(user, req.RunID) {
		writeNotFound(w, "Run not found")
		return
	}
	writeSuccess(w, "Run stopped")
}

func (s *Server) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	runs := []coach.RunInfo{}
	if s.coach != nil {
		runs = s.coach.ListActiveRuns(user)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	status, err := s.budget.Status(r.Context(), user)
	if err != nil {
		writeCoachError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleToolSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.tools.Schema(r.Context())
	if err != nil {
		writeCoachError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": schema})
}

func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req ToolExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}
	if len(req.Input) == 0 {
		req.Input = json.RawMessage("{}")
	}

	result, err := s.tools.Execute(r.Context(), user, req.Name, req.Input)
	if err != nil {
		writeCoachError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": req.Name, "result": result})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), user, queryLimit(r))
	if err != nil {
		writeCoachError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	session, err := s.store.GetSession(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeCoachError(w, err)
		return
	}
	includeAborted := r.URL.Query().Get("include_aborted") == "true"
	messages, err := s.store.SessionMessages(r.Context(), session.ID, includeAborted)
	if err != nil {
		writeCoachError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session, "messages": messages})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteSession(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		writeCoachError(w, err)
		return
	}
	writeSuccess(w, "Session deleted")
}

func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req CreateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body")
		return
	}
	note, err := s.tools.SaveNote(r.Context(), store.Note{
		UserID:   user,
		Content:  req.Content,
		Category: req.Category,
		Source:   store.NoteSourceUser,
		ReplayID: strings.TrimSpace(req.ReplayID),
	})
	if err != nil {
		writeCoachError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	notes, err := s.store.ListNotes(r.Context(), user, r.URL.Query().Get("replay_id"), queryLimit(r))
	if err != nil {
		writeCoachError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": notes})
}

func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteNote(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		writeCoachError(w, err)
		return
	}
	writeSuccess(w, "Note deleted")
}

// queryLimit reads ?limit=, leaving defaults to the store.
func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
