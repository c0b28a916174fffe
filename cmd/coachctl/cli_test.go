package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coach-server/internal/coach"
	"coach-server/internal/reducer"
	"coach-server/internal/store"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestUserAddThenShow(t *testing.T) {
	db := filepath.Join(t.TempDir(), "coach.db")

	stdout, _, err := executeCLI(t, "--db", db, "user", "add", "--email", "Player@Example.com", "--tier", "pro")
	require.NoError(t, err)
	userID := strings.TrimSpace(stdout)
	require.NotEmpty(t, userID)

	stdout, _, err = executeCLI(t, "--db", db, "user", "show", userID, "--monthly-tokens", "5000")
	require.NoError(t, err)
	var status struct {
		Remaining  int  `json:"remaining"`
		Total      int  `json:"total"`
		IsFreeTier bool `json:"is_free_tier"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &status))
	assert.Equal(t, 5000, status.Total)
	assert.Equal(t, 5000, status.Remaining)
	assert.False(t, status.IsFreeTier)

	_, _, err = executeCLI(t, "--db", db, "user", "tier", userID, "free")
	require.NoError(t, err)
	stdout, _, err = executeCLI(t, "--db", db, "user", "show", userID)
	require.NoError(t, err)
	assert.Contains(t, stdout, `"is_free_tier": true`)
}

func TestUserShowUnknownUser(t *testing.T) {
	db := filepath.Join(t.TempDir(), "coach.db")
	_, _, err := executeCLI(t, "--db", db, "user", "show", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, coach.ErrUnauthorized)
}

func TestCommandsRequireDatabase(t *testing.T) {
	t.Setenv("COACH_DB_PATH", "")
	_, _, err := executeCLI(t, "reservations", "sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--db")
}

func TestGamesImport(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "coach.db")

	stdout, _, err := executeCLI(t, "--db", db, "user", "add", "--email", "p@example.com")
	require.NoError(t, err)
	userID := strings.TrimSpace(stdout)

	games := `[{"id":"r1","playlist":"Doubles","result":"win","map":"DFH Stadium","played_at":"2026-10-01T18:00:00Z",
		"duration_seconds":300,"team_score":3,"opponent_score":1,
		"players":[{"name":"me","is_me":true,"goals":2,"saves":1,"shots":4}]}]`
	file := filepath.Join(dir, "games.json")
	require.NoError(t, os.WriteFile(file, []byte(games), 0o644))

	stdout, _, err = executeCLI(t, "--db", db, "games", "import", userID, file)
	require.NoError(t, err)
	assert.Equal(t, "imported 1 games\n", stdout)

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()
	game, err := st.GetGame(context.Background(), userID, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.PlaylistDoubles, game.Playlist)
	me, ok := game.Me()
	require.True(t, ok)
	assert.Equal(t, 2, me.Goals)
}

func TestReservationsSweep(t *testing.T) {
	db := filepath.Join(t.TempDir(), "coach.db")
	stdout, _, err := executeCLI(t, "--db", db, "reservations", "sweep")
	require.NoError(t, err)
	assert.Equal(t, "released 0 reservations\n", stdout)
}

func TestChatFoldsStream(t *testing.T) {
	var got coach.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/coach/chat-stream", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "player_one", r.Header.Get("X-Coach-User"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		for _, e := range []coach.StreamEvent{
			coach.Ack("s1", 1200, false),
			coach.TextEvent("Rotate "),
			coach.ToolEvent(coach.ToolCall{ID: "t1", Name: "get_weaknesses"}),
			coach.ToolResultEvent(coach.ToolResult{ToolUseID: "t1", Content: json.RawMessage(`{}`)}),
			coach.TextEvent("back post."),
			coach.MessageStopEvent(coach.StopReasonEndTurn),
		} {
			_ = enc.Encode(e)
		}
	}))
	defer srv.Close()

	stdout, stderr, err := executeCLI(t, "chat", "--server", srv.URL, "--token", "tok",
		"--user", "player_one", "--message", "help", "--session", "s1", "--json")
	require.NoError(t, err)
	assert.Equal(t, "help", got.Message)
	assert.Equal(t, "s1", got.SessionID)
	assert.Empty(t, stderr)

	var state reducer.State
	require.NoError(t, json.Unmarshal([]byte(stdout), &state))
	assert.Equal(t, "s1", state.SessionID)
	assert.Equal(t, coach.StopReasonEndTurn, state.StopReason)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "Rotate back post.", state.Messages[1].Text)
}

func TestChatReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"detail":"token budget exhausted: free coach preview used; upgrade to continue"}`))
	}))
	defer srv.Close()

	_, _, err := executeCLI(t, "chat", "--server", srv.URL, "--token", "tok", "--user", "u1", "--message", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "402")
	assert.Contains(t, err.Error(), "free coach preview used")
}
