package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"coach-server/internal/coach"
	"coach-server/internal/reducer"
)

type chatOptions struct {
	server    string
	token     string
	user      string
	message   string
	sessionID string
	replayID  string
	asJSON    bool
}

func newChatCmd() *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send one message to a running coach server and stream the answer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := runChat(cmd, opts)
			if err != nil {
				return err
			}
			if opts.asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(state)
			}
			if state.Error != "" {
				return fmt.Errorf("coach: %s", state.Error)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "\nsession: %s\n", state.SessionID)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", envOr("COACH_SERVER_URL", "http://localhost:8080"), "coach server base URL")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("COACH_TOKEN"), "bearer token")
	cmd.Flags().StringVar(&opts.user, "user", "", "user id")
	cmd.Flags().StringVar(&opts.message, "message", "", "message to send")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "continue an existing session")
	cmd.Flags().StringVar(&opts.replayID, "replay", "", "replay the conversation is about")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the final chat state as JSON")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

// runChat posts the message and folds the NDJSON answer into chat state.
// Text is echoed as it arrives unless JSON output was requested.
func runChat(cmd *cobra.Command, opts *chatOptions) (reducer.State, error) {
	body, err := json.Marshal(coach.ChatRequest{
		Message:   opts.message,
		SessionID: opts.sessionID,
		ReplayID:  opts.replayID,
	})
	if err != nil {
		return reducer.State{}, err
	}

	url := strings.TrimRight(opts.server, "/") + "/api/coach/chat-stream"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return reducer.State{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	req.Header.Set("Authorization", "Bearer "+opts.token)
	req.Header.Set("X-Coach-User", opts.user)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return reducer.State{}, fmt.Errorf("post chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var detail struct {
			Detail string `json:"detail"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &detail) == nil && detail.Detail != "" {
			return reducer.State{}, fmt.Errorf("chat rejected (%d): %s", resp.StatusCode, detail.Detail)
		}
		return reducer.State{}, fmt.Errorf("chat rejected (%d)", resp.StatusCode)
	}

	state := reducer.Reduce(reducer.State{}, coach.UserMessageEvent(opts.message))
	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event coach.StreamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return state, fmt.Errorf("decode event: %w", err)
		}
		state = reducer.Reduce(state, event)
		if opts.asJSON {
			continue
		}
		switch event.Type {
		case coach.EventText:
			fmt.Fprint(out, event.Text)
		case coach.EventTool:
			fmt.Fprintf(cmd.ErrOrStderr(), "[%s]\n", state.ToolStatus)
		}
	}
	if err := scanner.Err(); err != nil {
		return state, fmt.Errorf("read stream: %w", err)
	}
	return state, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
