// Package tools exposes the player's replay data to the coach model.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"coach-server/internal/coach"
	"coach-server/internal/store"
)

const (
	defaultRecentGames = 10
	maxRecentGames     = 50
	defaultStatsDays   = 30
	weaknessSample     = 20
)

var NoteCategories = []string{"strength", "weakness", "goal", "observation"}

// Definitions are the tools offered to the model.
var Definitions = []coach.ToolSpec{
	{
		Name:        "get_recent_games",
		Description: "Get the player's recent games with stats like goals, assists, saves, shots, and more.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Number of recent games to fetch (default: 10, max: 50)",
					"default":     defaultRecentGames,
				},
				"playlist": map[string]any{
					"type":        "string",
					"description": "Filter by playlist (optional): 'duel', 'doubles', 'standard'",
				},
			},
			"required": []string{},
		},
	},
	{
		Name:        "get_stats_by_mode",
		Description: "Get aggregated statistics for a specific game mode/playlist.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"mode": map[string]any{
					"type":        "string",
					"description": "Game mode: 'duel' (1v1), 'doubles' (2v2), 'standard' (3v3), or 'all'",
					"enum":        []string{"duel", "doubles", "standard", "all"},
				},
				"days": map[string]any{
					"type":        "integer",
					"description": "Number of days to analyze (default: 30)",
					"default":     defaultStatsDays,
				},
			},
			"required": []string{"mode"},
		},
	},
	{
		Name:        "get_game_details",
		Description: "Get detailed stats of a specific game/replay for the player and everyone else in the match.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"game_id": map[string]any{
					"type":        "string",
					"description": "The unique identifier of the game/replay to analyze",
				},
			},
			"required": []string{"game_id"},
		},
	},
	{
		Name:        "get_rank_benchmarks",
		Description: "Get average stats for a rank to compare against the player's performance.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"rank": map[string]any{
					"type":        "string",
					"description": "Rank to compare against (e.g., 'Diamond II', 'Champion I')",
				},
				"mode": map[string]any{
					"type":        "string",
					"description": "Game mode for benchmarks",
					"enum":        []string{"duel", "doubles", "standard"},
					"default":     store.PlaylistStandard,
				},
			},
			"required": []string{"rank"},
		},
	},
	{
		Name:        "get_weaknesses",
		Description: "Compare the player's recent per-game averages against a rank benchmark and list the stats that fall short.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"rank": map[string]any{
					"type":        "string",
					"description": "Rank to compare against (default: Diamond I)",
				},
				"playlist": map[string]any{
					"type":        "string",
					"description": "Only consider games from this playlist (optional)",
				},
			},
			"required": []string{},
		},
	},
	{
		Name:        "save_coaching_note",
		Description: "Save a coaching observation or insight for future reference. Use this to note patterns, strengths, weaknesses, or goals.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{
					"type":        "string",
					"description": "The coaching note to save",
				},
				"category": map[string]any{
					"type":        "string",
					"description": "Category of the note",
					"enum":        NoteCategories,
				},
			},
			"required": []string{"content", "category"},
		},
	},
}

// Registry runs the coach tools against the store. Bad input is reported to
// the model as an {"error": ...} result; returned errors are storage faults.
type Registry struct {
	store *store.Store
	now   func() time.Time
}

func NewRegistry(st *store.Store) *Registry {
	return &Registry{store: st, now: time.Now}
}

// WithClock replaces the time source used for date windows.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) Schema(context.Context) ([]coach.ToolSpec, error) {
	out := make([]coach.ToolSpec, len(Definitions))
	copy(out, Definitions)
	return out, nil
}

func (r *Registry) Execute(ctx context.Context, userID, name string, raw json.RawMessage) (json.RawMessage, error) {
	input := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &input); err != nil {
			return marshalResult(invalid("tool input must be a JSON object"))
		}
	}

	var (
		result any
		err    error
	)
	switch name {
	case "get_recent_games":
		result, err = r.recentGames(ctx, userID, input)
	case "get_stats_by_mode":
		result, err = r.statsByMode(ctx, userID, input)
	case "get_game_details":
		result, err = r.gameDetails(ctx, userID, input)
	case "get_rank_benchmarks":
		result, err = r.rankBenchmarks(input)
	case "get_weaknesses":
		result, err = r.weaknesses(ctx, userID, input)
	case "save_coaching_note":
		result, err = r.saveNote(ctx, userID, input)
	default:
		return nil, fmt.Errorf("%w: %s", coach.ErrUnknownTool, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return marshalResult(result)
}

func (r *Registry) recentGames(ctx context.Context, userID string, input map[string]any) (any, error) {
	limit := intArg(input, "limit", defaultRecentGames)
	if limit <= 0 {
		limit = defaultRecentGames
	}
	if limit > maxRecentGames {
		limit = maxRecentGames
	}
	games, err := r.store.Games(ctx, store.GameQuery{
		UserID:   userID,
		Playlist: stringArg(input, "playlist"),
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}
	if len(games) == 0 {
		return map[string]any{
			"games":   []any{},
			"message": "No recent games found. Upload some replays to get started!",
		}, nil
	}

	summaries := make([]map[string]any, 0, len(games))
	for _, g := range games {
		summaries = append(summaries, gameSummary(g))
	}
	return map[string]any{"games": summaries, "total": len(summaries)}, nil
}

func (r *Registry) statsByMode(ctx context.Context, userID string, input map[string]any) (any, error) {
	mode := strings.ToLower(stringArg(input, "mode"))
	if mode == "" {
		mode = "all"
	}
	days := intArg(input, "days", defaultStatsDays)
	if days <= 0 {
		days = defaultStatsDays
	}

	q := store.GameQuery{UserID: userID, Since: r.now().UTC().AddDate(0, 0, -days)}
	if mode != "all" {
		q.Playlist = mode
	}
	games, err := r.store.Games(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(games) == 0 {
		return map[string]any{
			"mode":        mode,
			"period_days": days,
			"games":       0,
			"message":     fmt.Sprintf("No games found in %s mode over the last %d days.", mode, days),
		}, nil
	}

	var goals, assists, saves, shots, wins, losses int
	for _, g := range games {
		if me, ok := g.Me(); ok {
			goals += me.Goals
			assists += me.Assists
			saves += me.Saves
			shots += me.Shots
		}
		switch strings.ToLower(g.Result) {
		case "win":
			wins++
		case "loss":
			losses++
		}
	}
	n := float64(len(games))
	return map[string]any{
		"mode":        mode,
		"period_days": days,
		"games":       len(games),
		"win_rate":    round(float64(wins)/n*100, 1),
		"per_game_averages": map[string]float64{
			"goals":   round(float64(goals)/n, 2),
			"assists": round(float64(assists)/n, 2),
			"saves":   round(float64(saves)/n, 2),
			"shots":   round(float64(shots)/n, 2),
		},
		"totals": map[string]int{
			"goals": goals, "assists": assists, "saves": saves, "shots": shots,
			"wins": wins, "losses": losses,
		},
	}, nil
}

func (r *Registry) gameDetails(ctx context.Context, userID string, input map[string]any) (any, error) {
	id := stringArg(input, "game_id")
	if id == "" {
		return invalid("game_id is required"), nil
	}
	g, err := r.store.GetGame(ctx, userID, id)
	if errors.Is(err, store.ErrNotFound) {
		return invalid(fmt.Sprintf("Game %s not found", id)), nil
	}
	if err != nil {
		return nil, err
	}
	details := gameSummary(g)
	details["duration_seconds"] = g.DurationSeconds
	details["players"] = g.Players
	return details, nil
}

func (r *Registry) rankBenchmarks(input map[string]any) (any, error) {
	mode := stringArg(input, "mode")
	if mode == "" {
		mode = store.PlaylistStandard
	}
	b := BenchmarkForRank(stringArg(input, "rank"))
	return map[string]any{
		"rank":       b.Name,
		"rank_tier":  b.Tier,
		"mode":       mode,
		"benchmarks": b,
		"source":     "community aggregate data",
	}, nil
}

// Weakness is one stat where the player trails the benchmark.
type Weakness struct {
	Stat      string  `json:"stat"`
	Value     float64 `json:"value"`
	Benchmark float64 `json:"benchmark"`
	Ratio     float64 `json:"ratio"`
	Severity  string  `json:"severity"`
}

func (r *Registry) weaknesses(ctx context.Context, userID string, input map[string]any) (any, error) {
	b := BenchmarkForRank(stringArg(input, "rank"))
	games, err := r.store.Games(ctx, store.GameQuery{
		UserID:   userID,
		Playlist: stringArg(input, "playlist"),
		Limit:    weaknessSample,
	})
	if err != nil {
		return nil, err
	}
	avg, sampled := averages(games)
	if sampled == 0 {
		return map[string]any{
			"rank":       b.Name,
			"weaknesses": []Weakness{},
			"message":    "No games with player stats found.",
		}, nil
	}
	return map[string]any{
		"rank":       b.Name,
		"games":      sampled,
		"weaknesses": compare(avg, b),
	}, nil
}

func (r *Registry) saveNote(ctx context.Context, userID string, input map[string]any) (any, error) {
	note, err := r.SaveNote(ctx, store.Note{
		UserID:   userID,
		Content:  stringArg(input, "content"),
		Category: stringArg(input, "category"),
		Source:   store.NoteSourceCoach,
	})
	var invalidNote *coach.ValidationError
	if errors.As(err, &invalidNote) {
		return invalid(invalidNote.Message), nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success": true,
		"note_id": note.ID,
		"message": "Coaching note saved successfully.",
	}, nil
}

// SaveNote validates and sanitizes a note before storing it. Rejected content
// is reported as a *coach.ValidationError.
func (r *Registry) SaveNote(ctx context.Context, n store.Note) (store.Note, error) {
	if n.Category == "" {
		n.Category = "observation"
	}
	if strings.TrimSpace(n.Content) == "" {
		return store.Note{}, &coach.ValidationError{Message: "Note content is required"}
	}
	if !validCategory(n.Category) {
		return store.Note{}, &coach.ValidationError{
			Message: fmt.Sprintf("Invalid category. Allowed: %s", strings.Join(NoteCategories, ", ")),
		}
	}
	safe := SanitizeNote(n.Content, MaxNoteLength)
	if safe == "" {
		return store.Note{}, &coach.ValidationError{Message: "Note content is empty after sanitization"}
	}
	if wasRedacted(safe) {
		return store.Note{}, &coach.ValidationError{Message: "Note content contains disallowed patterns"}
	}
	n.Content = safe
	return r.store.CreateNote(ctx, n, r.now())
}

func validCategory(category string) bool {
	for _, c := range NoteCategories {
		if c == category {
			return true
		}
	}
	return false
}

type statLine struct {
	goals, assists, saves, shots float64
	shootingPct, boostPerMinute  float64
	supersonicPct                float64
	aerials, wavedashes          float64
}

func averages(games []store.Game) (statLine, int) {
	var sum statLine
	var n, supersonicGames int
	for _, g := range games {
		me, ok := g.Me()
		if !ok {
			continue
		}
		n++
		sum.goals += float64(me.Goals)
		sum.assists += float64(me.Assists)
		sum.saves += float64(me.Saves)
		sum.shots += float64(me.Shots)
		sum.boostPerMinute += me.BoostPerMinute
		sum.aerials += float64(me.Aerials)
		sum.wavedashes += float64(me.Wavedashes)
		if g.DurationSeconds > 0 {
			sum.supersonicPct += me.SupersonicSeconds / float64(g.DurationSeconds) * 100
			supersonicGames++
		}
	}
	if n == 0 {
		return statLine{}, 0
	}
	f := float64(n)
	avg := statLine{
		goals:          sum.goals / f,
		assists:        sum.assists / f,
		saves:          sum.saves / f,
		shots:          sum.shots / f,
		boostPerMinute: sum.boostPerMinute / f,
		aerials:        sum.aerials / f,
		wavedashes:     sum.wavedashes / f,
	}
	if sum.shots > 0 {
		avg.shootingPct = sum.goals / sum.shots * 100
	}
	if supersonicGames > 0 {
		avg.supersonicPct = sum.supersonicPct / float64(supersonicGames)
	}
	return avg, n
}

// compare lists stats below 90% of the benchmark, weakest first. Below 70%
// is high severity.
func compare(avg statLine, b RankBenchmark) []Weakness {
	pairs := []struct {
		stat         string
		value, bench float64
	}{
		{"goals_per_game", avg.goals, b.GoalsPerGame},
		{"assists_per_game", avg.assists, b.AssistsPerGame},
		{"saves_per_game", avg.saves, b.SavesPerGame},
		{"shots_per_game", avg.shots, b.ShotsPerGame},
		{"shooting_pct", avg.shootingPct, b.ShootingPct},
		{"boost_per_minute", avg.boostPerMinute, b.BoostPerMinute},
		{"supersonic_pct", avg.supersonicPct, b.SupersonicPct},
		{"aerials_per_game", avg.aerials, b.AerialsPerGame},
		{"wavedashes_per_game", avg.wavedashes, b.WavedashesPerGame},
	}
	out := make([]Weakness, 0)
	for _, p := range pairs {
		if p.bench <= 0 {
			continue
		}
		ratio := p.value / p.bench
		var severity string
		switch {
		case ratio < 0.7:
			severity = "high"
		case ratio < 0.9:
			severity = "medium"
		default:
			continue
		}
		out = append(out, Weakness{
			Stat:      p.stat,
			Value:     round(p.value, 2),
			Benchmark: p.bench,
			Ratio:     round(ratio, 2),
			Severity:  severity,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ratio < out[j].Ratio })
	return out
}

func gameSummary(g store.Game) map[string]any {
	summary := map[string]any{
		"id":       g.ID,
		"date":     g.PlayedAt.UTC().Format(time.RFC3339),
		"playlist": g.Playlist,
		"result":   g.Result,
		"score":    fmt.Sprintf("%d-%d", g.TeamScore, g.OpponentScore),
		"map":      g.Map,
	}
	if me, ok := g.Me(); ok {
		summary["stats"] = me
	} else {
		summary["stats"] = map[string]any{}
	}
	return summary
}

func invalid(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func marshalResult(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return data, nil
}

func stringArg(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return strings.TrimSpace(s)
}

// intArg accepts JSON numbers and numeric strings.
func intArg(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
