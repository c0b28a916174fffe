package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const (
	PlaylistDuel     = "duel"
	PlaylistDoubles  = "doubles"
	PlaylistStandard = "standard"
)

type PlayerStats struct {
	Name              string  `json:"name"`
	IsMe              bool    `json:"is_me"`
	Team              int     `json:"team"`
	Goals             int     `json:"goals"`
	Assists           int     `json:"assists"`
	Saves             int     `json:"saves"`
	Shots             int     `json:"shots"`
	Score             int     `json:"score"`
	BoostPerMinute    float64 `json:"boost_per_minute"`
	AvgBoost          float64 `json:"avg_boost"`
	AvgSpeedKPH       float64 `json:"avg_speed_kph"`
	SupersonicSeconds float64 `json:"time_supersonic_s"`
	Aerials           int     `json:"aerials"`
	Wavedashes        int     `json:"wavedashes"`
	DemosInflicted    int     `json:"demos_inflicted"`
	DemosTaken        int     `json:"demos_taken"`
}

// Game is one imported replay with per-player stats.
type Game struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	Playlist        string        `json:"playlist"`
	Result          string        `json:"result"`
	Map             string        `json:"map"`
	PlayedAt        time.Time     `json:"played_at"`
	DurationSeconds int           `json:"duration_seconds"`
	TeamScore       int           `json:"team_score"`
	OpponentScore   int           `json:"opponent_score"`
	Players         []PlayerStats `json:"players"`
}

// Me returns the stats line of the replay's owner.
func (g Game) Me() (PlayerStats, bool) {
	for _, p := range g.Players {
		if p.IsMe {
			return p, true
		}
	}
	return PlayerStats{}, false
}

// GameQuery filters a user's games. Zero values mean no filter.
type GameQuery struct {
	UserID   string
	Playlist string
	Since    time.Time
	Limit    int
}

// UpsertGame replaces a replay and its player rows.
func (s *Store) UpsertGame(ctx context.Context, g Game) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO replays (id, user_id, playlist, result, map_name, played_at_utc, duration_seconds, team_score, opponent_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET playlist=excluded.playlist, result=excluded.result, map_name=excluded.map_name,
			played_at_utc=excluded.played_at_utc, duration_seconds=excluded.duration_seconds,
			team_score=excluded.team_score, opponent_score=excluded.opponent_score`,
		g.ID, g.UserID, strings.ToLower(g.Playlist), g.Result, g.Map, formatTime(g.PlayedAt),
		g.DurationSeconds, g.TeamScore, g.OpponentScore); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM player_game_stats WHERE replay_id=?`, g.ID); err != nil {
		return err
	}
	for _, p := range g.Players {
		if _, err := tx.ExecContext(ctx, `INSERT INTO player_game_stats (replay_id, player_name, is_me, team, goals, assists, saves, shots, score,
				boost_per_minute, avg_boost, avg_speed_kph, time_supersonic_s, aerials, wavedashes, demos_inflicted, demos_taken)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.ID, p.Name, boolInt(p.IsMe), p.Team, p.Goals, p.Assists, p.Saves, p.Shots, p.Score,
			p.BoostPerMinute, p.AvgBoost, p.AvgSpeedKPH, p.SupersonicSeconds, p.Aerials, p.Wavedashes,
			p.DemosInflicted, p.DemosTaken); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Games returns matching games, most recent first, with their player rows.
func (s *Store) Games(ctx context.Context, q GameQuery) ([]Game, error) {
	query := `SELECT id, user_id, playlist, result, map_name, played_at_utc, duration_seconds, team_score, opponent_score
		FROM replays WHERE user_id=?`
	args := []any{q.UserID}
	if q.Playlist != "" {
		query += ` AND playlist=?`
		args = append(args, strings.ToLower(q.Playlist))
	}
	if !q.Since.IsZero() {
		query += ` AND played_at_utc >= ?`
		args = append(args, formatTime(q.Since))
	}
	query += ` ORDER BY played_at_utc DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	games := make([]Game, 0)
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		games = append(games, g)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range games {
		players, err := s.players(ctx, games[i].ID)
		if err != nil {
			return nil, err
		}
		games[i].Players = players
	}
	return games, nil
}

// GetGame returns one of the user's games.
func (s *Store) GetGame(ctx context.Context, userID, id string) (Game, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, playlist, result, map_name, played_at_utc, duration_seconds, team_score, opponent_score
		FROM replays WHERE id=? AND user_id=?`, id, userID)
	g, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Game{}, ErrNotFound
	}
	if err != nil {
		return Game{}, err
	}
	g.Players, err = s.players(ctx, g.ID)
	if err != nil {
		return Game{}, err
	}
	return g, nil
}

func (s *Store) players(ctx context.Context, replayID string) ([]PlayerStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT player_name, is_me, team, goals, assists, saves, shots, score,
			boost_per_minute, avg_boost, avg_speed_kph, time_supersonic_s, aerials, wavedashes, demos_inflicted, demos_taken
		FROM player_game_stats WHERE replay_id=?
		ORDER BY is_me DESC, team ASC, player_name ASC`, replayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	players := make([]PlayerStats, 0)
	for rows.Next() {
		var p PlayerStats
		var isMe int
		if err := rows.Scan(&p.Name, &isMe, &p.Team, &p.Goals, &p.Assists, &p.Saves, &p.Shots, &p.Score,
			&p.BoostPerMinute, &p.AvgBoost, &p.AvgSpeedKPH, &p.SupersonicSeconds, &p.Aerials, &p.Wavedashes,
			&p.DemosInflicted, &p.DemosTaken); err != nil {
			return nil, err
		}
		p.IsMe = isMe == 1
		players = append(players, p)
	}
	return players, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (Game, error) {
	var g Game
	var played string
	if err := row.Scan(&g.ID, &g.UserID, &g.Playlist, &g.Result, &g.Map, &played, &g.DurationSeconds, &g.TeamScore, &g.OpponentScore); err != nil {
		return Game{}, err
	}
	g.PlayedAt = parseTime(played)
	return g, nil
}
