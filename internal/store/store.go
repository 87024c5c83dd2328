// Package store persists matches and their commentary in sqlite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Match is a scheduled or live sporting fixture.
type Match struct {
	ID        int64      `json:"id"`
	Sport     string     `json:"sport"`
	HomeTeam  string     `json:"homeTeam"`
	AwayTeam  string     `json:"awayTeam"`
	Status    string     `json:"status"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	HomeScore int        `json:"homeScore"`
	AwayScore int        `json:"awayScore"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Commentary is one play-by-play entry for a match.
type Commentary struct {
	ID        int64     `json:"id"`
	MatchID   int64     `json:"matchId"`
	Minute    *int      `json:"minute,omitempty"`
	Period    string    `json:"period,omitempty"`
	EventType string    `json:"eventType,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Team      string    `json:"team,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store wraps the sqlite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateMatch inserts m and returns the stored row.
func (s *Store) CreateMatch(ctx context.Context, m Match) (Match, error) {
	if m.Status == "" {
		m.Status = "scheduled"
	}
	m.CreatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
        INSERT INTO matches (sport, home_team, away_team, status, start_time, end_time, home_score, away_score, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Sport, m.HomeTeam, m.AwayTeam, m.Status, m.StartTime.UTC(), nullableTime(m.EndTime), m.HomeScore, m.AwayScore, m.CreatedAt,
	)
	if err != nil {
		return Match{}, fmt.Errorf("insert match: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Match{}, fmt.Errorf("insert match id: %w", err)
	}
	return s.GetMatch(ctx, id)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

const matchColumns = `id, sport, home_team, away_team, status, start_time, end_time, home_score, away_score, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMatch(row scanner) (Match, error) {
	var m Match
	var end sql.NullTime
	if err := row.Scan(&m.ID, &m.Sport, &m.HomeTeam, &m.AwayTeam, &m.Status,
		&m.StartTime, &end, &m.HomeScore, &m.AwayScore, &m.CreatedAt); err != nil {
		return Match{}, err
	}
	if end.Valid {
		t := end.Time
		m.EndTime = &t
	}
	return m, nil
}

// GetMatch loads one match.
func (s *Store) GetMatch(ctx context.Context, id int64) (Match, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = ?`, id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Match{}, ErrNotFound
	}
	if err != nil {
		return Match{}, fmt.Errorf("load match %d: %w", id, err)
	}
	return m, nil
}

// ListMatches returns the most recently created matches, newest first.
func (s *Store) ListMatches(ctx context.Context, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+matchColumns+` FROM matches ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	defer rows.Close()

	matches := []Match{}
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// CreateCommentary inserts c for an existing match.
func (s *Store) CreateCommentary(ctx context.Context, c Commentary) (Commentary, error) {
	if _, err := s.GetMatch(ctx, c.MatchID); err != nil {
		return Commentary{}, err
	}
	c.CreatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
        INSERT INTO commentary (match_id, minute, period, event_type, actor, team, message, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.MatchID, nullableInt(c.Minute), c.Period, c.EventType, c.Actor, c.Team, c.Message, c.CreatedAt,
	)
	if err != nil {
		return Commentary{}, fmt.Errorf("insert commentary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Commentary{}, fmt.Errorf("insert commentary id: %w", err)
	}
	c.ID = id
	return c, nil
}

// ListCommentary returns a match's commentary, newest first.
func (s *Store) ListCommentary(ctx context.Context, matchID int64, limit int) ([]Commentary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, match_id, minute, period, event_type, actor, team, message, created_at
        FROM commentary
        WHERE match_id = ?
        ORDER BY id DESC
        LIMIT ?`, matchID, limit)
	if err != nil {
		return nil, fmt.Errorf("list commentary: %w", err)
	}
	defer rows.Close()

	entries := []Commentary{}
	for rows.Next() {
		var c Commentary
		var minute sql.NullInt64
		if err := rows.Scan(&c.ID, &c.MatchID, &minute, &c.Period, &c.EventType,
			&c.Actor, &c.Team, &c.Message, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan commentary: %w", err)
		}
		if minute.Valid {
			v := int(minute.Int64)
			c.Minute = &v
		}
		entries = append(entries, c)
	}
	return entries, rows.Err()
}
