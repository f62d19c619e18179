package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/skypro1111/ptt-transcriber/internal/stream"
)

// ErrNotFound is returned by Get for an unknown session id
var ErrNotFound = errors.New("history: session not found")

// timeLayout is fixed width so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one finished session as stored
type Record struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	Source        string    `json:"source"`
	Text          string    `json:"text"`
	Fragments     []string  `json:"fragments"`
	Reason        string    `json:"reason"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	AudioSeconds  float64   `json:"audio_seconds"`
	RecordingPath string    `json:"recording_path,omitempty"`
}

// Store keeps session transcripts in SQLite
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	logger.Info("Opening session history", slog.String("path", path))

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE,
			source TEXT NOT NULL,
			text TEXT NOT NULL,
			fragments TEXT NOT NULL,
			reason TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			audio_seconds REAL NOT NULL,
			recording_path TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_ended_at ON sessions(ended_at)`)
	if err != nil {
		return fmt.Errorf("failed to create ended_at index: %w", err)
	}
	return nil
}

// Save stores a finished session. It has the stream.ResultHandler shape so
// it can be registered with the session controller directly.
func (s *Store) Save(ctx context.Context, result *stream.Result) error {
	fragments, err := json.Marshal(result.Fragments)
	if err != nil {
		return fmt.Errorf("failed to encode fragments: %w", err)
	}

	var recording sql.NullString
	if result.RecordingPath != "" {
		recording = sql.NullString{String: result.RecordingPath, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions
		(session_id, source, text, fragments, reason, started_at, ended_at, audio_seconds, recording_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.SessionID,
		result.Source,
		result.Text,
		string(fragments),
		string(result.Reason),
		result.StartedAt.UTC().Format(timeLayout),
		result.EndedAt.UTC().Format(timeLayout),
		result.AudioSeconds,
		recording,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", result.SessionID, err)
	}

	s.logger.Debug("Session stored", slog.String("session_id", result.SessionID))
	return nil
}

const selectColumns = `SELECT id, session_id, source, text, fragments, reason, started_at, ended_at, audio_seconds, recording_path FROM sessions`

// List returns stored sessions, most recent first
func (s *Store) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY ended_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0, limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return records, nil
}

// Get returns the session with the given id
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE session_id = ?`, sessionID)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return record, err
}

// Count returns the number of stored sessions
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r                  Record
		fragments          string
		startedAt, endedAt string
		recording          sql.NullString
	)

	if err := row.Scan(&r.ID, &r.SessionID, &r.Source, &r.Text, &fragments, &r.Reason,
		&startedAt, &endedAt, &r.AudioSeconds, &recording); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	if err := json.Unmarshal([]byte(fragments), &r.Fragments); err != nil {
		return nil, fmt.Errorf("failed to decode fragments: %w", err)
	}

	var err error
	if r.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if r.EndedAt, err = time.Parse(timeLayout, endedAt); err != nil {
		return nil, fmt.Errorf("failed to parse ended_at: %w", err)
	}
	r.RecordingPath = recording.String

	return &r, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
