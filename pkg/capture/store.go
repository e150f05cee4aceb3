// Package capture keeps an opt-in sqlite trace of the raw records each turn received, so a
// stream can be inspected or replayed through the aggregator later. Captures are a debugging
// aid; they are never loaded back into a chat session.
package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/llamachat/pkg/chatclient"
	"github.com/go-go-golems/llamachat/pkg/sse"
	"github.com/go-go-golems/llamachat/pkg/turn"
)

// TurnRecord is the captured summary of one turn.
type TurnRecord struct {
	TurnID       string     `json:"turn_id" yaml:"turn_id"`
	SessionID    string     `json:"session_id" yaml:"session_id"`
	RequestID    string     `json:"request_id,omitempty" yaml:"request_id,omitempty"`
	Prompt       string     `json:"prompt" yaml:"prompt"`
	Phase        turn.Phase `json:"phase" yaml:"phase"`
	StatusLine   string     `json:"status_line,omitempty" yaml:"status_line,omitempty"`
	ErrorText    string     `json:"error,omitempty" yaml:"error,omitempty"`
	FinalText    string     `json:"final_text,omitempty" yaml:"final_text,omitempty"`
	StartedAtMs  int64      `json:"started_at_ms" yaml:"started_at_ms"`
	FinishedAtMs int64      `json:"finished_at_ms,omitempty" yaml:"finished_at_ms,omitempty"`
	Records      int        `json:"records" yaml:"records"`
	Skipped      int        `json:"skipped" yaml:"skipped"`
}

type SQLiteStore struct {
	db *sql.DB
}

var _ chatclient.Recorder = &SQLiteStore{}

// DSNForFile returns a sqlite DSN for a capture database file.
func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite capture store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite capture store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite capture store: open")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite capture store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS capture_turns (
		  turn_id TEXT PRIMARY KEY,
		  session_id TEXT NOT NULL,
		  request_id TEXT NOT NULL DEFAULT '',
		  prompt TEXT NOT NULL,
		  phase TEXT NOT NULL,
		  status_line TEXT NOT NULL DEFAULT '',
		  error_text TEXT NOT NULL DEFAULT '',
		  final_text TEXT NOT NULL DEFAULT '',
		  started_at_ms INTEGER NOT NULL,
		  finished_at_ms INTEGER NOT NULL DEFAULT 0,
		  records INTEGER NOT NULL DEFAULT 0,
		  skipped INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS capture_turns_by_started
		  ON capture_turns(started_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS capture_records (
		  turn_id TEXT NOT NULL,
		  idx INTEGER NOT NULL,
		  received_at_ms INTEGER NOT NULL,
		  payload TEXT NOT NULL,
		  PRIMARY KEY (turn_id, idx)
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite capture store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) BeginTurn(ctx context.Context, snap turn.Snapshot) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite capture store: db is nil")
	}
	if strings.TrimSpace(snap.ID) == "" {
		return errors.New("sqlite capture store: turn id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capture_turns (turn_id, session_id, prompt, phase, started_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(turn_id) DO NOTHING
	`, snap.ID, snap.SessionID, snap.Prompt, snap.Phase.String(), millis(snap.StartedAt))
	if err != nil {
		return errors.Wrap(err, "sqlite capture store: begin turn")
	}
	return nil
}

func (s *SQLiteStore) AppendRecord(ctx context.Context, turnID string, rec sse.Record) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite capture store: db is nil")
	}
	if turnID == "" {
		return errors.New("sqlite capture store: turn id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO capture_records (turn_id, idx, received_at_ms, payload)
		VALUES (?, ?, ?, ?)
	`, turnID, rec.Index, time.Now().UnixMilli(), string(rec.Payload))
	if err != nil {
		return errors.Wrap(err, "sqlite capture store: append record")
	}
	return nil
}

func (s *SQLiteStore) EndTurn(ctx context.Context, snap turn.Snapshot) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite capture store: db is nil")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE capture_turns SET
		  request_id = ?, phase = ?, status_line = ?, error_text = ?, final_text = ?,
		  finished_at_ms = ?, records = ?, skipped = ?
		WHERE turn_id = ?
	`, snap.RequestID, snap.Phase.String(), snap.StatusLine, snap.ErrorText, snap.FinalText,
		millis(snap.FinishedAt), snap.Records, snap.Skipped, snap.ID)
	if err != nil {
		return errors.Wrap(err, "sqlite capture store: end turn")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Errorf("sqlite capture store: unknown turn %s", snap.ID)
	}
	return nil
}

// ListTurns returns captured turns, newest first. limit <= 0 means all.
func (s *SQLiteStore) ListTurns(ctx context.Context, limit int) ([]TurnRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite capture store: db is nil")
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, session_id, request_id, prompt, phase, status_line, error_text, final_text,
		       started_at_ms, finished_at_ms, records, skipped
		FROM capture_turns
		ORDER BY started_at_ms DESC, turn_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite capture store: list turns")
	}
	defer func() { _ = rows.Close() }()

	var out []TurnRecord
	for rows.Next() {
		r, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite capture store: list turns rows")
	}
	return out, nil
}

// GetTurn returns one captured turn. An empty turnID selects the newest one.
func (s *SQLiteStore) GetTurn(ctx context.Context, turnID string) (TurnRecord, bool, error) {
	if s == nil || s.db == nil {
		return TurnRecord{}, false, errors.New("sqlite capture store: db is nil")
	}
	q := `
		SELECT turn_id, session_id, request_id, prompt, phase, status_line, error_text, final_text,
		       started_at_ms, finished_at_ms, records, skipped
		FROM capture_turns`
	var args []any
	if turnID = strings.TrimSpace(turnID); turnID != "" {
		q += ` WHERE turn_id = ?`
		args = append(args, turnID)
	} else {
		q += ` ORDER BY started_at_ms DESC LIMIT 1`
	}
	r, err := scanTurn(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return TurnRecord{}, false, nil
	}
	if err != nil {
		return TurnRecord{}, false, err
	}
	return r, true, nil
}

// Records returns the captured records of a turn in stream order.
func (s *SQLiteStore) Records(ctx context.Context, turnID string) ([]sse.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite capture store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, payload FROM capture_records WHERE turn_id = ? ORDER BY idx ASC
	`, turnID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite capture store: records")
	}
	defer func() { _ = rows.Close() }()

	var out []sse.Record
	for rows.Next() {
		var (
			idx     int
			payload string
		)
		if err := rows.Scan(&idx, &payload); err != nil {
			return nil, errors.Wrap(err, "sqlite capture store: scan record")
		}
		out = append(out, sse.Record{Index: idx, Payload: json.RawMessage(payload)})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite capture store: records rows")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(row scanner) (TurnRecord, error) {
	var (
		r     TurnRecord
		phase string
	)
	err := row.Scan(&r.TurnID, &r.SessionID, &r.RequestID, &r.Prompt, &phase, &r.StatusLine,
		&r.ErrorText, &r.FinalText, &r.StartedAtMs, &r.FinishedAtMs, &r.Records, &r.Skipped)
	if errors.Is(err, sql.ErrNoRows) {
		return TurnRecord{}, err
	}
	if err != nil {
		return TurnRecord{}, errors.Wrap(err, "sqlite capture store: scan turn")
	}
	if err := r.Phase.UnmarshalText([]byte(phase)); err != nil {
		return TurnRecord{}, errors.Wrapf(err, "sqlite capture store: turn %s", r.TurnID)
	}
	return r, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
