package history

// This file contains the local submission history, kept in a SQLite database
// so earlier runs can be listed and their jobs looked up again.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/tkspuk/netpulse-sdk/model"
)

// ErrNotFound is returned when no entry matches.
var ErrNotFound = errors.New("history entry not found")

// DefaultPath returns ~/.netpulse/history.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".netpulse", "history.db"), nil
}

// Store is a SQLite backed history.
type Store struct {
	logger zerolog.Logger
	db     *sql.DB
}

// Open opens or creates the database at path.
func Open(logger zerolog.Logger, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", path, err)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS submissions (
  id TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  kind TEXT NOT NULL,
  driver TEXT NOT NULL,
  operation TEXT NOT NULL,
  args_json TEXT NOT NULL,
  devices_json TEXT NOT NULL,
  commands_json TEXT NOT NULL,
  jobs_json TEXT NOT NULL,
  failures_json TEXT NOT NULL,
  status TEXT NOT NULL,
  duration_ms INTEGER NOT NULL DEFAULT 0
);
`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	logger.Debug().Str("path", path).Msg("Opened history")
	return &Store{logger: logger, db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record stores h. An empty ID is replaced by a new UUID and a zero timestamp
// by the current time; the stored entry is returned.
func (s *Store) Record(ctx context.Context, h model.History) (model.History, error) {
	if h.ID == "" {
		h.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now()
	}
	if h.Status == "" {
		h.Status = model.StatusQueued
	}

	blobs, err := encodeAll(h.Args, h.Devices, h.Commands, h.Jobs, h.Failures)
	if err != nil {
		return h, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO submissions (id, created_at, kind, driver, operation, args_json, devices_json,
         commands_json, jobs_json, failures_json, status, duration_ms)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID,
		h.Timestamp.UnixMilli(),
		string(h.Type),
		h.Driver,
		string(h.Operation),
		blobs[0], blobs[1], blobs[2], blobs[3], blobs[4],
		string(h.Status),
		h.Duration.Milliseconds(),
	)
	if err != nil {
		return h, fmt.Errorf("failed to record submission: %w", err)
	}
	return h, nil
}

// UpdateStatus stores the last observed status and duration of an entry.
func (s *Store) UpdateStatus(ctx context.Context, id string, status model.Status, duration time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = ?, duration_ms = ? WHERE id = ?`,
		string(status), duration.Milliseconds(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update submission %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return nil
}

const columns = `id, created_at, kind, driver, operation, args_json, devices_json, commands_json,
       jobs_json, failures_json, status, duration_ms`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (model.History, error) {
	var (
		h                                    model.History
		createdMs, durationMs                int64
		kind, operation, status              string
		args, devices, commands, jobs, fails string
	)
	if err := row.Scan(&h.ID, &createdMs, &kind, &h.Driver, &operation, &args, &devices, &commands, &jobs, &fails, &status, &durationMs); err != nil {
		return h, err
	}
	h.Timestamp = time.UnixMilli(createdMs)
	h.Type = model.HistoryType(kind)
	h.Operation = model.OperationType(operation)
	h.Status = model.Status(status)
	h.Duration = time.Duration(durationMs) * time.Millisecond

	targets := []struct {
		data string
		out  any
	}{
		{args, &h.Args},
		{devices, &h.Devices},
		{commands, &h.Commands},
		{jobs, &h.Jobs},
		{fails, &h.Failures},
	}
	for _, t := range targets {
		if err := json.Unmarshal([]byte(t.data), t.out); err != nil {
			return h, fmt.Errorf("corrupt history entry %s: %w", h.ID, err)
		}
	}
	return h, nil
}

// Get returns the entry with exactly id.
func (s *Store) Get(ctx context.Context, id string) (model.History, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM submissions WHERE id = ?`, id)
	h, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.History{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h, err
}

// List returns entries newest first. A limit of zero or less returns all.
func (s *Store) List(ctx context.Context, limit int) ([]model.History, error) {
	query := `SELECT ` + columns + ` FROM submissions ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []model.History
	for rows.Next() {
		h, err := scanEntry(rows)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Skipping unreadable history entry")
			continue
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Resolve finds an entry the way "history view" addresses it: "0" is the
// newest entry, "-N" the N-th before it, anything else an ID prefix.
func (s *Store) Resolve(ctx context.Context, arg string) (model.History, error) {
	if arg == "" {
		arg = "0"
	}
	entries, err := s.List(ctx, 0)
	if err != nil {
		return model.History{}, err
	}
	if len(entries) == 0 {
		return model.History{}, fmt.Errorf("%w: history is empty", ErrNotFound)
	}

	parsed, err := strconv.ParseInt(arg, 10, 64)
	isIndex := err == nil && (arg == "0" || strings.HasPrefix(arg, "-"))
	if isIndex {
		index := int(-parsed)
		if index >= len(entries) {
			return model.History{}, fmt.Errorf("index %s out of range (only %d history entries)", arg, len(entries))
		}
		return entries[index], nil
	}

	// IDs are hex, so an all-digit argument is tried as a prefix first.
	prefix := strings.ToLower(arg)
	for _, h := range entries {
		if strings.HasPrefix(strings.ToLower(h.ID), prefix) {
			return h, nil
		}
	}
	if err == nil {
		return model.History{}, fmt.Errorf("invalid index: %s (use 0 for last, -1 for second-to-last, -2 for third-to-last, etc.)", arg)
	}
	return model.History{}, fmt.Errorf("%w: no entry matching ID %s", ErrNotFound, arg)
}

func encodeAll(values ...any) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode history field: %w", err)
		}
		out[i] = string(data)
	}
	return out, nil
}
