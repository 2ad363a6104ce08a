package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/conduit/internal/errdefs"
	"github.com/seantiz/conduit/internal/model"

	_ "modernc.org/sqlite"
)

const createCommandHistoryTable = `
CREATE TABLE IF NOT EXISTS command_history (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    priority     TEXT NOT NULL,
    status       TEXT NOT NULL,
    command      TEXT NOT NULL,
    error        TEXT NOT NULL DEFAULT '',
    queued_at    DATETIME NOT NULL,
    started_at   DATETIME,
    completed_at DATETIME,
    duration_ms  INTEGER
)`

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS execution_snapshots (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id      TEXT NOT NULL,
    workflow_id       TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL,
    progress          REAL NOT NULL,
    current_step      TEXT NOT NULL DEFAULT '',
    requires_approval INTEGER NOT NULL DEFAULT 0,
    recorded_at       DATETIME NOT NULL
)`

const createSnapshotsIndex = `
CREATE INDEX IF NOT EXISTS idx_execution_snapshots_execution
    ON execution_snapshots (execution_id, id)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createCommandHistoryTable, createSnapshotsTable, createSnapshotsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordCommand inserts or updates the history row of pc.
func (s *SQLiteStore) RecordCommand(ctx context.Context, pc model.PendingCommand) error {
	raw, err := json.Marshal(pc.Command)
	if err != nil {
		return fmt.Errorf("encode command %s: %w", pc.ID, err)
	}

	var durationMS *int64
	if pc.StartedAt != nil && pc.CompletedAt != nil {
		d := pc.CompletedAt.Sub(*pc.StartedAt).Milliseconds()
		durationMS = &d
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO command_history (
			id, kind, priority, status, command, error,
			queued_at, started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms`,
		pc.ID, string(pc.Command.Kind()), string(pc.Command.Priority()), pc.Status, string(raw), pc.Error,
		pc.QueuedAt, pc.StartedAt, pc.CompletedAt, durationMS,
	)
	if err != nil {
		return fmt.Errorf("record command: %w", err)
	}
	return nil
}

const selectCommand = `SELECT id, status, command, error, queued_at, started_at, completed_at FROM command_history`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*model.PendingCommand, error) {
	var (
		pc  model.PendingCommand
		raw string
	)
	if err := row.Scan(&pc.ID, &pc.Status, &raw, &pc.Error, &pc.QueuedAt, &pc.StartedAt, &pc.CompletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &pc.Command); err != nil {
		return nil, fmt.Errorf("decode command %s: %w", pc.ID, err)
	}
	return &pc, nil
}

// GetCommand retrieves a command by ID.
func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*model.PendingCommand, error) {
	pc, err := scanCommand(s.db.QueryRowContext(ctx, selectCommand+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("command %s: %w", id, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return pc, nil
}

// ListCommands returns a page of commands ordered by queued_at DESC, along
// with the total count.
func (s *SQLiteStore) ListCommands(ctx context.Context, limit, offset int) ([]model.PendingCommand, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM command_history").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count commands: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectCommand+` ORDER BY queued_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var commands []model.PendingCommand
	for rows.Next() {
		pc, err := scanCommand(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan command: %w", err)
		}
		commands = append(commands, *pc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate commands: %w", err)
	}

	return commands, total, nil
}

// CommandStats returns aggregate statistics over the command history.
func (s *SQLiteStore) CommandStats(ctx context.Context) (*CommandStats, error) {
	stats := &CommandStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM command_history").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count commands: %w", err)
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "kind", stats.CountByKind); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM command_history WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// countBy fills counts with COUNT(*) grouped by column. column is always a
// literal from this file.
func (s *SQLiteStore) countBy(ctx context.Context, column string, counts map[string]int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM command_history GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		counts[key] = n
	}
	return rows.Err()
}

// RecordSnapshot appends one execution status observation.
func (s *SQLiteStore) RecordSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.RecordedAt.IsZero() {
		snap.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_snapshots (
			execution_id, workflow_id, status, progress, current_step, requires_approval, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ExecutionID, snap.WorkflowID, snap.Status, snap.Progress, snap.CurrentStep, snap.RequiresApproval, snap.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns the snapshots of an execution in the order they
// were recorded.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, executionID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, workflow_id, status, progress, current_step, requires_approval, recorded_at
		FROM execution_snapshots WHERE execution_id = ? ORDER BY id ASC`, executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(
			&snap.ExecutionID, &snap.WorkflowID, &snap.Status, &snap.Progress,
			&snap.CurrentStep, &snap.RequiresApproval, &snap.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}
