package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/chainscript/pkg/types"
)

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical JSON fields where corruption should not fail
// the entire query.
func unmarshalJSON(data string, v any, field string, runID string) {
	if data == "" {
		return
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrent performance
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		script_path TEXT,
		status TEXT DEFAULT 'running',
		operations_total INTEGER DEFAULT 0,
		transfers_submitted INTEGER DEFAULT 0,
		waits_completed INTEGER DEFAULT 0,
		receipts_received INTEGER DEFAULT 0,
		receipt_timeouts INTEGER DEFAULT 0,
		effects_cleared INTEGER DEFAULT 0,
		recoveries INTEGER DEFAULT 0,
		error_message TEXT,
		latency_stats TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record at run start.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, script_path, status, operations_total)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, run.ScriptPath, run.Status, run.OperationsTotal)

	return err
}

// CompleteRun records the final state of a run.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, run *RunRecord) error {
	latencyJSON := ""
	if run.Latency != nil {
		data, err := json.Marshal(run.Latency)
		if err != nil {
			return fmt.Errorf("failed to marshal latency stats: %w", err)
		}
		latencyJSON = string(data)
	}

	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?,
			status = ?,
			operations_total = ?,
			transfers_submitted = ?,
			waits_completed = ?,
			receipts_received = ?,
			receipt_timeouts = ?,
			effects_cleared = ?,
			recoveries = ?,
			error_message = ?,
			latency_stats = ?
		WHERE id = ?
	`, completedAt, run.Status, run.OperationsTotal,
		run.TransfersSubmitted, run.WaitsCompleted, run.ReceiptsReceived,
		run.ReceiptTimeouts, run.EffectsCleared, run.Recoveries,
		run.ErrorMessage, latencyJSON, run.ID)

	return err
}

// GetRun fetches a run record by ID.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, completed_at, script_path, status,
			operations_total, transfers_submitted, waits_completed,
			receipts_received, receipt_timeouts, effects_cleared,
			recoveries, error_message, latency_stats
		FROM runs WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns a page of runs, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, completed_at, script_path, status,
			operations_total, transfers_submitted, waits_completed,
			receipts_received, receipt_timeouts, effects_cleared,
			recoveries, error_message, latency_stats
		FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*RunRecord, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun removes a run record.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var (
		run          RunRecord
		completedAt  sql.NullTime
		scriptPath   sql.NullString
		errorMessage sql.NullString
		latencyJSON  sql.NullString
	)

	err := row.Scan(&run.ID, &run.StartedAt, &completedAt, &scriptPath, &run.Status,
		&run.OperationsTotal, &run.TransfersSubmitted, &run.WaitsCompleted,
		&run.ReceiptsReceived, &run.ReceiptTimeouts, &run.EffectsCleared,
		&run.Recoveries, &errorMessage, &latencyJSON)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.ScriptPath = scriptPath.String
	run.ErrorMessage = errorMessage.String
	if latencyJSON.Valid && latencyJSON.String != "" {
		var stats types.LatencyStats
		unmarshalJSON(latencyJSON.String, &stats, "latency_stats", run.ID)
		run.Latency = &stats
	}

	return &run, nil
}
