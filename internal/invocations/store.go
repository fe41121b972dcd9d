package invocations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/watzon/forge/internal/database"
	"github.com/watzon/forge/internal/functions"
)

const (
	table = "function_invocations"

	// DefaultListLimit caps history queries that do not set a limit.
	DefaultListLimit = 50
	MaxListLimit     = 500
)

var columns = []string{
	"id", "function_id", "invocation_id", "success", "error_kind",
	"execution_time_ms", "memory_used_mb", "logs", "created_at",
}

// Store handles database operations for invocation records.
type Store struct {
	db *database.DB
}

// NewStore creates a new invocation store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Insert writes one record.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO function_invocations (
			id, function_id, invocation_id, success, error_kind,
			execution_time_ms, memory_used_mb, logs, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.FunctionID,
		rec.InvocationID,
		rec.Success,
		string(rec.ErrorKind),
		rec.ExecutionTimeMs,
		rec.MemoryUsedMB,
		encodeLogs(rec.Logs),
		database.FormatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("inserting invocation record: %w", err)
	}

	return nil
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	q := s.filtered(opts).
		Select(columns...).
		OrderByDesc("created_at").
		OrderByDesc("id").
		Limit(clampLimit(opts.Limit)).
		Offset(max(opts.Offset, 0))

	query, args := q.Build()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying invocation records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		var errorKind, logs, createdAt string

		if err := rows.Scan(
			&rec.ID,
			&rec.FunctionID,
			&rec.InvocationID,
			&rec.Success,
			&errorKind,
			&rec.ExecutionTimeMs,
			&rec.MemoryUsedMB,
			&logs,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning invocation record: %w", err)
		}

		rec.ErrorKind = functions.ErrorKind(errorKind)
		if err := json.Unmarshal([]byte(logs), &rec.Logs); err != nil {
			return nil, fmt.Errorf("decoding logs of %s: %w", rec.ID, err)
		}
		if rec.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating invocation records: %w", err)
	}

	return records, nil
}

// Count returns the number of records matching opts, ignoring paging.
func (s *Store) Count(ctx context.Context, opts ListOptions) (int64, error) {
	query, args := s.filtered(opts).BuildCount()

	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting invocation records: %w", err)
	}
	return n, nil
}

func (s *Store) filtered(opts ListOptions) *database.Query {
	q := database.NewQuery(table)
	if opts.FunctionID != "" {
		q.Where("function_id", opts.FunctionID)
	}
	if opts.ErrorKind != "" {
		q.Where("error_kind", string(opts.ErrorKind))
	}
	if !opts.Since.IsZero() {
		q.Filter("created_at", database.OpGte, database.FormatTime(opts.Since))
	}
	return q
}

// encodeLogs renders guest log lines as a JSON array.
func encodeLogs(lines []string) string {
	if len(lines) == 0 {
		return "[]"
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// Stats aggregates the history of one function. A function that was never
// invoked yields zero counts and no LastInvokedAt.
func (s *Store) Stats(ctx context.Context, functionID string) (*FunctionStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(success), 0),
			COALESCE(AVG(execution_time_ms), 0),
			COALESCE(AVG(memory_used_mb), 0),
			MAX(created_at)
		FROM function_invocations
		WHERE function_id = ?
	`

	stats := &FunctionStats{FunctionID: functionID}
	var lastInvoked sql.NullString

	err := s.db.QueryRowContext(ctx, query, functionID).Scan(
		&stats.TotalInvocations,
		&stats.SuccessfulInvocations,
		&stats.AvgExecutionTimeMs,
		&stats.AvgMemoryUsedMB,
		&lastInvoked,
	)
	if err != nil {
		return nil, fmt.Errorf("querying invocation stats: %w", err)
	}
	stats.FailedInvocations = stats.TotalInvocations - stats.SuccessfulInvocations

	if lastInvoked.Valid {
		t, err := database.ParseTime(lastInvoked.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last invocation time: %w", err)
		}
		stats.LastInvokedAt = &t
	}

	if stats.FailedInvocations == 0 {
		return stats, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT error_kind, COUNT(*)
		FROM function_invocations
		WHERE function_id = ? AND success = 0
		GROUP BY error_kind
	`, functionID)
	if err != nil {
		return nil, fmt.Errorf("querying failure kinds: %w", err)
	}
	defer rows.Close()

	stats.FailuresByKind = make(map[functions.ErrorKind]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scanning failure kind: %w", err)
		}
		stats.FailuresByKind[functions.ErrorKind(kind)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating failure kinds: %w", err)
	}

	return stats, nil
}

// DeleteOlderThan deletes records created before now minus age and reports
// how many were removed.
func (s *Store) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := database.FormatTime(time.Now().Add(-age))

	result, err := s.db.ExecContext(ctx, `DELETE FROM function_invocations WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old invocation records: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	return rows, nil
}

// DeleteForFunction removes the history of one function.
func (s *Store) DeleteForFunction(ctx context.Context, functionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM function_invocations WHERE function_id = ?`, functionID)
	if err != nil {
		return 0, fmt.Errorf("deleting invocation records: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	return rows, nil
}
