package deploy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/watzon/forge/internal/database"
	"github.com/watzon/forge/internal/functions"
	"github.com/watzon/forge/internal/storage"
)

const metadataColumns = `id, name, owner_id, runtime, code_size, code_digest, entry_point,
	environment, memory_limit_mb, timeout_seconds, is_active, created_at, updated_at`

// Store persists functions in SQLite. Code is kept zstd-compressed.
type Store struct {
	db *database.DB
}

var _ functions.FunctionStore = (*Store)(nil)

// NewStore creates a new function store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Create inserts fn. A duplicate name for the same owner is a validation
// error.
func (s *Store) Create(ctx context.Context, fn *functions.FunctionRecord) error {
	code, env, err := encodeForStorage(fn)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO functions (
			id, name, owner_id, runtime, code, code_size, code_digest, entry_point,
			environment, memory_limit_mb, timeout_seconds, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		fn.ID,
		fn.Name,
		fn.OwnerID,
		string(fn.Runtime),
		code,
		len(fn.Code),
		fn.CodeDigest,
		fn.EntryPoint,
		env,
		fn.MemoryLimitMB,
		fn.TimeoutSeconds,
		fn.IsActive,
		database.FormatTime(fn.CreatedAt),
		database.FormatTime(fn.UpdatedAt),
	)
	if err != nil {
		return s.classify(err, fn.Name)
	}

	return nil
}

// Update replaces every mutable column of fn.
func (s *Store) Update(ctx context.Context, fn *functions.FunctionRecord) error {
	code, env, err := encodeForStorage(fn)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE functions
		SET name = ?, runtime = ?, code = ?, code_size = ?, code_digest = ?, entry_point = ?,
		    environment = ?, memory_limit_mb = ?, timeout_seconds = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`,
		fn.Name,
		string(fn.Runtime),
		code,
		len(fn.Code),
		fn.CodeDigest,
		fn.EntryPoint,
		env,
		fn.MemoryLimitMB,
		fn.TimeoutSeconds,
		fn.IsActive,
		database.FormatTime(fn.UpdatedAt),
		fn.ID,
	)
	if err != nil {
		return s.classify(err, fn.Name)
	}

	return requireAffected(result, fn.ID)
}

// SetActive toggles whether fn can be invoked.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE functions SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, database.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("updating function: %w", err)
	}
	return requireAffected(result, id)
}

// Delete removes a function.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM functions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting function: %w", err)
	}
	return requireAffected(result, id)
}

// GetFunction loads a function with its code.
func (s *Store) GetFunction(ctx context.Context, id string) (*functions.FunctionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+metadataColumns+`, code FROM functions WHERE id = ?`, id)

	fn, err := scanFunction(row, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, functions.NotFoundError(id)
		}
		return nil, fmt.Errorf("querying function: %w", err)
	}

	return &fn.FunctionRecord, nil
}

// Get loads a function's metadata.
func (s *Store) Get(ctx context.Context, id string) (*Function, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+metadataColumns+` FROM functions WHERE id = ?`, id)

	fn, err := scanFunction(row, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, functions.NotFoundError(id)
		}
		return nil, fmt.Errorf("querying function: %w", err)
	}

	return fn, nil
}

// FindByName looks a function up by owner and name.
func (s *Store) FindByName(ctx context.Context, ownerID, name string) (*Function, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+metadataColumns+` FROM functions WHERE owner_id = ? AND name = ?`,
		ownerID, name,
	)

	fn, err := scanFunction(row, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, functions.NotFoundError(ownerID + "/" + name)
		}
		return nil, fmt.Errorf("querying function: %w", err)
	}

	return fn, nil
}

// List returns the functions of ownerID, or of every owner when ownerID is
// empty, ordered by name.
func (s *Store) List(ctx context.Context, ownerID string) ([]*Function, error) {
	q := database.NewQuery("functions").
		Select(metadataColumns).
		OrderBy("owner_id").
		OrderBy("name")
	if ownerID != "" {
		q.Where("owner_id", ownerID)
	}

	query, args := q.Build()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying functions: %w", err)
	}
	defer rows.Close()

	fns := []*Function{}
	for rows.Next() {
		fn, err := scanFunction(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scanning function: %w", err)
		}
		fns = append(fns, fn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating functions: %w", err)
	}

	return fns, nil
}

func (s *Store) classify(err error, name string) error {
	if database.IsUniqueViolation(err) {
		return functions.ValidationError("function %q already exists", name)
	}
	return fmt.Errorf("writing function: %w", err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFunction(row scanner, withCode bool) (*Function, error) {
	var fn Function
	var runtime, env, createdAt, updatedAt string
	var compressed []byte

	dest := []any{
		&fn.ID,
		&fn.Name,
		&fn.OwnerID,
		&runtime,
		&fn.CodeSize,
		&fn.CodeDigest,
		&fn.EntryPoint,
		&env,
		&fn.MemoryLimitMB,
		&fn.TimeoutSeconds,
		&fn.IsActive,
		&createdAt,
		&updatedAt,
	}
	if withCode {
		dest = append(dest, &compressed)
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	fn.Runtime = functions.RuntimeKind(runtime)

	if env != "" && env != "{}" {
		if err := json.Unmarshal([]byte(env), &fn.Environment); err != nil {
			return nil, fmt.Errorf("decoding environment of %s: %w", fn.ID, err)
		}
	}

	var err error
	if fn.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if fn.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}

	if withCode {
		fn.Code, err = storage.DecompressBytes(storage.CodecZstd, compressed)
		if err != nil {
			return nil, fmt.Errorf("decoding code of %s: %w", fn.ID, err)
		}
	}

	return &fn, nil
}

func encodeForStorage(fn *functions.FunctionRecord) ([]byte, string, error) {
	code, err := storage.Compress(storage.CodecZstd, fn.Code)
	if err != nil {
		return nil, "", fmt.Errorf("compressing code: %w", err)
	}

	env := "{}"
	if len(fn.Environment) > 0 {
		data, err := json.Marshal(fn.Environment)
		if err != nil {
			return nil, "", fmt.Errorf("encoding environment: %w", err)
		}
		env = string(data)
	}

	return code, env, nil
}

func requireAffected(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return functions.NotFoundError(id)
	}
	return nil
}

func stamp(fn *functions.FunctionRecord, now time.Time) {
	if fn.CreatedAt.IsZero() {
		fn.CreatedAt = now
	}
	fn.UpdatedAt = now
}
