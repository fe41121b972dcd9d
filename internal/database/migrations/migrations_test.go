package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func TestRun(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := Run(ctx, db); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	all, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(all) == 0 {
		t.Fatal("expected embedded migrations")
	}

	version, err := Version(ctx, db)
	if err != nil {
		t.Fatalf("Version() failed: %v", err)
	}
	if want := all[len(all)-1].Version; version != want {
		t.Errorf("expected schema version %d, got %d", want, version)
	}
}

func TestRun_Idempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := Run(ctx, db); err != nil {
		t.Fatalf("first Run() failed: %v", err)
	}
	before, err := Version(ctx, db)
	if err != nil {
		t.Fatalf("Version() failed: %v", err)
	}

	if err := Run(ctx, db); err != nil {
		t.Fatalf("second Run() failed: %v", err)
	}
	after, err := Version(ctx, db)
	if err != nil {
		t.Fatalf("Version() failed: %v", err)
	}

	if before != after {
		t.Errorf("schema version changed on rerun: %d -> %d", before, after)
	}
}

func TestLoad_Ordered(t *testing.T) {
	all, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	for i, m := range all {
		if m.Version != i+1 {
			t.Errorf("migration %d has version %d", i, m.Version)
		}
		if m.Name == "" || m.SQL == "" {
			t.Errorf("migration %d is missing a name or body", m.Version)
		}
	}
}

func TestStatements(t *testing.T) {
	src := `-- a comment; with a semicolon
CREATE TABLE a (id TEXT);

  -- indented comment
CREATE INDEX idx_a ON a(id);
`
	got := statements(src)
	want := []string{"CREATE TABLE a (id TEXT)", "CREATE INDEX idx_a ON a(id)"}
	if len(got) != len(want) {
		t.Fatalf("expected %d statements, got %d: %q", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("statement %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func tableColumns(t *testing.T, db *sql.DB, table string) map[string]bool {
	t.Helper()

	rows, err := db.QueryContext(context.Background(), "PRAGMA table_info("+table+")")
	if err != nil {
		t.Fatalf("getting %s schema: %v", table, err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, pk int
		var dfltValue sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("scanning column info: %v", err)
		}
		columns[name] = true
	}
	return columns
}

func TestFunctionTablesMigration(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := Run(ctx, db); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	required := map[string][]string{
		"functions": {
			"id", "name", "owner_id", "runtime", "code", "code_size", "code_digest",
			"entry_point", "environment", "memory_limit_mb", "timeout_seconds",
			"is_active", "created_at", "updated_at",
		},
		"function_invocations": {
			"id", "function_id", "invocation_id", "success", "error_kind",
			"execution_time_ms", "memory_used_mb", "created_at",
		},
	}

	for table, cols := range required {
		columns := tableColumns(t, db, table)
		for _, col := range cols {
			if !columns[col] {
				t.Errorf("%s missing required column: %s", table, col)
			}
		}
	}

	var indexExists int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='index' AND name='idx_function_invocations_function'
	`).Scan(&indexExists)
	if err != nil {
		t.Fatalf("checking idx_function_invocations_function: %v", err)
	}
	if indexExists != 1 {
		t.Error("idx_function_invocations_function index does not exist")
	}
}

func TestFunctionsUniquePerOwner(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := Run(ctx, db); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	insert := `INSERT INTO functions (id, name, owner_id, code, code_digest, created_at, updated_at)
		VALUES (?, ?, ?, x'00', 'd', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`

	if _, err := db.ExecContext(ctx, insert, "a", "hello", "alice"); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := db.ExecContext(ctx, insert, "b", "hello", "bob"); err != nil {
		t.Fatalf("same name for another owner failed: %v", err)
	}
	if _, err := db.ExecContext(ctx, insert, "c", "hello", "alice"); err == nil {
		t.Error("expected duplicate name for the same owner to fail")
	}
}
