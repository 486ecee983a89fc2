package migrations

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestGetInitialSchema_Embedded(t *testing.T) {
	schema, err := GetInitialSchema()
	require.NoError(t, err)
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS forward_tasks")
	assert.Contains(t, schema, "idx_forward_tasks_pending_key")
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS settings")
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS forward_status")
}

func TestLoad_FromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_second.sql"), []byte("CREATE TABLE b (id INTEGER);"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_first.sql"), []byte("CREATE TABLE a (id INTEGER);"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0600))

	original := MigrationsDir
	MigrationsDir = dir
	defer func() { MigrationsDir = original }()

	all, err := Load()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].Version)
	assert.Equal(t, "002_second.sql", all[1].Name)
}

func TestLoad_InvalidVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc_schema.sql"), []byte("SELECT 1;"), 0600))

	original := MigrationsDir
	MigrationsDir = dir
	defer func() { MigrationsDir = original }()

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_EmptyDirectory(t *testing.T) {
	original := MigrationsDir
	MigrationsDir = t.TempDir()
	defer func() { MigrationsDir = original }()

	_, err := GetInitialSchema()
	assert.Error(t, err)
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := openMemoryDB(t)
	ctx := context.Background()

	applied, err := RunMigrations(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, applied)

	applied, err = RunMigrations(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, applied)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRunMigrations_PendingKeyIsUnique(t *testing.T) {
	db := openMemoryDB(t)
	_, err := RunMigrations(context.Background(), db)
	require.NoError(t, err)

	insert := `INSERT INTO forward_tasks (id, task_key, payload, backoff_base_ms, state, next_run_at, created_at, updated_at)
		VALUES (?, 'k', '{}', 15000, ?, 0, 0, 0)`

	_, err = db.Exec(insert, "a", "PENDING")
	require.NoError(t, err)
	_, err = db.Exec(insert, "b", "PENDING")
	assert.Error(t, err, "second pending task for the same key must violate the partial index")

	_, err = db.Exec(insert, "c", "SUCCEEDED")
	assert.NoError(t, err)
	_, err = db.Exec(insert, "d", "RUNNING")
	assert.NoError(t, err)
}

func TestRunMigrations_BrokenSQL(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_broken.sql"), []byte("CREATE TABLE ("), 0600))

	original := MigrationsDir
	MigrationsDir = dir
	defer func() { MigrationsDir = original }()

	_, err := RunMigrations(context.Background(), openMemoryDB(t))
	assert.Error(t, err)
}
