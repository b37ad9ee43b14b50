package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesSchema(t *testing.T) {
	db := openTest(t)

	rows, err := db.QueryContext(context.Background(),
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	tables := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		tables[name] = true
	}
	require.NoError(t, rows.Err())

	for _, want := range []string{
		"audit_log", "hitl_requests", "plan_plans", "plan_tasks",
		"memory_nodes", "memory_edges", "memory_nodes_fts",
	} {
		assert.True(t, tables[want], "missing table %s", want)
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data", "test.db")
	db, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening the same file reapplies the schema without error.
	db, err = Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestFTSTriggersTrackNodes(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx,
		`INSERT INTO memory_nodes (id, name, content, entity_type, tags, metadata, created_at, updated_at)
		 VALUES ('n1', 'deploy runbook', 'steps for the canary rollout', 'note', '[]', '{}', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM memory_nodes_fts WHERE memory_nodes_fts MATCH 'canary'`).Scan(&count))
	assert.Equal(t, 1, count)

	_, err = db.ExecContext(ctx,
		`UPDATE memory_nodes SET content = 'steps for the blue green rollout', updated_at = '2026-01-02T00:00:00Z' WHERE id = 'n1'`)
	require.NoError(t, err)

	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM memory_nodes_fts WHERE memory_nodes_fts MATCH 'canary'`).Scan(&count))
	assert.Equal(t, 0, count)
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM memory_nodes_fts WHERE memory_nodes_fts MATCH 'green'`).Scan(&count))
	assert.Equal(t, 1, count)

	_, err = db.ExecContext(ctx, `DELETE FROM memory_nodes WHERE id = 'n1'`)
	require.NoError(t, err)
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM memory_nodes_fts WHERE memory_nodes_fts MATCH 'rollout'`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestForeignKeysCascade(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx,
		`INSERT INTO memory_nodes (id, name, content, created_at, updated_at)
		 VALUES ('a', 'a', 'a', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z'),
		        ('b', 'b', 'b', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`INSERT INTO memory_edges (id, source_id, target_id, relation, created_at)
		 VALUES ('e1', 'a', 'b', 'relates_to', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `DELETE FROM memory_nodes WHERE id = 'a'`)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM memory_edges`).Scan(&count))
	assert.Equal(t, 0, count)
}
