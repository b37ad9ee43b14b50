// Package store owns the sqlite database backing all persistent HostBridge
// state: the audit log, HITL requests, plans, and the knowledge graph with
// its full-text index.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the sql handle so stores share one pool and one schema.
type DB struct {
	*sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if necessary) the sqlite file at path, enables WAL
// and foreign keys, and applies the schema.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir %s: %w", dir, err)
		}
	}

	dsn := "file:" + url.PathEscape(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	db := &DB{DB: handle, path: path, logger: logger}
	if err := db.migrate(context.Background()); err != nil {
		_ = handle.Close()
		return nil, err
	}
	logger.Info("database_connected", "path", path)
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			tool_category TEXT NOT NULL,
			protocol TEXT NOT NULL,
			request_params TEXT NOT NULL,
			response_body TEXT,
			status TEXT NOT NULL,
			duration_ms INTEGER,
			error_message TEXT,
			hitl_request_id TEXT,
			workspace_dir TEXT,
			client_info TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_log(tool_name, tool_category)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_status ON audit_log(status)`,

		`CREATE TABLE IF NOT EXISTS hitl_requests (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			tool_category TEXT NOT NULL,
			request_params TEXT NOT NULL,
			request_context TEXT NOT NULL,
			policy_rule_matched TEXT NOT NULL,
			status TEXT NOT NULL,
			reviewed_by TEXT,
			reviewed_at TEXT,
			reviewer_note TEXT,
			execution_result TEXT,
			ttl_seconds INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hitl_status ON hitl_requests(status)`,
		`CREATE INDEX IF NOT EXISTS idx_hitl_created ON hitl_requests(created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS plan_plans (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			on_failure TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plan_name ON plan_plans(name)`,
		`CREATE TABLE IF NOT EXISTS plan_tasks (
			id TEXT NOT NULL,
			plan_id TEXT NOT NULL REFERENCES plan_plans(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			tool_category TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			params TEXT NOT NULL,
			depends_on TEXT NOT NULL,
			on_failure TEXT,
			require_hitl INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			output TEXT,
			error TEXT,
			started_at TEXT,
			completed_at TEXT,
			execution_level INTEGER NOT NULL,
			PRIMARY KEY (plan_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plan_tasks_plan ON plan_tasks(plan_id, execution_level)`,

		`CREATE TABLE IF NOT EXISTS memory_nodes (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			content TEXT NOT NULL,
			entity_type TEXT NOT NULL DEFAULT 'note',
			tags TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			source TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_edges (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL REFERENCES memory_nodes(id) ON DELETE CASCADE,
			target_id TEXT NOT NULL REFERENCES memory_nodes(id) ON DELETE CASCADE,
			relation TEXT NOT NULL,
			weight REAL NOT NULL DEFAULT 1.0,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			valid_from TEXT,
			valid_until TEXT,
			UNIQUE (source_id, target_id, relation)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_edges_source ON memory_edges(source_id, relation)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_edges_target ON memory_edges(target_id, relation)`,

		// External-content FTS index over (name, content, tags), kept
		// consistent by triggers so search never needs a manual rebuild.
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_nodes_fts USING fts5(
			name, content, tags,
			content='memory_nodes', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memory_nodes_ai AFTER INSERT ON memory_nodes BEGIN
			INSERT INTO memory_nodes_fts(rowid, name, content, tags)
			VALUES (new.rowid, new.name, new.content, new.tags);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_nodes_ad AFTER DELETE ON memory_nodes BEGIN
			INSERT INTO memory_nodes_fts(memory_nodes_fts, rowid, name, content, tags)
			VALUES ('delete', old.rowid, old.name, old.content, old.tags);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_nodes_au AFTER UPDATE ON memory_nodes BEGIN
			INSERT INTO memory_nodes_fts(memory_nodes_fts, rowid, name, content, tags)
			VALUES ('delete', old.rowid, old.name, old.content, old.tags);
			INSERT INTO memory_nodes_fts(rowid, name, content, tags)
			VALUES (new.rowid, new.name, new.content, new.tags);
		END`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	db.logger.Info("database_schema_initialized")
	return nil
}

// Close closes the underlying handle.
func (db *DB) Close() error {
	db.logger.Info("database_closed", "path", db.path)
	return db.DB.Close()
}
