package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
)

// SQLRepository provides the sqlx-backed entity store. It supports both
// PostgreSQL (production) and SQLite (single-node development).
type SQLRepository struct {
	db      *sqlx.DB
	dialect string // "postgres" or "sqlite3"
}

var _ Repository = (*SQLRepository)(nil)

// OpenPostgres opens the entity store on a PostgreSQL DSN using pgx.
func OpenPostgres(dsn string, maxConns, minConns int) (*SQLRepository, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	repo := &SQLRepository{db: db, dialect: "postgres"}
	if err := repo.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// OpenSQLite opens the entity store on a local SQLite file.
func OpenSQLite(dbPath string) (*SQLRepository, error) {
	normalized := normalizeSQLitePath(dbPath)
	if dir := filepath.Dir(normalized); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_mode=rwc", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLRepository{db: db, dialect: "sqlite3"}
	if err := repo.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func normalizeSQLitePath(dbPath string) string {
	if strings.HasPrefix(dbPath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dbPath = filepath.Join(home, dbPath[2:])
		}
	}
	if abs, err := filepath.Abs(dbPath); err == nil {
		return abs
	}
	return dbPath
}

func (r *SQLRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		image_ref TEXT NOT NULL,
		default_resources TEXT NOT NULL DEFAULT '{}',
		packages TEXT NOT NULL DEFAULT '[]',
		security_context TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL REFERENCES templates(id),
		status TEXT NOT NULL DEFAULT 'creating',
		runtime_kind TEXT NOT NULL,
		runtime_node_id TEXT,
		container_handle TEXT,
		workspace_uri TEXT NOT NULL,
		resources TEXT NOT NULL DEFAULT '{}',
		env_vars TEXT NOT NULL DEFAULT '{}',
		timeout_seconds INTEGER NOT NULL DEFAULT 0,
		requested_dependencies TEXT NOT NULL DEFAULT '[]',
		installed_dependencies TEXT NOT NULL DEFAULT '[]',
		dependency_status TEXT NOT NULL DEFAULT 'none',
		failure_reason TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 1,
		last_activity_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_node ON sessions(runtime_node_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status_activity ON sessions(status, last_activity_at);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		code TEXT NOT NULL,
		language TEXT NOT NULL,
		event TEXT NOT NULL DEFAULT 'null',
		status TEXT NOT NULL DEFAULT 'pending',
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		execution_time_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		return_value TEXT NOT NULL DEFAULT 'null',
		metrics TEXT NOT NULL DEFAULT 'null',
		artifacts TEXT NOT NULL DEFAULT '[]',
		timeout_seconds INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_heartbeat_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_executions_status_heartbeat ON executions(status, last_heartbeat_at);

	CREATE TABLE IF NOT EXISTS runtime_nodes (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'online',
		cpu_total DOUBLE PRECISION NOT NULL DEFAULT 0,
		cpu_used DOUBLE PRECISION NOT NULL DEFAULT 0,
		memory_total BIGINT NOT NULL DEFAULT 0,
		memory_used BIGINT NOT NULL DEFAULT 0,
		container_count INTEGER NOT NULL DEFAULT 0,
		capacity_cap INTEGER NOT NULL DEFAULT 0,
		cached_images TEXT NOT NULL DEFAULT '[]',
		workspace_dir TEXT NOT NULL DEFAULT '',
		last_heartbeat_at TIMESTAMP NOT NULL,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runtime_nodes_status ON runtime_nodes(status);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Ping verifies store connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return apperrors.StoreUnavailable(err)
	}
	return nil
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// DB exposes the underlying handle for migrations and tests.
func (r *SQLRepository) DB() *sqlx.DB {
	return r.db
}

// rebind translates ?-style placeholders to the dialect's form.
func (r *SQLRepository) rebind(query string) string {
	if r.dialect == "postgres" {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return query
}

// wrapStoreErr classifies driver errors into the store's error kinds.
func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "FOREIGN KEY") || strings.Contains(msg, "foreign key") ||
		strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate key") {
		return apperrors.StoreIntegrity(fmt.Sprintf("%s violated a constraint", op), err)
	}
	return apperrors.StoreUnavailable(fmt.Errorf("%s: %w", op, err))
}

func marshalJSON(v any) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func marshalStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	return marshalJSON(v)
}

func unmarshalStrings(data string) []string {
	if data == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func unmarshalInto(data string, v any) error {
	if data == "" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

func rawJSON(data string) json.RawMessage {
	if data == "" || data == "null" {
		return nil
	}
	return json.RawMessage(data)
}

func rawOrNull(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
