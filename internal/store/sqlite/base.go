// Package sqlite provides the SQLite-backed persistence gateway.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Gateway provides SQLite-based storage for missions, agents, the delivery
// inbox, business requirements, learnings, and search feedback.
type Gateway struct {
	db     *sqlx.DB
	ownsDB bool
}

// Open creates a gateway over the SQLite file at path, initializing the
// schema. Use ":memory:" for tests.
func Open(path string) (*Gateway, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	if path == ":memory:" {
		// WAL is not applicable to in-memory databases; keep a single shared
		// connection so every statement sees the same database.
		dsn = "file::memory:?cache=shared&_foreign_keys=on"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return newGateway(db, true)
}

// NewWithDB creates a gateway with an existing connection (shared ownership).
func NewWithDB(db *sqlx.DB) (*Gateway, error) {
	return newGateway(db, false)
}

func newGateway(db *sqlx.DB, ownsDB bool) (*Gateway, error) {
	g := &Gateway{db: db, ownsDB: ownsDB}
	if err := g.initSchema(); err != nil {
		if ownsDB {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return g, nil
}

// Close closes the database connection.
func (g *Gateway) Close() error {
	if !g.ownsDB {
		return nil
	}
	return g.db.Close()
}

// DB returns the underlying sql.DB instance for shared access.
func (g *Gateway) DB() *sql.DB {
	return g.db.DB
}

// initSchema creates the database tables if they don't exist.
func (g *Gateway) initSchema() error {
	if err := g.initMissionSchema(); err != nil {
		return err
	}
	if err := g.initAgentSchema(); err != nil {
		return err
	}
	if err := g.initLearningSchema(); err != nil {
		return err
	}
	return g.runMigrations()
}

func (g *Gateway) initMissionSchema() error {
	_, err := g.db.Exec(`
	CREATE TABLE IF NOT EXISTS missions (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		context TEXT DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'normal',
		type TEXT NOT NULL DEFAULT 'general',
		status TEXT NOT NULL DEFAULT 'pending',
		timeout_ms INTEGER NOT NULL DEFAULT 300000,
		max_retries INTEGER NOT NULL DEFAULT 3,
		retry_count INTEGER NOT NULL DEFAULT 0,
		retry_delay_ms INTEGER NOT NULL DEFAULT 0,
		depends_on TEXT DEFAULT '[]',
		assigned_to INTEGER,
		recommended_role TEXT NOT NULL DEFAULT '',
		recommended_model TEXT NOT NULL DEFAULT '',
		error TEXT,
		result TEXT,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		execution_id TEXT,
		parent_mission_id TEXT DEFAULT '',
		unified_task_id INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);
	CREATE INDEX IF NOT EXISTS idx_missions_unified_task_id ON missions(unified_task_id);

	CREATE TABLE IF NOT EXISTS unified_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		priority TEXT NOT NULL DEFAULT 'normal',
		domain TEXT NOT NULL DEFAULT 'project',
		component TEXT DEFAULT '',
		session_id TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (g *Gateway) initAgentSchema() error {
	_, err := g.db.Exec(`
	CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'starting',
		role TEXT NOT NULL DEFAULT 'generalist',
		model TEXT NOT NULL DEFAULT 'sonnet',
		pid INTEGER,
		current_mission_id TEXT DEFAULT '',
		worktree_path TEXT DEFAULT '',
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		tasks_failed INTEGER NOT NULL DEFAULT 0,
		total_duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_tasks (
		id TEXT PRIMARY KEY,
		agent_id INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		context TEXT DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'normal',
		status TEXT NOT NULL DEFAULT 'queued',
		result TEXT DEFAULT '',
		error TEXT DEFAULT '',
		input_tokens INTEGER DEFAULT 0,
		output_tokens INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		session_id TEXT DEFAULT '',
		unified_task_id INTEGER,
		parent_mission_id TEXT DEFAULT '',
		execution_id TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_agent_tasks_unified_task_id ON agent_tasks(unified_task_id);
	CREATE INDEX IF NOT EXISTS idx_agent_tasks_parent_mission_id ON agent_tasks(parent_mission_id);
	CREATE INDEX IF NOT EXISTS idx_agent_tasks_agent_id ON agent_tasks(agent_id);
	`)
	return err
}

func (g *Gateway) initLearningSchema() error {
	_, err := g.db.Exec(`
	CREATE TABLE IF NOT EXISTS learnings (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		confidence TEXT NOT NULL DEFAULT 'low',
		validation_count INTEGER NOT NULL DEFAULT 0,
		source_session_id TEXT DEFAULT '',
		source_task_id INTEGER,
		source_mission_id TEXT DEFAULT '',
		agent_id INTEGER,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_learnings_source_session_id ON learnings(source_session_id);
	CREATE INDEX IF NOT EXISTS idx_learnings_source_mission_id ON learnings(source_mission_id);
	CREATE INDEX IF NOT EXISTS idx_learnings_source_task_id ON learnings(source_task_id);

	CREATE TABLE IF NOT EXISTS search_feedback (
		id TEXT PRIMARY KEY,
		query TEXT NOT NULL,
		search_type TEXT NOT NULL,
		results_shown TEXT DEFAULT '[]',
		result_selected TEXT DEFAULT '',
		result_expected TEXT DEFAULT '',
		position_shown INTEGER DEFAULT 0,
		position_expected INTEGER DEFAULT 0,
		latency_ms INTEGER DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT 'unknown',
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
func (g *Gateway) runMigrations() error {
	// Add retry_delay_ms to databases created before adaptive retry landed
	// (ignore error if the column already exists).
	_, _ = g.db.Exec(`ALTER TABLE missions ADD COLUMN retry_delay_ms INTEGER NOT NULL DEFAULT 0`)
	// Routing hints carried from decomposition plans.
	_, _ = g.db.Exec(`ALTER TABLE missions ADD COLUMN recommended_role TEXT NOT NULL DEFAULT ''`)
	_, _ = g.db.Exec(`ALTER TABLE missions ADD COLUMN recommended_model TEXT NOT NULL DEFAULT ''`)
	return nil
}
