package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/overseer/overseer/internal/agent"
	"github.com/overseer/overseer/internal/store"
)

// SaveAgent inserts a new agent row and returns its assigned id.
func (g *Gateway) SaveAgent(ctx context.Context, a *agent.Agent) (int64, error) {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	query := g.db.Rebind(`
		INSERT INTO agents (
			name, status, role, model, pid, current_mission_id, worktree_path,
			tasks_completed, tasks_failed, total_duration_ms, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	result, err := g.db.ExecContext(ctx, query,
		a.Name, string(a.Status), string(a.Role), string(a.Model),
		a.PID, a.CurrentMissionID, a.WorktreePath,
		a.TasksCompleted, a.TasksFailed, a.TotalDurationMs,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return 0, store.NewStorageError(store.ErrIO, "save_agent", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, store.NewStorageError(store.ErrIO, "save_agent", err)
	}
	a.ID = id
	return id, nil
}

// UpdateAgent persists the mutable fields of an agent.
func (g *Gateway) UpdateAgent(ctx context.Context, a *agent.Agent) error {
	a.UpdatedAt = time.Now().UTC()
	query := g.db.Rebind(`
		UPDATE agents SET
			name = ?, status = ?, role = ?, model = ?, pid = ?,
			current_mission_id = ?, worktree_path = ?,
			tasks_completed = ?, tasks_failed = ?, total_duration_ms = ?,
			updated_at = ?
		WHERE id = ?`)

	result, err := g.db.ExecContext(ctx, query,
		a.Name, string(a.Status), string(a.Role), string(a.Model), a.PID,
		a.CurrentMissionID, a.WorktreePath,
		a.TasksCompleted, a.TasksFailed, a.TotalDurationMs,
		a.UpdatedAt, a.ID,
	)
	if err != nil {
		return store.NewStorageError(store.ErrIO, "update_agent", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return store.NewStorageError(store.ErrIO, "update_agent", err)
	}
	if rows == 0 {
		return store.NewStorageError(store.ErrNotFound, "update_agent", fmt.Errorf("agent not found: %d", a.ID))
	}
	return nil
}

// GetAgent loads one agent by id.
func (g *Gateway) GetAgent(ctx context.Context, id int64) (*agent.Agent, error) {
	query := g.db.Rebind(selectAgentColumns + " FROM agents WHERE id = ?")
	a, err := scanAgent(g.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, store.NewStorageError(store.ErrNotFound, "get_agent", fmt.Errorf("agent not found: %d", id))
	}
	if err != nil {
		return nil, store.NewStorageError(store.ErrIO, "get_agent", err)
	}
	return a, nil
}

// ListAgents returns all agent rows ordered by id.
func (g *Gateway) ListAgents(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := g.db.QueryContext(ctx, selectAgentColumns+" FROM agents ORDER BY id ASC")
	if err != nil {
		return nil, store.NewStorageError(store.ErrIO, "list_agents", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, store.NewStorageError(store.ErrIO, "list_agents", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStorageError(store.ErrIO, "list_agents", err)
	}
	return agents, nil
}

const selectAgentColumns = `
	SELECT id, name, status, role, model, pid, current_mission_id, worktree_path,
		tasks_completed, tasks_failed, total_duration_ms, created_at, updated_at`

func scanAgent(row rowScanner) (*agent.Agent, error) {
	var a agent.Agent
	var status, role, model string
	var pid sql.NullInt64

	err := row.Scan(
		&a.ID, &a.Name, &status, &role, &model, &pid,
		&a.CurrentMissionID, &a.WorktreePath,
		&a.TasksCompleted, &a.TasksFailed, &a.TotalDurationMs,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = agent.Status(status)
	a.Role = agent.Role(role)
	a.Model = agent.ModelTier(model)
	if pid.Valid {
		a.PID = int(pid.Int64)
	}
	return &a, nil
}
