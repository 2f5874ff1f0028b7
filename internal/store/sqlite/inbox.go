package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/overseer/overseer/internal/mission/models"
	"github.com/overseer/overseer/internal/store"
)

// SaveInboxEntry writes a durable delivery record for a claimed mission.
func (g *Gateway) SaveInboxEntry(ctx context.Context, e *store.InboxEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := g.db.Rebind(`
		INSERT OR REPLACE INTO agent_tasks (
			id, agent_id, prompt, context, priority, status,
			result, error, input_tokens, output_tokens, duration_ms,
			created_at, started_at, completed_at,
			session_id, unified_task_id, parent_mission_id, execution_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := g.db.ExecContext(ctx, query,
		e.ID, e.AgentID, e.Prompt, e.Context, string(e.Priority), string(e.Status),
		e.Result, e.Error, e.InputTokens, e.OutputTokens, e.DurationMs,
		e.CreatedAt, e.StartedAt, e.CompletedAt,
		e.SessionID, nullIfZero(e.RequirementID), e.MissionID, e.ExecutionID,
	)
	if err != nil {
		return store.NewStorageError(store.ErrIO, "save_inbox_entry", err)
	}
	return nil
}

// UpdateInboxEntry persists the outcome fields of a delivery record.
func (g *Gateway) UpdateInboxEntry(ctx context.Context, e *store.InboxEntry) error {
	query := g.db.Rebind(`
		UPDATE agent_tasks SET
			status = ?, result = ?, error = ?,
			input_tokens = ?, output_tokens = ?, duration_ms = ?,
			started_at = ?, completed_at = ?, session_id = ?
		WHERE id = ?`)

	result, err := g.db.ExecContext(ctx, query,
		string(e.Status), e.Result, e.Error,
		e.InputTokens, e.OutputTokens, e.DurationMs,
		e.StartedAt, e.CompletedAt, e.SessionID, e.ID,
	)
	if err != nil {
		return store.NewStorageError(store.ErrIO, "update_inbox_entry", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return store.NewStorageError(store.ErrIO, "update_inbox_entry", err)
	}
	if rows == 0 {
		return store.NewStorageError(store.ErrNotFound, "update_inbox_entry", fmt.Errorf("inbox entry not found: %s", e.ID))
	}
	return nil
}

// ListInboxEntries returns the delivery records for one agent, newest first.
func (g *Gateway) ListInboxEntries(ctx context.Context, agentID int64) ([]*store.InboxEntry, error) {
	query := g.db.Rebind(selectInboxColumns + `
		FROM agent_tasks WHERE agent_id = ? ORDER BY created_at DESC`)
	rows, err := g.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, store.NewStorageError(store.ErrIO, "list_inbox_entries", err)
	}
	defer func() { _ = rows.Close() }()
	return collectInboxEntries(rows, "list_inbox_entries")
}

// GetInboxEntryByMission returns the most recent delivery record for a mission.
func (g *Gateway) GetInboxEntryByMission(ctx context.Context, missionID string) (*store.InboxEntry, error) {
	query := g.db.Rebind(selectInboxColumns + `
		FROM agent_tasks WHERE parent_mission_id = ?
		ORDER BY created_at DESC LIMIT 1`)
	e, err := scanInboxEntry(g.db.QueryRowContext(ctx, query, missionID))
	if err == sql.ErrNoRows {
		return nil, store.NewStorageError(store.ErrNotFound, "get_inbox_entry", fmt.Errorf("no inbox entry for mission %s", missionID))
	}
	if err != nil {
		return nil, store.NewStorageError(store.ErrIO, "get_inbox_entry", err)
	}
	return e, nil
}

const selectInboxColumns = `
	SELECT id, agent_id, prompt, context, priority, status,
		result, error, input_tokens, output_tokens, duration_ms,
		created_at, started_at, completed_at,
		session_id, unified_task_id, parent_mission_id, execution_id`

func scanInboxEntry(row rowScanner) (*store.InboxEntry, error) {
	var e store.InboxEntry
	var priority, status string
	var startedAt, completedAt sql.NullTime
	var requirementID sql.NullInt64

	err := row.Scan(
		&e.ID, &e.AgentID, &e.Prompt, &e.Context, &priority, &status,
		&e.Result, &e.Error, &e.InputTokens, &e.OutputTokens, &e.DurationMs,
		&e.CreatedAt, &startedAt, &completedAt,
		&e.SessionID, &requirementID, &e.MissionID, &e.ExecutionID,
	)
	if err != nil {
		return nil, err
	}
	e.Priority = models.Priority(priority)
	e.Status = models.Status(status)
	if startedAt.Valid {
		t := startedAt.Time
		e.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	if requirementID.Valid {
		e.RequirementID = requirementID.Int64
	}
	return &e, nil
}

func collectInboxEntries(rows *sql.Rows, op string) ([]*store.InboxEntry, error) {
	var entries []*store.InboxEntry
	for rows.Next() {
		e, err := scanInboxEntry(rows)
		if err != nil {
			return nil, store.NewStorageError(store.ErrIO, op, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStorageError(store.ErrIO, op, err)
	}
	return entries, nil
}
