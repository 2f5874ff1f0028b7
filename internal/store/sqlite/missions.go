package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/overseer/overseer/internal/mission/models"
	"github.com/overseer/overseer/internal/store"
)

// SaveMission inserts or replaces a mission row.
func (g *Gateway) SaveMission(ctx context.Context, m *models.Mission) error {
	dependsOn, err := json.Marshal(m.DependsOn)
	if err != nil {
		return store.NewStorageError(store.ErrConstraint, "save_mission", err)
	}
	errJSON, resultJSON, err := marshalOutcome(m.Error, m.Result)
	if err != nil {
		return store.NewStorageError(store.ErrConstraint, "save_mission", err)
	}

	query := g.db.Rebind(`
		INSERT OR REPLACE INTO missions (
			id, prompt, context, priority, type, status,
			timeout_ms, max_retries, retry_count, retry_delay_ms,
			depends_on, assigned_to, recommended_role, recommended_model,
			error, result,
			created_at, started_at, completed_at,
			execution_id, parent_mission_id, unified_task_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = g.db.ExecContext(ctx, query,
		m.ID, m.Prompt, m.Context, string(m.Priority), string(m.Type), string(m.Status),
		m.TimeoutMs, m.MaxRetries, m.RetryCount, m.RetryDelayMs,
		string(dependsOn), m.AssignedTo, m.RecommendedRole, m.RecommendedModel,
		errJSON, resultJSON,
		m.CreatedAt, m.StartedAt, m.CompletedAt,
		nullIfEmpty(m.ExecutionID), m.ParentMissionID, nullIfZero(m.RequirementID),
	)
	if err != nil {
		return store.NewStorageError(store.ErrIO, "save_mission", err)
	}
	return nil
}

// UpdateMissionStatus transitions a mission and applies the optional fields
// the transition carries.
func (g *Gateway) UpdateMissionStatus(ctx context.Context, id string, status models.Status, update store.MissionUpdate) error {
	sets := "status = ?"
	args := []interface{}{string(status)}

	if update.AssignedTo != nil {
		sets += ", assigned_to = ?"
		args = append(args, *update.AssignedTo)
	} else if update.ClearAssignment {
		sets += ", assigned_to = NULL"
	}
	if update.ExecutionID != nil {
		sets += ", execution_id = ?"
		args = append(args, *update.ExecutionID)
	} else if update.ClearExecution {
		sets += ", execution_id = NULL"
	}
	if update.StartedAt != nil {
		sets += ", started_at = ?"
		args = append(args, *update.StartedAt)
	} else if update.ClearStartedAt {
		sets += ", started_at = NULL"
	}
	if update.CompletedAt != nil {
		sets += ", completed_at = ?"
		args = append(args, *update.CompletedAt)
	}
	if update.RetryCount != nil {
		sets += ", retry_count = ?"
		args = append(args, *update.RetryCount)
	}
	if update.Priority != nil {
		sets += ", priority = ?"
		args = append(args, string(*update.Priority))
	}
	if update.Error != nil {
		data, err := json.Marshal(update.Error)
		if err != nil {
			return store.NewStorageError(store.ErrConstraint, "update_mission_status", err)
		}
		sets += ", error = ?"
		args = append(args, string(data))
	}
	if update.Result != nil {
		data, err := json.Marshal(update.Result)
		if err != nil {
			return store.NewStorageError(store.ErrConstraint, "update_mission_status", err)
		}
		sets += ", result = ?"
		args = append(args, string(data))
	}

	args = append(args, id)
	query := g.db.Rebind("UPDATE missions SET " + sets + " WHERE id = ?")
	result, err := g.db.ExecContext(ctx, query, args...)
	if err != nil {
		return store.NewStorageError(store.ErrIO, "update_mission_status", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return store.NewStorageError(store.ErrIO, "update_mission_status", err)
	}
	if rows == 0 {
		return store.NewStorageError(store.ErrNotFound, "update_mission_status", fmt.Errorf("mission not found: %s", id))
	}
	return nil
}

// AtomicClaim binds a mission to an agent in one conditional update. The
// predicate requires status queued and no execution bound; a second claimer
// finds zero rows affected and loses.
func (g *Gateway) AtomicClaim(ctx context.Context, missionID string, agentID int64, executionID string) (store.ClaimResult, error) {
	query := g.db.Rebind(`
		UPDATE missions
		SET status = 'running', assigned_to = ?, execution_id = ?, started_at = ?
		WHERE id = ? AND status = 'queued' AND execution_id IS NULL`)

	result, err := g.db.ExecContext(ctx, query, agentID, executionID, time.Now().UTC(), missionID)
	if err != nil {
		return store.ClaimResult{}, store.NewStorageError(store.ErrIO, "atomic_claim", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return store.ClaimResult{}, store.NewStorageError(store.ErrIO, "atomic_claim", err)
	}
	if rows == 0 {
		return store.ClaimResult{Success: false}, nil
	}
	return store.ClaimResult{Success: true, ExecutionID: executionID}, nil
}

// GetMission loads one mission by id.
func (g *Gateway) GetMission(ctx context.Context, id string) (*models.Mission, error) {
	query := g.db.Rebind(selectMissionColumns + " FROM missions WHERE id = ?")
	m, err := scanMission(g.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, store.NewStorageError(store.ErrNotFound, "get_mission", fmt.Errorf("mission not found: %s", id))
	}
	if err != nil {
		return nil, store.NewStorageError(store.ErrIO, "get_mission", err)
	}
	return m, nil
}

// LoadPendingMissions returns every mission whose lifecycle is not finished.
// Rows still marked running belong to a previous process and are recovered
// by the queue on startup.
func (g *Gateway) LoadPendingMissions(ctx context.Context) ([]*models.Mission, error) {
	query := selectMissionColumns + `
		FROM missions
		WHERE status IN ('pending', 'queued', 'blocked', 'retrying', 'running')
		ORDER BY created_at ASC`

	rows, err := g.db.QueryContext(ctx, query)
	if err != nil {
		return nil, store.NewStorageError(store.ErrIO, "load_pending_missions", err)
	}
	defer func() { _ = rows.Close() }()

	var missions []*models.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, store.NewStorageError(store.ErrIO, "load_pending_missions", err)
		}
		missions = append(missions, m)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStorageError(store.ErrIO, "load_pending_missions", err)
	}
	return missions, nil
}

const selectMissionColumns = `
	SELECT id, prompt, context, priority, type, status,
		timeout_ms, max_retries, retry_count, retry_delay_ms,
		depends_on, assigned_to, recommended_role, recommended_model,
		error, result,
		created_at, started_at, completed_at,
		execution_id, parent_mission_id, unified_task_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMission(row rowScanner) (*models.Mission, error) {
	var m models.Mission
	var priority, missionType, status string
	var dependsOn string
	var assignedTo sql.NullInt64
	var errJSON, resultJSON, executionID sql.NullString
	var startedAt, completedAt sql.NullTime
	var requirementID sql.NullInt64

	err := row.Scan(
		&m.ID, &m.Prompt, &m.Context, &priority, &missionType, &status,
		&m.TimeoutMs, &m.MaxRetries, &m.RetryCount, &m.RetryDelayMs,
		&dependsOn, &assignedTo, &m.RecommendedRole, &m.RecommendedModel,
		&errJSON, &resultJSON,
		&m.CreatedAt, &startedAt, &completedAt,
		&executionID, &m.ParentMissionID, &requirementID,
	)
	if err != nil {
		return nil, err
	}

	m.Priority = models.Priority(priority)
	m.Type = models.MissionType(missionType)
	m.Status = models.Status(status)
	if dependsOn != "" && dependsOn != "[]" {
		if err := json.Unmarshal([]byte(dependsOn), &m.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to decode depends_on: %w", err)
		}
	}
	if assignedTo.Valid {
		v := assignedTo.Int64
		m.AssignedTo = &v
	}
	if errJSON.Valid && errJSON.String != "" {
		m.Error = &models.MissionError{}
		if err := json.Unmarshal([]byte(errJSON.String), m.Error); err != nil {
			return nil, fmt.Errorf("failed to decode error: %w", err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		m.Result = &models.MissionResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), m.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		m.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		m.CompletedAt = &t
	}
	if executionID.Valid {
		m.ExecutionID = executionID.String
	}
	if requirementID.Valid {
		m.RequirementID = requirementID.Int64
	}
	return &m, nil
}

func marshalOutcome(me *models.MissionError, mr *models.MissionResult) (errJSON, resultJSON interface{}, err error) {
	if me != nil {
		data, merr := json.Marshal(me)
		if merr != nil {
			return nil, nil, merr
		}
		errJSON = string(data)
	}
	if mr != nil {
		data, merr := json.Marshal(mr)
		if merr != nil {
			return nil, nil, merr
		}
		resultJSON = string(data)
	}
	return errJSON, resultJSON, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
