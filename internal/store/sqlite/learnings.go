package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	learnmodels "github.com/overseer/overseer/internal/learning/models"
	"github.com/overseer/overseer/internal/store"
)

// CreateLearning inserts an extracted learning and returns its id.
func (g *Gateway) CreateLearning(ctx context.Context, l *learnmodels.Learning) (string, error) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.Confidence == "" {
		l.Confidence = learnmodels.ConfidenceLow
	}

	query := g.db.Rebind(`
		INSERT INTO learnings (
			id, category, title, description, confidence, validation_count,
			source_session_id, source_task_id, source_mission_id, agent_id,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := g.db.ExecContext(ctx, query,
		l.ID, string(l.Category), l.Title, l.Description,
		string(l.Confidence), l.ValidationCount,
		l.SourceSessionID, nullIfZero(l.SourceTaskID), l.SourceMissionID,
		nullIfZero(l.AgentID), l.CreatedAt,
	)
	if err != nil {
		return "", store.NewStorageError(store.ErrIO, "create_learning", err)
	}
	return l.ID, nil
}

// GetLearningByID loads one learning.
func (g *Gateway) GetLearningByID(ctx context.Context, id string) (*learnmodels.Learning, error) {
	query := g.db.Rebind(selectLearningColumns + " FROM learnings WHERE id = ?")
	l, err := scanLearning(g.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, store.NewStorageError(store.ErrNotFound, "get_learning", fmt.Errorf("learning not found: %s", id))
	}
	if err != nil {
		return nil, store.NewStorageError(store.ErrIO, "get_learning", err)
	}
	return l, nil
}

// UpdateLearning persists the mutable fields of a learning.
func (g *Gateway) UpdateLearning(ctx context.Context, l *learnmodels.Learning) error {
	query := g.db.Rebind(`
		UPDATE learnings SET
			category = ?, title = ?, description = ?,
			confidence = ?, validation_count = ?
		WHERE id = ?`)

	result, err := g.db.ExecContext(ctx, query,
		string(l.Category), l.Title, l.Description,
		string(l.Confidence), l.ValidationCount, l.ID,
	)
	if err != nil {
		return store.NewStorageError(store.ErrIO, "update_learning", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return store.NewStorageError(store.ErrIO, "update_learning", err)
	}
	if rows == 0 {
		return store.NewStorageError(store.ErrNotFound, "update_learning", fmt.Errorf("learning not found: %s", l.ID))
	}
	return nil
}

// ValidateLearning bumps a learning's validation count and steps its
// confidence one level up, saturating at proven.
func (g *Gateway) ValidateLearning(ctx context.Context, id string) error {
	l, err := g.GetLearningByID(ctx, id)
	if err != nil {
		return err
	}
	l.ValidationCount++
	l.Confidence = l.Confidence.Next()
	return g.UpdateLearning(ctx, l)
}

// GetLearningsByTask returns learnings linked to a business requirement.
func (g *Gateway) GetLearningsByTask(ctx context.Context, requirementID int64) ([]*learnmodels.Learning, error) {
	query := g.db.Rebind(selectLearningColumns + `
		FROM learnings WHERE source_task_id = ? ORDER BY created_at DESC`)
	rows, err := g.db.QueryContext(ctx, query, requirementID)
	if err != nil {
		return nil, store.NewStorageError(store.ErrIO, "get_learnings_by_task", err)
	}
	defer func() { _ = rows.Close() }()
	return collectLearnings(rows, "get_learnings_by_task")
}

// GetLearningsByMission returns learnings harvested from one mission.
func (g *Gateway) GetLearningsByMission(ctx context.Context, missionID string) ([]*learnmodels.Learning, error) {
	query := g.db.Rebind(selectLearningColumns + `
		FROM learnings WHERE source_mission_id = ? ORDER BY created_at DESC`)
	rows, err := g.db.QueryContext(ctx, query, missionID)
	if err != nil {
		return nil, store.NewStorageError(store.ErrIO, "get_learnings_by_mission", err)
	}
	defer func() { _ = rows.Close() }()
	return collectLearnings(rows, "get_learnings_by_mission")
}

// ListLearnings returns the most recent learnings, up to limit.
func (g *Gateway) ListLearnings(ctx context.Context, limit int) ([]*learnmodels.Learning, error) {
	if limit <= 0 {
		limit = 100
	}
	query := g.db.Rebind(selectLearningColumns + `
		FROM learnings ORDER BY created_at DESC LIMIT ?`)
	rows, err := g.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, store.NewStorageError(store.ErrIO, "list_learnings", err)
	}
	defer func() { _ = rows.Close() }()
	return collectLearnings(rows, "list_learnings")
}

// GetTaskLineage aggregates the requirement, its delivery records, and the
// learnings harvested under it.
func (g *Gateway) GetTaskLineage(ctx context.Context, requirementID int64) (*store.TaskLineage, error) {
	req, err := g.GetRequirement(ctx, requirementID)
	if err != nil {
		return nil, err
	}

	query := g.db.Rebind(selectInboxColumns + `
		FROM agent_tasks WHERE unified_task_id = ? ORDER BY created_at ASC`)
	rows, err := g.db.QueryContext(ctx, query, requirementID)
	if err != nil {
		return nil, store.NewStorageError(store.ErrIO, "get_task_lineage", err)
	}
	defer func() { _ = rows.Close() }()
	executions, err := collectInboxEntries(rows, "get_task_lineage")
	if err != nil {
		return nil, err
	}

	learnings, err := g.GetLearningsByTask(ctx, requirementID)
	if err != nil {
		return nil, err
	}

	lineage := &store.TaskLineage{
		Requirement: req,
		Executions:  executions,
		Learnings:   learnings,
	}
	for _, e := range executions {
		switch e.Status {
		case "completed":
			lineage.Completed++
		case "failed":
			lineage.Failed++
		}
		lineage.TotalTokens += e.InputTokens + e.OutputTokens
	}
	return lineage, nil
}

const selectLearningColumns = `
	SELECT id, category, title, description, confidence, validation_count,
		source_session_id, source_task_id, source_mission_id, agent_id, created_at`

func scanLearning(row rowScanner) (*learnmodels.Learning, error) {
	var l learnmodels.Learning
	var category, confidence string
	var sourceTaskID, agentID sql.NullInt64

	err := row.Scan(
		&l.ID, &category, &l.Title, &l.Description, &confidence, &l.ValidationCount,
		&l.SourceSessionID, &sourceTaskID, &l.SourceMissionID, &agentID, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Category = learnmodels.Category(category)
	l.Confidence = learnmodels.Confidence(confidence)
	if sourceTaskID.Valid {
		l.SourceTaskID = sourceTaskID.Int64
	}
	if agentID.Valid {
		l.AgentID = agentID.Int64
	}
	return &l, nil
}

func collectLearnings(rows *sql.Rows, op string) ([]*learnmodels.Learning, error) {
	var learnings []*learnmodels.Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, store.NewStorageError(store.ErrIO, op, err)
		}
		learnings = append(learnings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStorageError(store.ErrIO, op, err)
	}
	return learnings, nil
}
