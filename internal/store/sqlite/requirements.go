package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/overseer/overseer/internal/mission/models"
	"github.com/overseer/overseer/internal/store"
)

// CreateRequirement inserts a business requirement and returns its id.
func (g *Gateway) CreateRequirement(ctx context.Context, r *models.BusinessRequirement) (int64, error) {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	query := g.db.Rebind(`
		INSERT INTO unified_tasks (
			title, description, status, priority, domain, component, session_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	result, err := g.db.ExecContext(ctx, query,
		r.Title, r.Description, string(r.Status), string(r.Priority),
		string(r.Domain), r.Component, r.SessionID,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return 0, store.NewStorageError(store.ErrIO, "create_requirement", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, store.NewStorageError(store.ErrIO, "create_requirement", err)
	}
	r.ID = id
	return id, nil
}

// GetRequirement loads one business requirement by id.
func (g *Gateway) GetRequirement(ctx context.Context, id int64) (*models.BusinessRequirement, error) {
	query := g.db.Rebind(`
		SELECT id, title, description, status, priority, domain, component, session_id,
			created_at, updated_at
		FROM unified_tasks WHERE id = ?`)

	var r models.BusinessRequirement
	var status, priority, domain string
	err := g.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.Title, &r.Description, &status, &priority, &domain,
		&r.Component, &r.SessionID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.NewStorageError(store.ErrNotFound, "get_requirement", fmt.Errorf("requirement not found: %d", id))
	}
	if err != nil {
		return nil, store.NewStorageError(store.ErrIO, "get_requirement", err)
	}
	r.Status = models.RequirementStatus(status)
	r.Priority = models.Priority(priority)
	r.Domain = models.RequirementDomain(domain)
	return &r, nil
}

// UpdateBusinessRequirementStatus transitions a requirement's lifecycle state.
func (g *Gateway) UpdateBusinessRequirementStatus(ctx context.Context, id int64, status models.RequirementStatus) error {
	query := g.db.Rebind(`UPDATE unified_tasks SET status = ?, updated_at = ? WHERE id = ?`)
	result, err := g.db.ExecContext(ctx, query, string(status), time.Now().UTC(), id)
	if err != nil {
		return store.NewStorageError(store.ErrIO, "update_requirement_status", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return store.NewStorageError(store.ErrIO, "update_requirement_status", err)
	}
	if rows == 0 {
		return store.NewStorageError(store.ErrNotFound, "update_requirement_status", fmt.Errorf("requirement not found: %d", id))
	}
	return nil
}
