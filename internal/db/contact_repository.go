package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ListContacts returns a tenant's contacts matching filter, oldest first
func (r *Repository) ListContacts(ctx context.Context, tenantID uuid.UUID, filter ContactFilter) ([]*Contact, error) {
	conds := []string{"tenant_id = $1"}
	args := []any{tenantID}
	argPos := 2

	if filter.FunnelID != nil {
		conds = append(conds, fmt.Sprintf("funnel_id = $%d", argPos))
		args = append(args, *filter.FunnelID)
		argPos++
	}
	if filter.StageID != nil {
		conds = append(conds, fmt.Sprintf("stage_id = $%d", argPos))
		args = append(args, *filter.StageID)
		argPos++
	}
	if len(filter.Tags) > 0 {
		conds = append(conds, fmt.Sprintf("tags && $%d::text[]", argPos))
		args = append(args, filter.Tags)
		argPos++
	}
	if len(filter.IDs) > 0 {
		ids := make([]string, len(filter.IDs))
		for i, id := range filter.IDs {
			ids[i] = id.String()
		}
		conds = append(conds, fmt.Sprintf("id = ANY($%d::uuid[])", argPos))
		args = append(args, ids)
	}

	query := `
		SELECT id, tenant_id, phone, name
		FROM contacts
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Phone, &c.Name); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return contacts, nil
}

// GetChannel retrieves a channel by ID
func (r *Repository) GetChannel(ctx context.Context, id uuid.UUID) (*Channel, error) {
	query := `SELECT id, tenant_id, name, status, created_at FROM channels WHERE id = $1`

	var ch Channel
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&ch.ID, &ch.TenantID, &ch.Name, &ch.Status, &ch.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query channel: %w", err)
	}
	return &ch, nil
}

// DefaultChannel returns the first channel a tenant registered
func (r *Repository) DefaultChannel(ctx context.Context, tenantID uuid.UUID) (*Channel, error) {
	query := `
		SELECT id, tenant_id, name, status, created_at
		FROM channels
		WHERE tenant_id = $1
		ORDER BY created_at ASC
		LIMIT 1
	`

	var ch Channel
	err := r.db.Pool().QueryRow(ctx, query, tenantID).Scan(&ch.ID, &ch.TenantID, &ch.Name, &ch.Status, &ch.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s has no channel: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query default channel: %w", err)
	}
	return &ch, nil
}
