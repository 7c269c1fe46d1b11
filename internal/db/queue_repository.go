package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const queueItemColumns = `
	id, campaign_id, tenant_id, channel_id, contact_id, phone, contact_name,
	message_text, media_type, media_url, status, scheduled_for,
	retry_count, max_retries, priority, last_error, provider_message_id,
	sent_at, created_at, updated_at`

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	var it QueueItem
	err := row.Scan(
		&it.ID,
		&it.CampaignID,
		&it.TenantID,
		&it.ChannelID,
		&it.ContactID,
		&it.Phone,
		&it.ContactName,
		&it.MessageText,
		&it.MediaType,
		&it.MediaURL,
		&it.Status,
		&it.ScheduledFor,
		&it.RetryCount,
		&it.MaxRetries,
		&it.Priority,
		&it.LastError,
		&it.ProviderMessageID,
		&it.SentAt,
		&it.CreatedAt,
		&it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func collectQueueItems(rows pgx.Rows) ([]*QueueItem, error) {
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return items, nil
}

// SelectDueItems returns up to limit rows of running campaigns that are ready
// to send. Each tenant contributes at most perTenant rows, ranked by priority
// then materialization order, and tenants are interleaved rank by rank so one
// backlog cannot fill the batch.
func (r *Repository) SelectDueItems(ctx context.Context, now time.Time, limit, perTenant int) ([]*QueueItem, error) {
	query := `
		WITH due AS (
			SELECT q.*, ROW_NUMBER() OVER (
				PARTITION BY q.tenant_id
				ORDER BY q.priority DESC, q.created_at ASC, q.seq ASC
			) AS tenant_rank
			FROM queue_items q
			JOIN campaigns c ON c.id = q.campaign_id AND c.status = 'running'
			WHERE q.status IN ('queued', 'retry') AND q.scheduled_for <= $1
		)
		SELECT ` + queueItemColumns + `
		FROM due
		WHERE tenant_rank <= $3
		ORDER BY tenant_rank ASC, priority DESC, created_at ASC, seq ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now, limit, perTenant)
	if err != nil {
		return nil, fmt.Errorf("query due items: %w", err)
	}
	return collectQueueItems(rows)
}

// ClaimItem moves a due row to processing. Returns nil without error when
// another worker claimed it first.
func (r *Repository) ClaimItem(ctx context.Context, id uuid.UUID) (*QueueItem, error) {
	query := `
		UPDATE queue_items
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'retry')
		RETURNING ` + queueItemColumns

	it, err := scanQueueItem(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	return it, nil
}

// RescheduleItem pushes a waiting row's scheduled_for forward
func (r *Repository) RescheduleItem(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE queue_items
		SET scheduled_for = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'retry')
	`

	if _, err := r.db.Pool().Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("reschedule queue item: %w", err)
	}
	return nil
}

// ResolveItem records the outcome of one attempt on a processing row: the
// row update and the history entry commit together. Returns
// ErrInvalidTransition if the row is no longer processing.
func (r *Repository) ResolveItem(ctx context.Context, res Resolution) error {
	if err := ValidateItemTransition(ItemStatusProcessing, res.Status); err != nil {
		return err
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	updateQuery := `
		UPDATE queue_items
		SET status = $2,
			retry_count = $3,
			scheduled_for = COALESCE($4, scheduled_for),
			last_error = $5,
			provider_message_id = COALESCE($6, provider_message_id),
			sent_at = CASE WHEN $2 = 'sent' THEN NOW() ELSE sent_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`

	result, err := tx.Exec(ctx, updateQuery,
		res.ItemID,
		res.Status,
		res.RetryCount,
		res.ScheduledFor,
		res.LastError,
		res.ProviderMessageID,
	)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}

	if result.RowsAffected() == 0 {
		r.logger.Warn("queue item already resolved",
			zap.String("queue_item_id", res.ItemID.String()),
			zap.String("status", res.Status),
		)
		return fmt.Errorf("%w: queue item %s is not processing", ErrInvalidTransition, res.ItemID)
	}

	historyQuery := `
		INSERT INTO queue_item_history (
			id, queue_item_id, campaign_id, attempt, outcome, provider_message_id, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = tx.Exec(ctx, historyQuery,
		uuid.New(),
		res.ItemID,
		res.CampaignID,
		res.Attempt,
		res.Status,
		res.ProviderMessageID,
		res.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// ReclaimStaleItems returns rows stuck in processing since before cutoff to
// queued
func (r *Repository) ReclaimStaleItems(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE queue_items
		SET status = 'queued', updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1
	`

	result, err := r.db.Pool().Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale items: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetQueueItem retrieves a queue row by ID
func (r *Repository) GetQueueItem(ctx context.Context, id uuid.UUID) (*QueueItem, error) {
	query := `SELECT ` + queueItemColumns + ` FROM queue_items WHERE id = $1`

	it, err := scanQueueItem(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("queue item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query queue item: %w", err)
	}
	return it, nil
}

// ListQueueItems pages through a campaign's rows, optionally filtered by status
func (r *Repository) ListQueueItems(ctx context.Context, campaignID uuid.UUID, status string, limit, offset int) ([]*QueueItem, error) {
	query := `
		SELECT ` + queueItemColumns + `
		FROM queue_items
		WHERE campaign_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at ASC, seq ASC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, campaignID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query queue items: %w", err)
	}
	return collectQueueItems(rows)
}

// ListHistory returns every attempt recorded for a row, oldest first
func (r *Repository) ListHistory(ctx context.Context, itemID uuid.UUID) ([]*HistoryEntry, error) {
	query := `
		SELECT id, queue_item_id, campaign_id, attempt, outcome,
			provider_message_id, error, created_at
		FROM queue_item_history
		WHERE queue_item_id = $1
		ORDER BY created_at ASC, attempt ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		err := rows.Scan(
			&h.ID,
			&h.QueueItemID,
			&h.CampaignID,
			&h.Attempt,
			&h.Outcome,
			&h.ProviderMessageID,
			&h.Error,
			&h.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, &h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return entries, nil
}
