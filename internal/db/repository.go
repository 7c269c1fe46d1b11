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

// Repository is the Postgres-backed store for campaigns, queue rows and
// their history
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new campaign repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const campaignColumns = `
	id, tenant_id, name, message_text, media_type, media_url,
	target_type, target_config, schedule_type, scheduled_at,
	rate_limit_per_minute, business_hours_only, timezone, channel_id,
	status, total_recipients, sent_count, failed_count,
	started_at, completed_at, created_at, updated_at`

func scanCampaign(row rowScanner) (*Campaign, error) {
	var c Campaign
	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.Name,
		&c.MessageText,
		&c.MediaType,
		&c.MediaURL,
		&c.TargetType,
		&c.TargetConfig,
		&c.ScheduleType,
		&c.ScheduledAt,
		&c.RateLimitPerMinute,
		&c.BusinessHoursOnly,
		&c.Timezone,
		&c.ChannelID,
		&c.Status,
		&c.TotalRecipients,
		&c.SentCount,
		&c.FailedCount,
		&c.StartedAt,
		&c.CompletedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCampaign inserts a new campaign in draft
func (r *Repository) CreateCampaign(ctx context.Context, c *Campaign) error {
	query := `
		INSERT INTO campaigns (
			id, tenant_id, name, message_text, media_type, media_url,
			target_type, target_config, schedule_type, scheduled_at,
			rate_limit_per_minute, business_hours_only, timezone, channel_id, status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		c.ID,
		c.TenantID,
		c.Name,
		c.MessageText,
		c.MediaType,
		c.MediaURL,
		c.TargetType,
		c.TargetConfig,
		c.ScheduleType,
		c.ScheduledAt,
		c.RateLimitPerMinute,
		c.BusinessHoursOnly,
		c.Timezone,
		c.ChannelID,
		c.Status,
	).Scan(&c.CreatedAt, &c.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create campaign",
			zap.Error(err),
			zap.String("campaign_id", c.ID.String()),
		)
		return fmt.Errorf("insert campaign: %w", err)
	}

	r.logger.Info("campaign created",
		zap.String("campaign_id", c.ID.String()),
		zap.String("tenant_id", c.TenantID.String()),
		zap.String("target_type", c.TargetType),
	)

	return nil
}

// GetCampaign retrieves a campaign by ID
func (r *Repository) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query campaign: %w", err)
	}
	return c, nil
}

// ListCampaigns returns a tenant's campaigns, newest first. An empty status
// lists all of them.
func (r *Repository) ListCampaigns(ctx context.Context, tenantID uuid.UUID, status string) ([]*Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, status)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return campaigns, nil
}

// UpdateCampaignStatus moves a campaign from one status to another. The
// update only applies while the row still holds the expected status.
func (r *Repository) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, from, to string) error {
	if err := ValidateCampaignTransition(from, to); err != nil {
		r.logger.Warn("rejected campaign transition",
			zap.String("campaign_id", id.String()),
			zap.Error(err),
		)
		return err
	}

	query := `
		UPDATE campaigns
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: campaign %s is no longer %s", ErrInvalidTransition, id, from)
	}

	return nil
}

// CountItemsByStatus groups a campaign's queue rows by status
func (r *Repository) CountItemsByStatus(ctx context.Context, campaignID uuid.UUID) (StatusCounts, error) {
	query := `
		SELECT status, COUNT(*)
		FROM queue_items
		WHERE campaign_id = $1
		GROUP BY status
	`

	var counts StatusCounts
	rows, err := r.db.Pool().Query(ctx, query, campaignID)
	if err != nil {
		return counts, fmt.Errorf("count queue items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("scan count: %w", err)
		}
		counts.Add(status, n)
	}

	return counts, rows.Err()
}

// UpdateCampaignAggregate writes counters and status, guarded by the status
// the caller observed. Returns false when the campaign moved in between.
func (r *Repository) UpdateCampaignAggregate(ctx context.Context, id uuid.UUID, counts StatusCounts, expect, status string) (bool, error) {
	query := `
		UPDATE campaigns
		SET total_recipients = $3,
			sent_count = $4,
			failed_count = $5,
			status = $6,
			completed_at = CASE
				WHEN $6 IN ('completed', 'failed') THEN COALESCE(completed_at, NOW())
				ELSE completed_at
			END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
	`

	result, err := r.db.Pool().Exec(ctx, query,
		id,
		expect,
		counts.Total(),
		counts.Sent,
		counts.Failed,
		status,
	)
	if err != nil {
		return false, fmt.Errorf("update campaign aggregate: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// CommitMaterialization inserts the campaign's queue rows and moves it to
// running in a single transaction. The campaign row is locked first so two
// concurrent starts serialize; if rows already exist nothing is inserted and
// the existing count is returned.
func (r *Repository) CommitMaterialization(ctx context.Context, campaignID uuid.UUID, items []*QueueItem) (int, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM campaigns WHERE id = $1 FOR UPDATE`, campaignID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("lock campaign: %w", err)
	}

	if err := ValidateCampaignTransition(status, CampaignStatusRunning); err != nil {
		return 0, err
	}

	var existing int
	err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM queue_items WHERE campaign_id = $1`, campaignID).Scan(&existing)
	if err != nil {
		return 0, fmt.Errorf("count existing rows: %w", err)
	}

	count := existing
	if existing == 0 {
		inserted, err := insertQueueItems(ctx, tx, items)
		if err != nil {
			return 0, err
		}
		count = inserted
	}

	updateQuery := `
		UPDATE campaigns
		SET status = 'running',
			total_recipients = $2,
			started_at = COALESCE(started_at, NOW()),
			updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, updateQuery, campaignID, count); err != nil {
		return 0, fmt.Errorf("mark campaign running: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("campaign materialized",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("recipients", count),
		zap.Bool("resumed", existing > 0),
	)

	return count, nil
}

func insertQueueItems(ctx context.Context, tx pgx.Tx, items []*QueueItem) (int, error) {
	query := `
		INSERT INTO queue_items (
			id, campaign_id, tenant_id, channel_id, contact_id, phone, contact_name,
			message_text, media_type, media_url, status, scheduled_for,
			retry_count, max_retries, priority
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		ON CONFLICT (campaign_id, phone) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(query,
			it.ID,
			it.CampaignID,
			it.TenantID,
			it.ChannelID,
			it.ContactID,
			it.Phone,
			it.ContactName,
			it.MessageText,
			it.MediaType,
			it.MediaURL,
			it.Status,
			it.ScheduledFor,
			it.RetryCount,
			it.MaxRetries,
			it.Priority,
		)
	}

	br := tx.SendBatch(ctx, batch)
	inserted := 0
	for range items {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, fmt.Errorf("insert queue item: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}

	return inserted, nil
}

// TryConsumeRateLimit is the durable fallback for the per-tenant send
// limiter. The counter only increments while below limit, so the caller is
// told whether it got a token.
func (r *Repository) TryConsumeRateLimit(ctx context.Context, key string, bucket time.Time, limit int) (bool, error) {
	query := `
		INSERT INTO rate_limit_counters (limiter_key, bucket, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (limiter_key, bucket)
		DO UPDATE SET count = rate_limit_counters.count + 1
		WHERE rate_limit_counters.count < $3
		RETURNING count
	`

	var count int
	err := r.db.Pool().QueryRow(ctx, query, key, bucket, limit).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume rate limit: %w", err)
	}
	return true, nil
}

// PurgeRateLimitCounters drops buckets older than before
func (r *Repository) PurgeRateLimitCounters(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM rate_limit_counters WHERE bucket < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge rate limit counters: %w", err)
	}
	return result.RowsAffected(), nil
}
