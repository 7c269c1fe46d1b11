// Package scheduler moves due queue rows to the dispatch queue under each
// tenant's send rate limit, and returns stranded rows to the queue.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/wabroadcast/internal/db"
	"github.com/lalithlochan/wabroadcast/internal/dispatch"
	"github.com/lalithlochan/wabroadcast/internal/metrics"
)

type Store interface {
	SelectDueItems(ctx context.Context, now time.Time, limit, perTenant int) ([]*db.QueueItem, error)
	ClaimItem(ctx context.Context, id uuid.UUID) (*db.QueueItem, error)
	RescheduleItem(ctx context.Context, id uuid.UUID, at time.Time) error
	ResolveItem(ctx context.Context, res db.Resolution) error
	ReclaimStaleItems(ctx context.Context, cutoff time.Time) (int64, error)
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
}

// Limiter hands out per-tenant send tokens. A limit <= 0 is unlimited.
type Limiter interface {
	TryConsume(ctx context.Context, tenantID string, limit int) (bool, error)
}

type Refresher interface {
	Refresh(ctx context.Context, campaignID uuid.UUID) (*db.Campaign, error)
}

// CounterPurger drops expired rate-limit buckets from the durable limiter
type CounterPurger interface {
	PurgeRateLimitCounters(ctx context.Context, before time.Time) (int64, error)
}

const resolveTimeout = 5 * time.Second

type Config struct {
	BatchSize         int
	TenantBatchSize   int // rows one tenant may take from a batch
	ProcessingTimeout time.Duration
	BusinessHours     BusinessHours
	DefaultTimezone   *time.Location
}

// TickResult counts what one tick did with the rows it selected
type TickResult struct {
	Selected    int `json:"selected"`
	Dispatched  int `json:"dispatched"`
	RateLimited int `json:"rate_limited"`
	Skipped     int `json:"skipped"`
	Deferred    int `json:"deferred"`
	Failed      int `json:"failed"`
}

type Scheduler struct {
	store     Store
	limiter   Limiter
	publisher dispatch.Publisher
	refresher Refresher
	purger    CounterPurger
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

func New(store Store, limiter Limiter, publisher dispatch.Publisher, refresher Refresher, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.TenantBatchSize <= 0 || cfg.TenantBatchSize > cfg.BatchSize {
		cfg.TenantBatchSize = min(20, cfg.BatchSize)
	}
	if cfg.ProcessingTimeout == 0 {
		cfg.ProcessingTimeout = 5 * time.Minute
	}
	if cfg.BusinessHours == (BusinessHours{}) {
		cfg.BusinessHours = BusinessHours{StartHour: 8, EndHour: 18}
	}
	if cfg.DefaultTimezone == nil {
		cfg.DefaultTimezone = time.UTC
	}

	return &Scheduler{
		store:     store,
		limiter:   limiter,
		publisher: publisher,
		refresher: refresher,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// WithCounterPurger makes Sweep also drop old rate-limit buckets
func (s *Scheduler) WithCounterPurger(p CounterPurger) *Scheduler {
	s.purger = p
	return s
}

// Tick dispatches one batch of due rows. Rows are walked per tenant in
// priority order; the first denied token ends that tenant's turn.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	start := time.Now()
	defer func() { metrics.RecordSchedulerTick(time.Since(start)) }()

	var result TickResult
	now := s.now()

	rows, err := s.store.SelectDueItems(ctx, now, s.config.BatchSize, s.config.TenantBatchSize)
	if err != nil {
		return result, err
	}
	result.Selected = len(rows)
	if len(rows) == 0 {
		return result, nil
	}

	var tenants []uuid.UUID
	byTenant := make(map[uuid.UUID][]*db.QueueItem)
	for _, row := range rows {
		if _, ok := byTenant[row.TenantID]; !ok {
			tenants = append(tenants, row.TenantID)
		}
		byTenant[row.TenantID] = append(byTenant[row.TenantID], row)
	}

	campaigns := make(map[uuid.UUID]*db.Campaign)
	touched := make(map[uuid.UUID]bool)

	for _, tenantID := range tenants {
		s.tickTenant(ctx, now, tenantID, byTenant[tenantID], campaigns, touched, &result)
	}

	for campaignID := range touched {
		if s.refresher == nil {
			break
		}
		if _, err := s.refresher.Refresh(ctx, campaignID); err != nil {
			s.logger.Error("failed to refresh campaign",
				zap.String("campaign_id", campaignID.String()),
				zap.Error(err),
			)
		}
	}

	metrics.RecordSchedulerRows("dispatched", result.Dispatched)
	metrics.RecordSchedulerRows("rate_limited", result.RateLimited)
	metrics.RecordSchedulerRows("skipped", result.Skipped)
	metrics.RecordSchedulerRows("deferred", result.Deferred)
	metrics.RecordSchedulerRows("failed", result.Failed)

	s.logger.Debug("scheduler tick",
		zap.Int("selected", result.Selected),
		zap.Int("dispatched", result.Dispatched),
		zap.Int("rate_limited", result.RateLimited),
		zap.Int("skipped", result.Skipped),
		zap.Int("deferred", result.Deferred),
		zap.Int("failed", result.Failed),
	)

	return result, nil
}

func (s *Scheduler) tickTenant(
	ctx context.Context,
	now time.Time,
	tenantID uuid.UUID,
	rows []*db.QueueItem,
	campaigns map[uuid.UUID]*db.Campaign,
	touched map[uuid.UUID]bool,
	result *TickResult,
) {
	for i, row := range rows {
		c, err := s.campaign(ctx, row.CampaignID, campaigns)
		if err != nil {
			s.logger.Error("failed to load campaign for due row",
				zap.String("queue_item_id", row.ID.String()),
				zap.Error(err),
			)
			result.Skipped++
			continue
		}
		if c.Status != db.CampaignStatusRunning {
			result.Skipped++
			continue
		}

		if c.BusinessHoursOnly {
			local := now.In(s.location(c))
			if !s.config.BusinessHours.Contains(local) {
				next := s.config.BusinessHours.NextOpen(local)
				if err := s.store.RescheduleItem(ctx, row.ID, next); err != nil {
					s.logger.Error("failed to defer row", zap.String("queue_item_id", row.ID.String()), zap.Error(err))
					result.Skipped++
					continue
				}
				result.Deferred++
				continue
			}
		}

		ok, err := s.limiter.TryConsume(ctx, tenantID.String(), c.RateLimitPerMinute)
		if err != nil {
			s.logger.Error("rate limiter unavailable, holding tenant",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err),
			)
			result.RateLimited += len(rows) - i
			return
		}
		if !ok {
			metrics.RecordRateLimitRejection("send")
			result.RateLimited += len(rows) - i
			return
		}

		claimed, err := s.store.ClaimItem(ctx, row.ID)
		if err != nil {
			s.logger.Error("failed to claim row", zap.String("queue_item_id", row.ID.String()), zap.Error(err))
			result.Skipped++
			continue
		}
		if claimed == nil {
			result.Skipped++
			continue
		}

		if _, err := s.publisher.Publish(ctx, dispatch.NewMessage(claimed, now)); err != nil {
			s.failPush(ctx, claimed, err)
			result.Failed++
			touched[claimed.CampaignID] = true
			continue
		}

		result.Dispatched++
		touched[claimed.CampaignID] = true
	}
}

// failPush fails a claimed row that never reached the queue. The tick's
// context may already be done when the push fails, so the row is resolved on
// a detached one.
func (s *Scheduler) failPush(ctx context.Context, item *db.QueueItem, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
	defer cancel()

	pushErr := &dispatch.PushError{QueueItemID: item.ID, Err: cause}
	msg := pushErr.Error()

	s.logger.Error("failed to push row to dispatch queue",
		zap.String("queue_item_id", item.ID.String()),
		zap.String("campaign_id", item.CampaignID.String()),
		zap.Error(cause),
	)

	err := s.store.ResolveItem(ctx, db.Resolution{
		ItemID:     item.ID,
		CampaignID: item.CampaignID,
		Status:     db.ItemStatusFailed,
		RetryCount: item.RetryCount,
		Attempt:    item.RetryCount + 1,
		LastError:  &msg,
	})
	if err != nil {
		s.logger.Error("failed to record push failure",
			zap.String("queue_item_id", item.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) campaign(ctx context.Context, id uuid.UUID, cache map[uuid.UUID]*db.Campaign) (*db.Campaign, error) {
	if c, ok := cache[id]; ok {
		return c, nil
	}
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = c
	return c, nil
}

func (s *Scheduler) location(c *db.Campaign) *time.Location {
	if c.Timezone != nil && *c.Timezone != "" {
		loc, err := time.LoadLocation(*c.Timezone)
		if err == nil {
			return loc
		}
		s.logger.Warn("invalid campaign timezone, using default",
			zap.String("campaign_id", c.ID.String()),
			zap.String("timezone", *c.Timezone),
		)
	}
	return s.config.DefaultTimezone
}

// Sweep returns rows stuck in processing past ProcessingTimeout to queued
func (s *Scheduler) Sweep(ctx context.Context) (int64, error) {
	now := s.now()

	n, err := s.store.ReclaimStaleItems(ctx, now.Add(-s.config.ProcessingTimeout))
	if err != nil {
		return 0, err
	}
	metrics.RecordSweepReclaimed(n)
	if n > 0 {
		s.logger.Warn("reclaimed stale processing rows", zap.Int64("count", n))
	}

	if s.purger != nil {
		if _, err := s.purger.PurgeRateLimitCounters(ctx, now.Add(-10*time.Minute)); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("failed to purge rate limit counters", zap.Error(err))
		}
	}

	return n, nil
}
