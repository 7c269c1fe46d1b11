package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lalithlochan/wabroadcast/internal/db"
	"github.com/lalithlochan/wabroadcast/internal/metrics"
	"go.uber.org/zap"
)

// AggregatorStore is the persistence the aggregator needs
type AggregatorStore interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	CountItemsByStatus(ctx context.Context, campaignID uuid.UUID) (db.StatusCounts, error)
	UpdateCampaignAggregate(ctx context.Context, id uuid.UUID, counts db.StatusCounts, expect, status string) (bool, error)
}

// StatusNotifier is told when a campaign changes status
type StatusNotifier interface {
	CampaignStatusChanged(ctx context.Context, c *db.Campaign, from string) error
}

// Derive computes a running campaign's status from its row counts
func Derive(counts db.StatusCounts) string {
	total := counts.Total()
	switch {
	case total > 0 && counts.Failed == total:
		return db.CampaignStatusFailed
	case counts.Pending() == 0 && counts.Sent > 0:
		return db.CampaignStatusCompleted
	default:
		return db.CampaignStatusRunning
	}
}

// Aggregator keeps campaign counters and status in line with queue rows
type Aggregator struct {
	store    AggregatorStore
	notifier StatusNotifier
	logger   *zap.Logger
}

// NewAggregator builds an aggregator. notifier may be nil.
func NewAggregator(store AggregatorStore, notifier StatusNotifier, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// Refresh recounts a campaign's rows and writes counters and derived status.
// Only running campaigns change status; paused, draft and terminal
// campaigns keep theirs.
func (a *Aggregator) Refresh(ctx context.Context, campaignID uuid.UUID) (*db.Campaign, error) {
	c, err := a.store.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load campaign: %w", err)
	}

	counts, err := a.store.CountItemsByStatus(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}

	status := c.Status
	if c.Status == db.CampaignStatusRunning {
		status = Derive(counts)
	}

	unchanged := status == c.Status &&
		counts.Total() == c.TotalRecipients &&
		counts.Sent == c.SentCount &&
		counts.Failed == c.FailedCount
	if unchanged {
		return c, nil
	}

	ok, err := a.store.UpdateCampaignAggregate(ctx, campaignID, counts, c.Status, status)
	if err != nil {
		return nil, fmt.Errorf("write aggregate: %w", err)
	}
	if !ok {
		// Status moved under us (pause, concurrent refresh). The next
		// refresh will pick it up.
		a.logger.Debug("campaign changed during refresh", zap.String("campaign_id", campaignID.String()))
		return c, nil
	}

	from := c.Status
	c.Status = status
	c.TotalRecipients = counts.Total()
	c.SentCount = counts.Sent
	c.FailedCount = counts.Failed

	if from != status {
		a.logger.Info("campaign status changed",
			zap.String("campaign_id", campaignID.String()),
			zap.String("from", from),
			zap.String("to", status),
			zap.Int("sent", counts.Sent),
			zap.Int("failed", counts.Failed),
		)
		if db.IsTerminalCampaignStatus(status) {
			metrics.RecordCampaignFinished(status)
		}
		a.notify(ctx, c, from)
	}

	return c, nil
}

func (a *Aggregator) notify(ctx context.Context, c *db.Campaign, from string) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.CampaignStatusChanged(ctx, c, from); err != nil {
		a.logger.Warn("failed to publish campaign event",
			zap.String("campaign_id", c.ID.String()),
			zap.Error(err),
		)
	}
}
