package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lalithlochan/wabroadcast/internal/db"
	"github.com/lalithlochan/wabroadcast/internal/metrics"
	"go.uber.org/zap"
)

// MaterializerStore is the persistence the materializer needs
type MaterializerStore interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	CountItemsByStatus(ctx context.Context, campaignID uuid.UUID) (db.StatusCounts, error)
	GetChannel(ctx context.Context, id uuid.UUID) (*db.Channel, error)
	DefaultChannel(ctx context.Context, tenantID uuid.UUID) (*db.Channel, error)
	CommitMaterialization(ctx context.Context, campaignID uuid.UUID, items []*db.QueueItem) (int, error)
}

// RecipientResolver resolves a campaign target
type RecipientResolver interface {
	Resolve(ctx context.Context, targetType string, targetConfig json.RawMessage, tenantID uuid.UUID) ([]Recipient, error)
}

// Materializer expands a campaign into one queue row per recipient
type Materializer struct {
	store      MaterializerStore
	resolver   RecipientResolver
	maxRetries int
	now        func() time.Time
	logger     *zap.Logger
}

func NewMaterializer(store MaterializerStore, resolver RecipientResolver, maxRetries int, logger *zap.Logger) *Materializer {
	return &Materializer{
		store:      store,
		resolver:   resolver,
		maxRetries: maxRetries,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock replaces the time source used for scheduled_for
func (m *Materializer) WithClock(now func() time.Time) *Materializer {
	m.now = now
	return m
}

// Materialize creates the campaign's queue rows and moves it to running,
// returning the recipient count. Calling it again for a campaign that already
// has rows inserts nothing and returns the existing count.
func (m *Materializer) Materialize(ctx context.Context, campaignID uuid.UUID) (int, error) {
	c, err := m.store.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, &MaterializationError{CampaignID: campaignID, Reason: "load campaign", Err: err}
	}

	if c.Status != db.CampaignStatusDraft && c.Status != db.CampaignStatusPaused {
		return 0, &MaterializationError{CampaignID: campaignID, Reason: "campaign is " + c.Status}
	}

	counts, err := m.store.CountItemsByStatus(ctx, campaignID)
	if err != nil {
		return 0, &MaterializationError{CampaignID: campaignID, Reason: "count existing rows", Err: err}
	}

	var items []*db.QueueItem
	if counts.Total() == 0 {
		items, err = m.buildItems(ctx, c)
		if err != nil {
			return 0, err
		}
	}

	count, err := m.store.CommitMaterialization(ctx, campaignID, items)
	if err != nil {
		return 0, &MaterializationError{CampaignID: campaignID, Reason: "commit", Err: err}
	}

	if len(items) > 0 {
		metrics.RecordRowsMaterialized(count)
	}

	m.logger.Info("campaign started",
		zap.String("campaign_id", campaignID.String()),
		zap.String("tenant_id", c.TenantID.String()),
		zap.Int("recipients", count),
	)

	return count, nil
}

func (m *Materializer) buildItems(ctx context.Context, c *db.Campaign) ([]*db.QueueItem, error) {
	recipients, err := m.resolver.Resolve(ctx, c.TargetType, c.TargetConfig, c.TenantID)
	if err != nil {
		var empty *EmptyTargetError
		if errors.As(err, &empty) {
			return nil, err
		}
		return nil, &MaterializationError{CampaignID: c.ID, Reason: "resolve recipients", Err: err}
	}

	channel, err := m.channelFor(ctx, c)
	if err != nil {
		return nil, err
	}

	scheduledFor := m.now()
	if c.ScheduledAt != nil && c.ScheduledAt.After(scheduledFor) {
		scheduledFor = *c.ScheduledAt
	}

	items := make([]*db.QueueItem, 0, len(recipients))
	for _, rc := range recipients {
		items = append(items, &db.QueueItem{
			ID:           uuid.New(),
			CampaignID:   c.ID,
			TenantID:     c.TenantID,
			ChannelID:    channel.ID,
			ContactID:    rc.ContactID,
			Phone:        rc.Phone,
			ContactName:  rc.DisplayName,
			MessageText:  c.MessageText,
			MediaType:    c.MediaType,
			MediaURL:     c.MediaURL,
			Status:       db.ItemStatusQueued,
			ScheduledFor: scheduledFor,
			MaxRetries:   m.maxRetries,
		})
	}

	return items, nil
}

// channelFor picks the campaign's channel, or the tenant's first one
func (m *Materializer) channelFor(ctx context.Context, c *db.Campaign) (*db.Channel, error) {
	var (
		ch  *db.Channel
		err error
	)
	if c.ChannelID != nil {
		ch, err = m.store.GetChannel(ctx, *c.ChannelID)
	} else {
		ch, err = m.store.DefaultChannel(ctx, c.TenantID)
	}

	if errors.Is(err, db.ErrNotFound) {
		return nil, &MaterializationError{CampaignID: c.ID, Reason: "no channel available"}
	}
	if err != nil {
		return nil, &MaterializationError{CampaignID: c.ID, Reason: "load channel", Err: err}
	}
	if ch.TenantID != c.TenantID {
		return nil, &MaterializationError{CampaignID: c.ID, Reason: "channel belongs to another tenant"}
	}
	return ch, nil
}
