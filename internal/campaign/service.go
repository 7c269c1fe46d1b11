package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lalithlochan/wabroadcast/internal/db"
	"github.com/lalithlochan/wabroadcast/internal/metrics"
	"go.uber.org/zap"
)

// Store is everything the lifecycle service reads and writes
type Store interface {
	MaterializerStore
	AggregatorStore
	CreateCampaign(ctx context.Context, c *db.Campaign) error
	ListCampaigns(ctx context.Context, tenantID uuid.UUID, status string) ([]*db.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id uuid.UUID, from, to string) error
	GetQueueItem(ctx context.Context, id uuid.UUID) (*db.QueueItem, error)
	ListQueueItems(ctx context.Context, campaignID uuid.UUID, status string, limit, offset int) ([]*db.QueueItem, error)
	ListHistory(ctx context.Context, itemID uuid.UUID) ([]*db.HistoryEntry, error)
}

// Kicker wakes the scheduler without waiting for its next interval
type Kicker interface {
	Kick()
}

// CreateInput is the payload accepted when creating a campaign
type CreateInput struct {
	Name               string          `json:"name" validate:"required,max=200"`
	MessageText        string          `json:"message_text" validate:"required,max=4096"`
	MediaType          *string         `json:"media_type,omitempty" validate:"omitempty,oneof=image video audio document"`
	MediaURL           *string         `json:"media_url,omitempty" validate:"omitempty,url"`
	TargetType         string          `json:"target_type" validate:"required,oneof=all funnel stage tags custom-list"`
	TargetConfig       json.RawMessage `json:"target_config,omitempty"`
	ScheduleType       string          `json:"schedule_type,omitempty" validate:"omitempty,oneof=immediate scheduled recurring"`
	ScheduledAt        *time.Time      `json:"scheduled_at,omitempty" validate:"required_if=ScheduleType scheduled,required_if=ScheduleType recurring"`
	RateLimitPerMinute *int            `json:"rate_limit_per_minute,omitempty" validate:"omitempty,min=1,max=1000"`
	BusinessHoursOnly  bool            `json:"business_hours_only"`
	Timezone           *string         `json:"timezone,omitempty" validate:"omitempty,timezone"`
	ChannelID          *uuid.UUID      `json:"channel_id,omitempty"`
}

// Service implements the campaign lifecycle: create, start, pause and the
// read paths
type Service struct {
	store            Store
	materializer     *Materializer
	aggregator       *Aggregator
	notifier         StatusNotifier
	kicker           Kicker
	validate         *validator.Validate
	defaultRateLimit int
	logger           *zap.Logger
}

// NewService wires the lifecycle service. notifier and kicker may be nil.
func NewService(
	store Store,
	materializer *Materializer,
	aggregator *Aggregator,
	notifier StatusNotifier,
	kicker Kicker,
	defaultRateLimit int,
	logger *zap.Logger,
) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Service{
		store:            store,
		materializer:     materializer,
		aggregator:       aggregator,
		notifier:         notifier,
		kicker:           kicker,
		validate:         v,
		defaultRateLimit: defaultRateLimit,
		logger:           logger,
	}
}

// Create stores a new draft campaign
func (s *Service) Create(ctx context.Context, tenantID uuid.UUID, in CreateInput) (*db.Campaign, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, toValidationError(err)
	}

	if in.MediaURL != nil && *in.MediaURL != "" && in.MediaType == nil {
		return nil, &ValidationError{Field: "media_type", Reason: "required with media_url"}
	}

	if _, err := ParseTargetConfig(in.TargetType, in.TargetConfig); err != nil {
		return nil, err
	}

	scheduleType := in.ScheduleType
	if scheduleType == "" {
		scheduleType = db.ScheduleImmediate
	}

	rateLimit := s.defaultRateLimit
	if in.RateLimitPerMinute != nil {
		rateLimit = *in.RateLimitPerMinute
	}

	c := &db.Campaign{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		Name:               in.Name,
		MessageText:        in.MessageText,
		MediaType:          in.MediaType,
		MediaURL:           in.MediaURL,
		TargetType:         in.TargetType,
		TargetConfig:       in.TargetConfig,
		ScheduleType:       scheduleType,
		RateLimitPerMinute: rateLimit,
		BusinessHoursOnly:  in.BusinessHoursOnly,
		Timezone:           in.Timezone,
		ChannelID:          in.ChannelID,
		Status:             db.CampaignStatusDraft,
	}
	// recurring campaigns materialize once at their first occurrence
	if scheduleType != db.ScheduleImmediate {
		c.ScheduledAt = in.ScheduledAt
	}

	if err := s.store.CreateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	return c, nil
}

// Start materializes a draft campaign, or resumes a paused one, and wakes
// the scheduler. Returns the recipient count.
func (s *Service) Start(ctx context.Context, tenantID, id uuid.UUID) (int, error) {
	c, err := s.owned(ctx, tenantID, id)
	if err != nil {
		return 0, err
	}

	from := c.Status
	count, err := s.materializer.Materialize(ctx, id)
	if err != nil {
		return 0, err
	}

	metrics.RecordCampaignStarted()
	c.Status = db.CampaignStatusRunning
	c.TotalRecipients = count
	s.notify(ctx, c, from)

	if s.kicker != nil {
		s.kicker.Kick()
	}

	return count, nil
}

// Pause stops a running campaign from dispatching further rows. Rows already
// handed to the sender still complete.
func (s *Service) Pause(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error) {
	c, err := s.owned(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateCampaignStatus(ctx, id, c.Status, db.CampaignStatusPaused); err != nil {
		return nil, err
	}

	from := c.Status
	c.Status = db.CampaignStatusPaused
	s.notify(ctx, c, from)

	s.logger.Info("campaign paused",
		zap.String("campaign_id", id.String()),
		zap.String("tenant_id", tenantID.String()),
	)

	return c, nil
}

// Get returns a campaign with counters refreshed from its rows
func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error) {
	c, err := s.owned(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return s.refreshed(ctx, c), nil
}

// List returns a tenant's campaigns, optionally filtered by status
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, status string) ([]*db.Campaign, error) {
	campaigns, err := s.store.ListCampaigns(ctx, tenantID, status)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}

	out := make([]*db.Campaign, 0, len(campaigns))
	for _, c := range campaigns {
		c = s.refreshed(ctx, c)
		// a refresh can finish a campaign, drop it if it no longer matches
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// ListItems pages through a campaign's queue rows
func (s *Service) ListItems(ctx context.Context, tenantID, campaignID uuid.UUID, status string, limit, offset int) ([]*db.QueueItem, error) {
	if _, err := s.owned(ctx, tenantID, campaignID); err != nil {
		return nil, err
	}

	items, err := s.store.ListQueueItems(ctx, campaignID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	return items, nil
}

// ListHistory returns the attempts recorded for one queue row
func (s *Service) ListHistory(ctx context.Context, tenantID, itemID uuid.UUID) ([]*db.HistoryEntry, error) {
	item, err := s.store.GetQueueItem(ctx, itemID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load queue item: %w", err)
	}
	if item.TenantID != tenantID {
		return nil, ErrNotFound
	}

	entries, err := s.store.ListHistory(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return entries, nil
}

func (s *Service) owned(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if c.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *Service) refreshed(ctx context.Context, c *db.Campaign) *db.Campaign {
	if c.Status != db.CampaignStatusRunning {
		return c
	}
	fresh, err := s.aggregator.Refresh(ctx, c.ID)
	if err != nil {
		s.logger.Warn("failed to refresh campaign", zap.String("campaign_id", c.ID.String()), zap.Error(err))
		return c
	}
	return fresh
}

func (s *Service) notify(ctx context.Context, c *db.Campaign, from string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.CampaignStatusChanged(ctx, c, from); err != nil {
		s.logger.Warn("failed to publish campaign event",
			zap.String("campaign_id", c.ID.String()),
			zap.Error(err),
		)
	}
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return &ValidationError{Field: fe.Field(), Reason: reason}
	}
	return &ValidationError{Reason: err.Error()}
}
