package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Campaign is a broadcast definition owned by a tenant
type Campaign struct {
	ID                 uuid.UUID       `json:"id"`
	TenantID           uuid.UUID       `json:"tenant_id"`
	Name               string          `json:"name"`
	MessageText        string          `json:"message_text"`
	MediaType          *string         `json:"media_type,omitempty"`
	MediaURL           *string         `json:"media_url,omitempty"`
	TargetType         string          `json:"target_type"`
	TargetConfig       json.RawMessage `json:"target_config,omitempty"`
	ScheduleType       string          `json:"schedule_type"`
	ScheduledAt        *time.Time      `json:"scheduled_at,omitempty"`
	RateLimitPerMinute int             `json:"rate_limit_per_minute"`
	BusinessHoursOnly  bool            `json:"business_hours_only"`
	Timezone           *string         `json:"timezone,omitempty"`
	ChannelID          *uuid.UUID      `json:"channel_id,omitempty"`
	Status             string          `json:"status"`
	TotalRecipients    int             `json:"total_recipients"`
	SentCount          int             `json:"sent_count"`
	FailedCount        int             `json:"failed_count"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// QueueItem is one recipient of one campaign
type QueueItem struct {
	ID                uuid.UUID  `json:"id"`
	CampaignID        uuid.UUID  `json:"campaign_id"`
	TenantID          uuid.UUID  `json:"tenant_id"`
	ChannelID         uuid.UUID  `json:"channel_id"`
	ContactID         *uuid.UUID `json:"contact_id,omitempty"`
	Phone             string     `json:"phone"`
	ContactName       string     `json:"contact_name"`
	MessageText       string     `json:"message_text"`
	MediaType         *string    `json:"media_type,omitempty"`
	MediaURL          *string    `json:"media_url,omitempty"`
	Status            string     `json:"status"`
	ScheduledFor      time.Time  `json:"scheduled_for"`
	RetryCount        int        `json:"retry_count"`
	MaxRetries        int        `json:"max_retries"`
	Priority          int        `json:"priority"`
	LastError         *string    `json:"last_error,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// HistoryEntry records the outcome of a single send attempt
type HistoryEntry struct {
	ID                uuid.UUID `json:"id"`
	QueueItemID       uuid.UUID `json:"queue_item_id"`
	CampaignID        uuid.UUID `json:"campaign_id"`
	Attempt           int       `json:"attempt"`
	Outcome           string    `json:"outcome"`
	ProviderMessageID *string   `json:"provider_message_id,omitempty"`
	Error             *string   `json:"error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Contact is a tenant CRM contact
type Contact struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Phone    string    `json:"phone"`
	Name     string    `json:"name"`
}

// Channel is a connected WhatsApp number. Its status is owned by the
// connectivity subsystem; this service only reads it.
type Channel struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ContactFilter narrows a tenant's contacts. Zero-valued fields are ignored.
type ContactFilter struct {
	FunnelID *uuid.UUID
	StageID  *uuid.UUID
	Tags     []string
	IDs      []uuid.UUID
}

// Resolution is the terminal or retry outcome written for a processing row
type Resolution struct {
	ItemID            uuid.UUID
	CampaignID        uuid.UUID
	Status            string
	RetryCount        int
	Attempt           int
	ScheduledFor      *time.Time
	LastError         *string
	ProviderMessageID *string
}

// StatusCounts holds queue row counts per status for one campaign
type StatusCounts struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Retry      int `json:"retry"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
}

func (c StatusCounts) Total() int {
	return c.Queued + c.Processing + c.Retry + c.Sent + c.Failed
}

// Pending counts rows that can still change state
func (c StatusCounts) Pending() int {
	return c.Queued + c.Processing + c.Retry
}

// Add increments the counter matching status
func (c *StatusCounts) Add(status string, n int) {
	switch status {
	case ItemStatusQueued:
		c.Queued += n
	case ItemStatusProcessing:
		c.Processing += n
	case ItemStatusRetry:
		c.Retry += n
	case ItemStatusSent:
		c.Sent += n
	case ItemStatusFailed:
		c.Failed += n
	}
}

// Campaign status constants
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusRunning   = "running"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
	CampaignStatusFailed    = "failed"
)

// Queue item status constants
const (
	ItemStatusQueued     = "queued"
	ItemStatusProcessing = "processing"
	ItemStatusRetry      = "retry"
	ItemStatusSent       = "sent"
	ItemStatusFailed     = "failed"
)

// Target type constants
const (
	TargetAll        = "all"
	TargetFunnel     = "funnel"
	TargetStage      = "stage"
	TargetTags       = "tags"
	TargetCustomList = "custom-list"
)

// Schedule type constants
const (
	ScheduleImmediate = "immediate"
	ScheduleScheduled = "scheduled"
	ScheduleRecurring = "recurring"
)

// Media type constants
const (
	MediaImage    = "image"
	MediaVideo    = "video"
	MediaAudio    = "audio"
	MediaDocument = "document"
)

const ChannelStatusConnected = "connected"
