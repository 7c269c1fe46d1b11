// Package dispatch carries claimed queue rows from the scheduler to the
// sender. SQS is the production backend; MemoryQueue serves single-process
// deployments and tests.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalithlochan/wabroadcast/internal/db"
)

// Message is the payload pushed for one claimed queue row
type Message struct {
	QueueItemID uuid.UUID `json:"queue_item_id"`
	CampaignID  uuid.UUID `json:"campaign_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	ChannelID   uuid.UUID `json:"channel_id"`
	Phone       string    `json:"phone"`
	ContactName string    `json:"contact_name,omitempty"`
	MessageText string    `json:"message_text"`
	MediaType   string    `json:"media_type,omitempty"`
	MediaURL    string    `json:"media_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewMessage builds the dispatch payload for a claimed row
func NewMessage(item *db.QueueItem, now time.Time) *Message {
	msg := &Message{
		QueueItemID: item.ID,
		CampaignID:  item.CampaignID,
		TenantID:    item.TenantID,
		ChannelID:   item.ChannelID,
		Phone:       item.Phone,
		ContactName: item.ContactName,
		MessageText: item.MessageText,
		CreatedAt:   now,
	}
	if item.MediaType != nil {
		msg.MediaType = *item.MediaType
	}
	if item.MediaURL != nil {
		msg.MediaURL = *item.MediaURL
	}
	return msg
}

func (m *Message) Encode() (string, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	return string(body), nil
}

func Decode(body string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	if m.QueueItemID == uuid.Nil {
		return nil, fmt.Errorf("invalid message format: missing queue_item_id")
	}
	return &m, nil
}

// Publisher pushes dispatch messages
type Publisher interface {
	Publish(ctx context.Context, msg *Message) (string, error)
}

// Consumer pulls dispatch messages
type Consumer interface {
	Receive(ctx context.Context) ([]*Delivery, error)
}

// Delivery is a received message that must be acked once handled. An
// unacked delivery is redelivered by the backend.
type Delivery struct {
	Message *Message
	ack     func(ctx context.Context) error
	nack    func(ctx context.Context) error
}

// Ack removes the message from the queue
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack hands the message back for redelivery
func (d *Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// PushError means a claimed row could not be handed to the queue
type PushError struct {
	QueueItemID uuid.UUID
	Err         error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("dispatch push for %s: %v", e.QueueItemID, e.Err)
}

func (e *PushError) Unwrap() error {
	return e.Err
}
