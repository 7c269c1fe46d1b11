// Package transport delivers a single WhatsApp message through a connected
// channel. The sender treats every implementation as opaque.
package transport

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Transport sends one message and returns the provider's message ID
type Transport interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}

// SendRequest is what a transport needs to deliver one queue row
type SendRequest struct {
	ItemID    uuid.UUID `json:"-"`
	ChannelID uuid.UUID `json:"-"`
	Phone     string    `json:"phone"`
	Text      string    `json:"text"`
	MediaType string    `json:"media_type,omitempty"`
	MediaURL  string    `json:"media_url,omitempty"`
}

// SendResult is the provider acknowledgement
type SendResult struct {
	MessageID string `json:"message_id"`
}

// Error is a failed delivery attempt. StatusCode is zero when the request
// never got a response.
type Error struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("transport request failed: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
