package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPConfig configures the WhatsApp gateway client
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPTransport posts messages to the WhatsApp gateway that owns channel
// connectivity
type HTTPTransport struct {
	client  *http.Client
	baseURL string
	token   string
	logger  *zap.Logger
}

// NewHTTPTransport creates a gateway client
func NewHTTPTransport(cfg HTTPConfig, logger *zap.Logger) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &HTTPTransport{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		logger:  logger,
	}
}

// Send posts to {BaseURL}/channels/{channel_id}/messages. Any non-2xx reply
// is an *Error.
func (t *HTTPTransport) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/channels/%s/messages", t.baseURL, req.ChannelID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create send request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "wabroadcast/1.0")
	httpReq.Header.Set("Idempotency-Key", req.ItemID.String())
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := string(respBody)
		if len(preview) > 512 {
			preview = preview[:512]
		}
		return nil, &Error{StatusCode: resp.StatusCode, Body: preview}
	}

	var result SendResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Body: string(respBody), Err: fmt.Errorf("decode response: %w", err)}
	}
	if result.MessageID == "" {
		return nil, &Error{StatusCode: resp.StatusCode, Body: string(respBody), Err: fmt.Errorf("response missing message_id")}
	}

	t.logger.Debug("message accepted by gateway",
		zap.String("queue_item_id", req.ItemID.String()),
		zap.String("channel_id", req.ChannelID.String()),
		zap.String("message_id", result.MessageID),
	)

	return &result, nil
}
