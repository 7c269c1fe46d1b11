package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// LogTransport logs messages instead of sending them (for development)
type LogTransport struct {
	logger *zap.Logger
	seq    atomic.Int64
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	id := fmt.Sprintf("log-%d", t.seq.Add(1))

	t.logger.Info("logging message (development mode)",
		zap.String("queue_item_id", req.ItemID.String()),
		zap.String("channel_id", req.ChannelID.String()),
		zap.String("phone", req.Phone),
		zap.String("media_type", req.MediaType),
		zap.Int("text_length", len(req.Text)),
		zap.String("message_id", id),
	)

	return &SendResult{MessageID: id}, nil
}
