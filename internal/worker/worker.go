// Package worker consumes dispatch messages and performs the actual send:
// one transport call per claimed queue row, then the row's resolution.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/wabroadcast/internal/db"
	"github.com/lalithlochan/wabroadcast/internal/dispatch"
	"github.com/lalithlochan/wabroadcast/internal/metrics"
	"github.com/lalithlochan/wabroadcast/internal/transport"
)

type Store interface {
	GetQueueItem(ctx context.Context, id uuid.UUID) (*db.QueueItem, error)
	GetChannel(ctx context.Context, id uuid.UUID) (*db.Channel, error)
	ResolveItem(ctx context.Context, res db.Resolution) error
}

// Refresher recomputes a campaign's counters after one of its rows resolves
type Refresher interface {
	Refresh(ctx context.Context, campaignID uuid.UUID) (*db.Campaign, error)
}

// ChannelUnavailableError means the row's channel is not connected. It is
// handled like a transport failure so the row backs off and retries.
type ChannelUnavailableError struct {
	ChannelID uuid.UUID
	Status    string
}

func (e *ChannelUnavailableError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("channel %s not found", e.ChannelID)
	}
	return fmt.Sprintf("channel %s unavailable: status %s", e.ChannelID, e.Status)
}

type Worker struct {
	store     Store
	transport transport.Transport
	consumer  dispatch.Consumer
	refresher Refresher
	config    Config
	logger    *zap.Logger
	now       func() time.Time
	inFlight  atomic.Int64
}

type Config struct {
	Concurrency int
	SendTimeout time.Duration
	RetryBase   time.Duration
	RetryCap    time.Duration
}

func New(store Store, tr transport.Transport, consumer dispatch.Consumer, refresher Refresher, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 30 * time.Second
	}
	if cfg.RetryCap == 0 {
		cfg.RetryCap = 30 * time.Minute
	}

	return &Worker{
		store:     store,
		transport: tr,
		consumer:  consumer,
		refresher: refresher,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Run starts Concurrency consumer loops and blocks until ctx is done
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting", zap.Int("concurrency", w.config.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		g.Go(func() error {
			w.consume(gctx)
			return nil
		})
	}

	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		deliveries, err := w.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive dispatch messages", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for i, d := range deliveries {
			if ctx.Err() != nil {
				w.release(deliveries[i:])
				return
			}
			w.handle(ctx, d)
		}
	}
}

// handle processes one delivery. A delivery that started is finished even if
// ctx is cancelled midway, so shutdown does not strand a sent message
// without its resolution.
func (w *Worker) handle(ctx context.Context, d *dispatch.Delivery) {
	metrics.SetDispatchInFlight(int(w.inFlight.Add(1)))
	defer func() { metrics.SetDispatchInFlight(int(w.inFlight.Add(-1))) }()

	work := context.WithoutCancel(ctx)

	if err := w.Process(work, d.Message); err != nil {
		w.logger.Error("failed to process dispatch message",
			zap.String("queue_item_id", d.Message.QueueItemID.String()),
			zap.Error(err),
		)
		if err := d.Nack(work); err != nil {
			w.logger.Warn("failed to nack dispatch message", zap.Error(err))
		}
		return
	}

	if err := d.Ack(work); err != nil {
		w.logger.Warn("failed to ack dispatch message",
			zap.String("queue_item_id", d.Message.QueueItemID.String()),
			zap.Error(err),
		)
	}
}

func (w *Worker) release(rest []*dispatch.Delivery) {
	for _, d := range rest {
		if err := d.Nack(context.Background()); err != nil {
			w.logger.Warn("failed to release dispatch message", zap.Error(err))
		}
	}
}

// Process sends one dispatch message and records the outcome on its row.
// A returned error is an infrastructure failure; the message should be
// redelivered. Send failures are not errors here: they become retry or
// failed rows.
func (w *Worker) Process(ctx context.Context, msg *dispatch.Message) error {
	item, err := w.store.GetQueueItem(ctx, msg.QueueItemID)
	if errors.Is(err, db.ErrNotFound) {
		w.logger.Warn("dispatch message for unknown queue item",
			zap.String("queue_item_id", msg.QueueItemID.String()),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load queue item: %w", err)
	}

	if item.Status != db.ItemStatusProcessing {
		w.logger.Debug("skipping duplicate delivery",
			zap.String("queue_item_id", item.ID.String()),
			zap.String("status", item.Status),
		)
		return nil
	}

	messageID, sendErr := w.send(ctx, item)
	if sendErr != nil && !isSendFailure(sendErr) {
		return sendErr
	}

	res := w.resolution(item, messageID, sendErr)
	if err := w.store.ResolveItem(ctx, res); err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			w.logger.Warn("queue item resolved elsewhere",
				zap.String("queue_item_id", item.ID.String()),
			)
			return nil
		}
		return fmt.Errorf("resolve queue item: %w", err)
	}

	metrics.RecordSendProcessed(res.Status)

	fields := []zap.Field{
		zap.String("queue_item_id", item.ID.String()),
		zap.String("campaign_id", item.CampaignID.String()),
		zap.String("status", res.Status),
		zap.Int("attempt", res.Attempt),
	}
	if sendErr != nil {
		w.logger.Warn("send attempt failed", append(fields, zap.Error(sendErr))...)
	} else {
		w.logger.Info("message sent", append(fields, zap.String("message_id", messageID))...)
	}

	if w.refresher != nil {
		if _, err := w.refresher.Refresh(ctx, item.CampaignID); err != nil {
			w.logger.Error("failed to refresh campaign",
				zap.String("campaign_id", item.CampaignID.String()),
				zap.Error(err),
			)
		}
	}

	return nil
}

// sendFailure marks errors that count as a failed attempt on the row
type sendFailure struct {
	err error
}

func (e *sendFailure) Error() string { return e.err.Error() }
func (e *sendFailure) Unwrap() error { return e.err }

func isSendFailure(err error) bool {
	var sf *sendFailure
	return errors.As(err, &sf)
}

func (w *Worker) send(ctx context.Context, item *db.QueueItem) (string, error) {
	ch, err := w.store.GetChannel(ctx, item.ChannelID)
	if errors.Is(err, db.ErrNotFound) {
		return "", &sendFailure{&ChannelUnavailableError{ChannelID: item.ChannelID}}
	}
	if err != nil {
		return "", fmt.Errorf("load channel: %w", err)
	}
	if ch.Status != db.ChannelStatusConnected {
		return "", &sendFailure{&ChannelUnavailableError{ChannelID: ch.ID, Status: ch.Status}}
	}

	req := transport.SendRequest{
		ItemID:    item.ID,
		ChannelID: item.ChannelID,
		Phone:     item.Phone,
		Text:      item.MessageText,
	}
	if item.MediaType != nil {
		req.MediaType = *item.MediaType
	}
	if item.MediaURL != nil {
		req.MediaURL = *item.MediaURL
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	defer cancel()

	start := time.Now()
	res, err := w.transport.Send(sendCtx, req)
	metrics.RecordTransportLatency(time.Since(start))
	if err != nil {
		return "", &sendFailure{err}
	}
	return res.MessageID, nil
}

func (w *Worker) resolution(item *db.QueueItem, messageID string, sendErr error) db.Resolution {
	res := db.Resolution{
		ItemID:     item.ID,
		CampaignID: item.CampaignID,
		RetryCount: item.RetryCount,
		Attempt:    item.RetryCount + 1,
	}

	if sendErr == nil {
		res.Status = db.ItemStatusSent
		res.ProviderMessageID = &messageID
		return res
	}

	var sf *sendFailure
	errMsg := sendErr.Error()
	if errors.As(sendErr, &sf) {
		errMsg = sf.err.Error()
	}
	res.LastError = &errMsg
	res.RetryCount = item.RetryCount + 1

	if res.RetryCount <= item.MaxRetries {
		next := w.now().Add(RetryDelay(res.RetryCount, w.config.RetryBase, w.config.RetryCap))
		res.Status = db.ItemStatusRetry
		res.ScheduledFor = &next
	} else {
		res.Status = db.ItemStatusFailed
	}
	return res
}

// RetryDelay is min(ceiling, base*2^(retryCount-1))
func RetryDelay(retryCount int, base, ceiling time.Duration) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := base
	for i := 1; i < retryCount; i++ {
		if d >= ceiling {
			return ceiling
		}
		d *= 2
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
