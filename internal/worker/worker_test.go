package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/wabroadcast/internal/campaign"
	"github.com/lalithlochan/wabroadcast/internal/db"
	"github.com/lalithlochan/wabroadcast/internal/dispatch"
	"github.com/lalithlochan/wabroadcast/internal/testutil"
	"github.com/lalithlochan/wabroadcast/internal/transport"
)

type scriptedTransport struct {
	mu    sync.Mutex
	err   error
	calls []transport.SendRequest
}

func (s *scriptedTransport) Send(ctx context.Context, req transport.SendRequest) (*transport.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	return &transport.SendResult{MessageID: "wamid." + req.ItemID.String()[:8]}, nil
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type harness struct {
	store     *testutil.MemStore
	clock     *testutil.Clock
	channel   *db.Channel
	campaign  *db.Campaign
	transport *scriptedTransport
	worker    *Worker
}

func newHarness(t *testing.T, phones ...string) *harness {
	t.Helper()

	clock := testutil.NewClock(time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	store := testutil.NewMemStore(clock.Now)
	tenant := uuid.New()
	ch := store.AddChannel(tenant, db.ChannelStatusConnected)
	for _, p := range phones {
		store.AddContact(tenant, p, "")
	}

	c := &db.Campaign{
		ID:                 uuid.New(),
		TenantID:           tenant,
		Name:               "restock",
		MessageText:        "Back in stock",
		TargetType:         db.TargetAll,
		ScheduleType:       db.ScheduleImmediate,
		RateLimitPerMinute: 30,
		Status:             db.CampaignStatusDraft,
	}
	require.NoError(t, store.CreateCampaign(context.Background(), c))

	mat := campaign.NewMaterializer(store, campaign.NewResolver(store, zap.NewNop()), 3, zap.NewNop())
	_, err := mat.Materialize(context.Background(), c.ID)
	require.NoError(t, err)

	tr := &scriptedTransport{}
	agg := campaign.NewAggregator(store, nil, zap.NewNop())
	w := New(store, tr, nil, agg, Config{RetryBase: 30 * time.Second, RetryCap: 30 * time.Minute}, zap.NewNop())
	w.now = clock.Now

	return &harness{store: store, clock: clock, channel: ch, campaign: c, transport: tr, worker: w}
}

// claim moves the row to processing the way the scheduler would and returns
// its dispatch message
func (h *harness) claim(t *testing.T, id uuid.UUID) *dispatch.Message {
	t.Helper()
	item, err := h.store.ClaimItem(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, item, "row should be claimable")
	return dispatch.NewMessage(item, h.clock.Now())
}

func (h *harness) item(t *testing.T, id uuid.UUID) *db.QueueItem {
	t.Helper()
	it, err := h.store.GetQueueItem(context.Background(), id)
	require.NoError(t, err)
	return it
}

func TestProcess_Success(t *testing.T) {
	h := newHarness(t, "5511900000001")
	row := h.store.Items(h.campaign.ID)[0]

	require.NoError(t, h.worker.Process(context.Background(), h.claim(t, row.ID)))

	it := h.item(t, row.ID)
	assert.Equal(t, db.ItemStatusSent, it.Status)
	require.NotNil(t, it.ProviderMessageID)
	assert.NotNil(t, it.SentAt)
	assert.Equal(t, 0, it.RetryCount)

	history, err := h.store.ListHistory(context.Background(), row.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, db.ItemStatusSent, history[0].Outcome)
	assert.Equal(t, 1, history[0].Attempt)
	assert.Equal(t, it.ProviderMessageID, history[0].ProviderMessageID)

	c, err := h.store.GetCampaign(context.Background(), h.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, db.CampaignStatusCompleted, c.Status)
	assert.Equal(t, 1, c.SentCount)

	require.Len(t, h.transport.calls, 1)
	assert.Equal(t, "5511900000001", h.transport.calls[0].Phone)
	assert.Equal(t, h.channel.ID, h.transport.calls[0].ChannelID)
}

func TestProcess_AlwaysFailingTransport(t *testing.T) {
	h := newHarness(t, "5511900000001")
	h.transport.err = &transport.Error{StatusCode: 503, Body: "unavailable"}
	row := h.store.Items(h.campaign.ID)[0]

	wantDelays := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute}
	for i, delay := range wantDelays {
		require.NoError(t, h.worker.Process(context.Background(), h.claim(t, row.ID)))

		it := h.item(t, row.ID)
		assert.Equal(t, db.ItemStatusRetry, it.Status, "attempt %d", i+1)
		assert.Equal(t, i+1, it.RetryCount)
		assert.True(t, it.ScheduledFor.Equal(h.clock.Now().Add(delay)), "attempt %d scheduled %s", i+1, it.ScheduledFor)
		require.NotNil(t, it.LastError)
		assert.Contains(t, *it.LastError, "503")

		h.clock.Set(it.ScheduledFor)
	}

	require.NoError(t, h.worker.Process(context.Background(), h.claim(t, row.ID)))

	it := h.item(t, row.ID)
	assert.Equal(t, db.ItemStatusFailed, it.Status)
	assert.Equal(t, 4, it.RetryCount)
	assert.Equal(t, 4, h.transport.Calls())

	history, err := h.store.ListHistory(context.Background(), row.ID)
	require.NoError(t, err)
	var outcomes []string
	for _, e := range history {
		outcomes = append(outcomes, e.Outcome)
	}
	assert.Equal(t, []string{"retry", "retry", "retry", "failed"}, outcomes)

	c, err := h.store.GetCampaign(context.Background(), h.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, db.CampaignStatusFailed, c.Status)
	assert.Equal(t, 1, c.FailedCount)

	// a late duplicate of the final message changes nothing
	require.NoError(t, h.worker.Process(context.Background(), dispatch.NewMessage(it, h.clock.Now())))
	assert.Equal(t, 4, h.transport.Calls())
	assert.Equal(t, db.ItemStatusFailed, h.item(t, row.ID).Status)
}

func TestProcess_ChannelUnavailable(t *testing.T) {
	h := newHarness(t, "5511900000001")
	h.store.SetChannelStatus(h.channel.ID, "disconnected")
	row := h.store.Items(h.campaign.ID)[0]

	require.NoError(t, h.worker.Process(context.Background(), h.claim(t, row.ID)))

	assert.Equal(t, 0, h.transport.Calls())
	it := h.item(t, row.ID)
	assert.Equal(t, db.ItemStatusRetry, it.Status)
	require.NotNil(t, it.LastError)
	assert.Contains(t, *it.LastError, "unavailable")
}

func TestProcess_DuplicateDeliveryIsNoop(t *testing.T) {
	h := newHarness(t, "5511900000001")
	row := h.store.Items(h.campaign.ID)[0]
	msg := h.claim(t, row.ID)

	require.NoError(t, h.worker.Process(context.Background(), msg))
	require.NoError(t, h.worker.Process(context.Background(), msg))

	assert.Equal(t, 1, h.transport.Calls())
	history, err := h.store.ListHistory(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestProcess_UnknownItem(t *testing.T) {
	h := newHarness(t, "5511900000001")

	err := h.worker.Process(context.Background(), &dispatch.Message{QueueItemID: uuid.New()})
	assert.NoError(t, err)
	assert.Equal(t, 0, h.transport.Calls())
}

type failingStore struct {
	Store
}

func (failingStore) GetQueueItem(ctx context.Context, id uuid.UUID) (*db.QueueItem, error) {
	return nil, errors.New("connection refused")
}

func TestProcess_StoreErrorIsReturned(t *testing.T) {
	w := New(failingStore{}, &scriptedTransport{}, nil, nil, Config{}, zap.NewNop())

	err := w.Process(context.Background(), &dispatch.Message{QueueItemID: uuid.New()})
	assert.ErrorContains(t, err, "connection refused")
}

func TestRetryDelay(t *testing.T) {
	base := 30 * time.Second
	ceiling := 5 * time.Minute

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 5 * time.Minute},
		{60, 5 * time.Minute},
	}

	for _, tt := range tests {
		if got := RetryDelay(tt.retry, base, ceiling); got != tt.want {
			t.Errorf("RetryDelay(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}
}

func TestRun_ConsumesAndAcks(t *testing.T) {
	h := newHarness(t, "5511900000001", "5511900000002")
	queue := dispatch.NewMemoryQueue(8)
	h.worker.consumer = queue
	h.worker.config.Concurrency = 2

	for _, row := range h.store.Items(h.campaign.ID) {
		_, err := queue.Publish(context.Background(), h.claim(t, row.ID))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, it := range h.store.Items(h.campaign.ID) {
			if it.Status != db.ItemStatusSent {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, 0, queue.Len())
}
