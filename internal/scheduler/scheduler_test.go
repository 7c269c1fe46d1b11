package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/wabroadcast/internal/campaign"
	"github.com/lalithlochan/wabroadcast/internal/db"
	"github.com/lalithlochan/wabroadcast/internal/dispatch"
	"github.com/lalithlochan/wabroadcast/internal/testutil"
	"github.com/lalithlochan/wabroadcast/internal/transport"
	"github.com/lalithlochan/wabroadcast/internal/worker"
)

type okTransport struct{}

func (okTransport) Send(ctx context.Context, req transport.SendRequest) (*transport.SendResult, error) {
	return &transport.SendResult{MessageID: "wamid." + req.ItemID.String()}, nil
}

type pipeline struct {
	store   *testutil.MemStore
	clock   *testutil.Clock
	limiter *testutil.MemLimiter
	queue   *dispatch.MemoryQueue
	agg     *campaign.Aggregator
	mat     *campaign.Materializer
	sched   *Scheduler
	worker  *worker.Worker
}

func newPipeline(t *testing.T, start time.Time) *pipeline {
	t.Helper()

	clock := testutil.NewClock(start)
	store := testutil.NewMemStore(clock.Now)
	limiter := testutil.NewMemLimiter(clock.Now)
	queue := dispatch.NewMemoryQueue(64)
	agg := campaign.NewAggregator(store, nil, zap.NewNop())
	mat := campaign.NewMaterializer(store, campaign.NewResolver(store, zap.NewNop()), 3, zap.NewNop()).WithClock(clock.Now)

	sched := New(store, limiter, queue, agg, Config{
		BatchSize:         100,
		ProcessingTimeout: 5 * time.Minute,
		BusinessHours:     BusinessHours{StartHour: 8, EndHour: 18},
		DefaultTimezone:   time.UTC,
	}, zap.NewNop())
	sched.now = clock.Now

	w := worker.New(store, okTransport{}, queue, agg, worker.Config{}, zap.NewNop())

	return &pipeline{store: store, clock: clock, limiter: limiter, queue: queue, agg: agg, mat: mat, sched: sched, worker: w}
}

// start creates and materializes a running campaign for a fresh tenant
func (p *pipeline) start(t *testing.T, phones []string, mutate ...func(*db.Campaign)) *db.Campaign {
	t.Helper()
	return p.startFor(t, uuid.New(), phones, mutate...)
}

func (p *pipeline) startFor(t *testing.T, tenant uuid.UUID, phones []string, mutate ...func(*db.Campaign)) *db.Campaign {
	t.Helper()

	if _, err := p.store.DefaultChannel(context.Background(), tenant); err != nil {
		p.store.AddChannel(tenant, db.ChannelStatusConnected)
	}

	targets := make([]campaign.PhoneTarget, 0, len(phones))
	for _, ph := range phones {
		targets = append(targets, campaign.PhoneTarget{Phone: ph})
	}
	raw, err := json.Marshal(campaign.TargetConfig{Phones: targets})
	require.NoError(t, err)

	c := &db.Campaign{
		ID:                 uuid.New(),
		TenantID:           tenant,
		Name:               "weekly promo",
		MessageText:        "Deals this week",
		TargetType:         db.TargetCustomList,
		TargetConfig:       raw,
		ScheduleType:       db.ScheduleImmediate,
		RateLimitPerMinute: 30,
		Status:             db.CampaignStatusDraft,
	}
	for _, m := range mutate {
		m(c)
	}
	require.NoError(t, p.store.CreateCampaign(context.Background(), c))

	_, err = p.mat.Materialize(context.Background(), c.ID)
	require.NoError(t, err)
	return c
}

// drain processes whatever the last tick pushed
func (p *pipeline) drain(t *testing.T) {
	t.Helper()
	for p.queue.Len() > 0 {
		deliveries, err := p.queue.Receive(context.Background())
		require.NoError(t, err)
		for _, d := range deliveries {
			require.NoError(t, p.worker.Process(context.Background(), d.Message))
			require.NoError(t, d.Ack(context.Background()))
		}
	}
}

func (p *pipeline) campaign(t *testing.T, id uuid.UUID) *db.Campaign {
	t.Helper()
	c, err := p.store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	return c
}

func statuses(items []db.QueueItem) map[string]int {
	out := make(map[string]int)
	for _, it := range items {
		out[it.Status]++
	}
	return out
}

func TestTick_OnePerMinuteCompletesAfterThreeTicks(t *testing.T) {
	p := newPipeline(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	c := p.start(t, []string{"5511900000001", "5511900000002", "5511900000003"}, func(c *db.Campaign) {
		c.RateLimitPerMinute = 1
	})

	res, err := p.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Selected: 3, Dispatched: 1, RateLimited: 2}, res)
	p.drain(t)
	assert.Equal(t, 1, p.campaign(t, c.ID).SentCount)

	// same minute: no more tokens
	res, err = p.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Dispatched)
	assert.Equal(t, 2, res.RateLimited)

	for minute := 2; minute <= 3; minute++ {
		p.clock.Advance(time.Minute)
		res, err = p.sched.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Dispatched, "minute %d", minute)
		p.drain(t)
	}

	got := p.campaign(t, c.ID)
	assert.Equal(t, db.CampaignStatusCompleted, got.Status)
	assert.Equal(t, 3, got.SentCount)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, map[string]int{"sent": 3}, statuses(p.store.Items(c.ID)))
}

func TestTick_BusinessHoursDefersToNextMorning(t *testing.T) {
	p := newPipeline(t, time.Date(2024, 3, 4, 22, 0, 0, 0, time.UTC))
	c := p.start(t, []string{"5511900000001", "5511900000002"}, func(c *db.Campaign) {
		c.BusinessHoursOnly = true
		c.RateLimitPerMinute = 1
	})

	res, err := p.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Selected: 2, Deferred: 2}, res)

	nextMorning := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)
	for _, it := range p.store.Items(c.ID) {
		assert.Equal(t, db.ItemStatusQueued, it.Status)
		assert.True(t, it.ScheduledFor.Equal(nextMorning), "scheduled_for = %s", it.ScheduledFor)
	}

	// deferral consumed no token
	ok, err := p.limiter.TryConsume(context.Background(), c.TenantID.String(), 1)
	require.NoError(t, err)
	assert.True(t, ok)

	p.clock.Advance(time.Hour)
	res, err = p.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Selected)

	p.clock.Set(nextMorning)
	res, err = p.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
}

func TestTick_BusinessHoursUsesCampaignTimezone(t *testing.T) {
	// 12:00 UTC is 09:00 in São Paulo, 22:00 UTC is 19:00
	p := newPipeline(t, time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC))
	tz := "America/Sao_Paulo"
	c := p.start(t, []string{"5511900000001", "5511900000002"}, func(c *db.Campaign) {
		c.BusinessHoursOnly = true
		c.Timezone = &tz
		c.RateLimitPerMinute = 1
	})

	res, err := p.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)

	p.clock.Set(time.Date(2024, 3, 4, 22, 0, 0, 0, time.UTC))
	res, err = p.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)

	for _, it := range p.store.Items(c.ID) {
		if it.Status == db.ItemStatusQueued {
			assert.True(t, it.ScheduledFor.Equal(time.Date(2024, 3, 5, 11, 0, 0, 0, time.UTC)), "scheduled_for = %s", it.ScheduledFor)
		}
	}
}

func TestTick_IgnoresCampaignsNotRunning(t *testing.T) {
	p := newPipeline(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	c := p.start(t, []string{"5511900000001", "5511900000002"}, func(c *db.Campaign) {
		c.RateLimitPerMinute = 1
	})
	require.NoError(t, p.store.UpdateCampaignStatus(context.Background(), c.ID, db.CampaignStatusRunning, db.CampaignStatusPaused))

	res, err := p.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{}, res)
	assert.Equal(t, map[string]int{"queued": 2}, statuses(p.store.Items(c.ID)))
	assert.Equal(t, db.CampaignStatusPaused, p.campaign(t, c.ID).Status)

	ok, err := p.limiter.TryConsume(context.Background(), c.TenantID.String(), 1)
	require.NoError(t, err)
	assert.True(t, ok, "paused rows must not consume tokens")
}

func TestTick_PausedBacklogDoesNotFillBatch(t *testing.T) {
	p := newPipeline(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	p.sched.config.BatchSize = 3
	p.sched.config.TenantBatchSize = 3

	tenant := uuid.New()
	paused := p.startFor(t, tenant, []string{"5511900000001", "5511900000002", "5511900000003"})
	require.NoError(t, p.store.UpdateCampaignStatus(context.Background(), paused.ID, db.CampaignStatusRunning, db.CampaignStatusPaused))

	p.clock.Advance(time.Second)
	running := p.startFor(t, tenant, []string{"5511900000004"})

	res, err := p.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Selected: 1, Dispatched: 1}, res)
	assert.Equal(t, map[string]int{"processing": 1}, statuses(p.store.Items(running.ID)))
	assert.Equal(t, map[string]int{"queued": 3}, statuses(p.store.Items(paused.ID)))
}

func TestTick_RateLimitedTenantDoesNotStarveOthers(t *testing.T) {
	p := newPipeline(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	p.sched.config.BatchSize = 3
	p.sched.config.TenantBatchSize = 3

	busy := p.start(t, []string{
		"5511900000001", "5511900000002", "5511900000003",
		"5511900000004", "5511900000005", "5511900000006",
	}, func(c *db.Campaign) {
		c.RateLimitPerMinute = 1
	})
	p.clock.Advance(time.Second)
	quiet := p.start(t, []string{"5511900000007"})

	res, err := p.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Selected: 3, Dispatched: 2, RateLimited: 1}, res)
	assert.Equal(t, map[string]int{"processing": 1}, statuses(p.store.Items(quiet.ID)))
	assert.Equal(t, map[string]int{"processing": 1, "queued": 5}, statuses(p.store.Items(busy.ID)))
}

func TestTick_TenantBatchSizeCapsBacklog(t *testing.T) {
	p := newPipeline(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	p.sched.config.BatchSize = 10
	p.sched.config.TenantBatchSize = 2

	busy := p.start(t, []string{
		"5511900000001", "5511900000002", "5511900000003",
		"5511900000004", "5511900000005", "5511900000006",
	})
	quiet := p.start(t, []string{"5511900000007"})

	res, err := p.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Selected: 3, Dispatched: 3}, res)
	assert.Equal(t, 2, statuses(p.store.Items(busy.ID))[db.ItemStatusProcessing])
	assert.Equal(t, 1, statuses(p.store.Items(quiet.ID))[db.ItemStatusProcessing])
}

type recordingPublisher struct {
	phones []string
	next   dispatch.Publisher
}

func (r *recordingPublisher) Publish(ctx context.Context, msg *dispatch.Message) (string, error) {
	r.phones = append(r.phones, msg.Phone)
	return r.next.Publish(ctx, msg)
}

func TestTick_DispatchFollowsMaterializationOrder(t *testing.T) {
	p := newPipeline(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	pub := &recordingPublisher{next: p.queue}
	p.sched.publisher = pub

	// every row shares one created_at, so insertion order is the tiebreaker
	phones := []string{"5511900000003", "5511900000001", "5511900000002"}
	p.start(t, phones, func(c *db.Campaign) {
		c.RateLimitPerMinute = 1
	})

	for range phones {
		_, err := p.sched.Tick(context.Background())
		require.NoError(t, err)
		p.drain(t)
		p.clock.Advance(time.Minute)
	}

	assert.Equal(t, phones, pub.phones)
}

func TestTick_TenantsLimitedIndependently(t *testing.T) {
	p := newPipeline(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	slow := p.start(t, []string{"5511900000001", "5511900000002"}, func(c *db.Campaign) {
		c.RateLimitPerMinute = 1
	})
	fast := p.start(t, []string{"5511900000003", "5511900000004"}, func(c *db.Campaign) {
		c.RateLimitPerMinute = 10
	})

	res, err := p.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Dispatched)
	assert.Equal(t, 1, res.RateLimited)

	assert.Equal(t, 1, statuses(p.store.Items(slow.ID))[db.ItemStatusProcessing])
	assert.Equal(t, 2, statuses(p.store.Items(fast.ID))[db.ItemStatusProcessing])
}

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, msg *dispatch.Message) (string, error) {
	return "", errors.New("queue unreachable")
}

func TestTick_PushFailureFailsRow(t *testing.T) {
	p := newPipeline(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	p.sched.publisher = failingPublisher{}
	c := p.start(t, []string{"5511900000001"})

	res, err := p.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Selected: 1, Failed: 1}, res)

	items := p.store.Items(c.ID)
	require.Len(t, items, 1)
	assert.Equal(t, db.ItemStatusFailed, items[0].Status)
	require.NotNil(t, items[0].LastError)
	assert.Contains(t, *items[0].LastError, "queue unreachable")

	history, err := p.store.ListHistory(context.Background(), items[0].ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, db.ItemStatusFailed, history[0].Outcome)

	assert.Equal(t, db.CampaignStatusFailed, p.campaign(t, c.ID).Status)
}

// cancellingPublisher fails the push after the tick's context is gone, the
// way a publish does when the tick deadline expires mid-call
type cancellingPublisher struct {
	cancel context.CancelFunc
}

func (c cancellingPublisher) Publish(ctx context.Context, msg *dispatch.Message) (string, error) {
	c.cancel()
	return "", ctx.Err()
}

// ctxStore rejects writes on a done context, as pgx does
type ctxStore struct {
	*testutil.MemStore
	resolveHadDeadline bool
}

func (s *ctxStore) ResolveItem(ctx context.Context, res db.Resolution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, s.resolveHadDeadline = ctx.Deadline()
	return s.MemStore.ResolveItem(ctx, res)
}

func TestTick_PushFailureAfterDeadlineStillFailsRow(t *testing.T) {
	p := newPipeline(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	store := &ctxStore{MemStore: p.store}
	p.sched.store = store

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.sched.publisher = cancellingPublisher{cancel: cancel}

	c := p.start(t, []string{"5511900000001"})

	res, err := p.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	items := p.store.Items(c.ID)
	require.Len(t, items, 1)
	assert.Equal(t, db.ItemStatusFailed, items[0].Status, "row must not be stranded in processing")
	require.NotNil(t, items[0].LastError)
	assert.Contains(t, *items[0].LastError, context.Canceled.Error())
	assert.True(t, store.resolveHadDeadline, "resolution must run under its own timeout")
}

type brokenLimiter struct{}

func (brokenLimiter) TryConsume(ctx context.Context, tenantID string, limit int) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestTick_LimiterErrorHoldsTenant(t *testing.T) {
	p := newPipeline(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	p.sched.limiter = brokenLimiter{}
	c := p.start(t, []string{"5511900000001", "5511900000002"})

	res, err := p.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Selected: 2, RateLimited: 2}, res)
	assert.Equal(t, map[string]int{"queued": 2}, statuses(p.store.Items(c.ID)))
}

func TestTick_ConcurrentSchedulersNeverDoubleDispatch(t *testing.T) {
	p := newPipeline(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	phones := []string{"5511900000001", "5511900000002", "5511900000003", "5511900000004", "5511900000005"}
	c := p.start(t, phones)

	other := New(p.store, p.limiter, p.queue, p.agg, Config{}, zap.NewNop())
	other.now = p.clock.Now

	var wg sync.WaitGroup
	results := make([]TickResult, 2)
	for i, s := range []*Scheduler{p.sched, other} {
		wg.Add(1)
		go func(i int, s *Scheduler) {
			defer wg.Done()
			res, err := s.Tick(context.Background())
			assert.NoError(t, err)
			results[i] = res
		}(i, s)
	}
	wg.Wait()

	assert.Equal(t, len(phones), results[0].Dispatched+results[1].Dispatched)
	assert.Equal(t, len(phones), p.queue.Len())
	assert.Equal(t, map[string]int{"processing": len(phones)}, statuses(p.store.Items(c.ID)))
}

func TestSweep_ReclaimsStaleRows(t *testing.T) {
	p := newPipeline(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	c := p.start(t, []string{"5511900000001", "5511900000002"})

	_, err := p.sched.Tick(context.Background())
	require.NoError(t, err)

	items := p.store.Items(c.ID)
	p.store.SetItemUpdatedAt(items[0].ID, p.clock.Now().Add(-10*time.Minute))

	n, err := p.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := p.store.GetQueueItem(context.Background(), items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusQueued, got.Status)

	fresh, err := p.store.GetQueueItem(context.Background(), items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusProcessing, fresh.Status)
}

type recordingPurger struct {
	before time.Time
}

func (r *recordingPurger) PurgeRateLimitCounters(ctx context.Context, before time.Time) (int64, error) {
	r.before = before
	return 0, nil
}

func TestSweep_PurgesCounters(t *testing.T) {
	p := newPipeline(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	purger := &recordingPurger{}
	p.sched.WithCounterPurger(purger)

	_, err := p.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 4, 9, 50, 0, 0, time.UTC), purger.before)
}

func TestRunner_KickTriggersTick(t *testing.T) {
	p := newPipeline(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	p.start(t, []string{"5511900000001", "5511900000002"})

	r := NewRunner(p.sched, RunnerConfig{TickInterval: time.Hour, SweepInterval: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.Kick()
	r.Kick()

	require.Eventually(t, func() bool { return p.queue.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}
