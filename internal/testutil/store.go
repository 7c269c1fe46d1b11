// Package testutil holds in-memory stand-ins for the Postgres store and the
// clock, used by pipeline tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalithlochan/wabroadcast/internal/db"
)

// Clock is a settable time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type contactRow struct {
	db.Contact
	funnelID *uuid.UUID
	stageID  *uuid.UUID
	tags     []string
}

// ContactOption sets CRM attributes on a test contact
type ContactOption func(*contactRow)

func InFunnel(id uuid.UUID) ContactOption {
	return func(c *contactRow) { c.funnelID = &id }
}

func InStage(id uuid.UUID) ContactOption {
	return func(c *contactRow) { c.stageID = &id }
}

func Tagged(tags ...string) ContactOption {
	return func(c *contactRow) { c.tags = tags }
}

// MemStore implements the repository methods the pipeline uses, with the
// same conditional-update semantics as the SQL versions
type MemStore struct {
	mu sync.Mutex

	campaigns     map[uuid.UUID]*db.Campaign
	campaignOrder []uuid.UUID
	items         map[uuid.UUID]*db.QueueItem
	itemOrder     []uuid.UUID
	history       []*db.HistoryEntry
	contacts      []*contactRow
	channels      []*db.Channel

	now func() time.Time

	// CommitCalls counts CommitMaterialization invocations
	CommitCalls int
}

// NewMemStore creates an empty store reading time from now
func NewMemStore(now func() time.Time) *MemStore {
	if now == nil {
		now = time.Now
	}
	return &MemStore{
		campaigns: make(map[uuid.UUID]*db.Campaign),
		items:     make(map[uuid.UUID]*db.QueueItem),
		now:       now,
	}
}

// AddChannel registers a channel for a tenant
func (s *MemStore) AddChannel(tenantID uuid.UUID, status string) *db.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := &db.Channel{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      fmt.Sprintf("channel-%d", len(s.channels)+1),
		Status:    status,
		CreatedAt: s.now(),
	}
	s.channels = append(s.channels, ch)
	cp := *ch
	return &cp
}

func (s *MemStore) SetChannelStatus(id uuid.UUID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.ID == id {
			ch.Status = status
		}
	}
}

// AddContact registers a CRM contact
func (s *MemStore) AddContact(tenantID uuid.UUID, phone, name string, opts ...ContactOption) db.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := &contactRow{Contact: db.Contact{ID: uuid.New(), TenantID: tenantID, Phone: phone, Name: name}}
	for _, opt := range opts {
		opt(row)
	}
	s.contacts = append(s.contacts, row)
	return row.Contact
}

// Items returns a campaign's rows in insertion order
func (s *MemStore) Items(campaignID uuid.UUID) []db.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []db.QueueItem
	for _, id := range s.itemOrder {
		if it := s.items[id]; it.CampaignID == campaignID {
			out = append(out, *it)
		}
	}
	return out
}

// SetItemUpdatedAt backdates a row, for sweep tests
func (s *MemStore) SetItemUpdatedAt(id uuid.UUID, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		it.UpdatedAt = t
	}
}

func (s *MemStore) CreateCampaign(ctx context.Context, c *db.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.campaigns[c.ID]; ok {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	now := s.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	s.campaigns[c.ID] = &cp
	s.campaignOrder = append(s.campaignOrder, c.ID)
	return nil
}

func (s *MemStore) GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, db.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemStore) ListCampaigns(ctx context.Context, tenantID uuid.UUID, status string) ([]*db.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.Campaign
	for i := len(s.campaignOrder) - 1; i >= 0; i-- {
		c := s.campaigns[s.campaignOrder[i]]
		if c.TenantID != tenantID || (status != "" && c.Status != status) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, from, to string) error {
	if err := db.ValidateCampaignTransition(from, to); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok || c.Status != from {
		return fmt.Errorf("%w: campaign %s is no longer %s", db.ErrInvalidTransition, id, from)
	}
	c.Status = to
	c.UpdatedAt = s.now()
	return nil
}

func (s *MemStore) CountItemsByStatus(ctx context.Context, campaignID uuid.UUID) (db.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts db.StatusCounts
	for _, it := range s.items {
		if it.CampaignID == campaignID {
			counts.Add(it.Status, 1)
		}
	}
	return counts, nil
}

func (s *MemStore) UpdateCampaignAggregate(ctx context.Context, id uuid.UUID, counts db.StatusCounts, expect, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok || c.Status != expect {
		return false, nil
	}
	c.TotalRecipients = counts.Total()
	c.SentCount = counts.Sent
	c.FailedCount = counts.Failed
	c.Status = status
	if db.IsTerminalCampaignStatus(status) && c.CompletedAt == nil {
		now := s.now()
		c.CompletedAt = &now
	}
	c.UpdatedAt = s.now()
	return true, nil
}

func (s *MemStore) CommitMaterialization(ctx context.Context, campaignID uuid.UUID, items []*db.QueueItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.CommitCalls++

	c, ok := s.campaigns[campaignID]
	if !ok {
		return 0, fmt.Errorf("campaign %s: %w", campaignID, db.ErrNotFound)
	}
	if err := db.ValidateCampaignTransition(c.Status, db.CampaignStatusRunning); err != nil {
		return 0, err
	}

	existing := 0
	for _, it := range s.items {
		if it.CampaignID == campaignID {
			existing++
		}
	}

	count := existing
	if existing == 0 {
		phones := make(map[string]bool)
		now := s.now()
		for _, it := range items {
			if phones[it.Phone] {
				continue
			}
			phones[it.Phone] = true
			cp := *it
			cp.CreatedAt = now
			cp.UpdatedAt = now
			s.items[cp.ID] = &cp
			s.itemOrder = append(s.itemOrder, cp.ID)
			count++
		}
	}

	c.Status = db.CampaignStatusRunning
	c.TotalRecipients = count
	if c.StartedAt == nil {
		now := s.now()
		c.StartedAt = &now
	}
	c.UpdatedAt = s.now()
	return count, nil
}

func (s *MemStore) GetChannel(ctx context.Context, id uuid.UUID) (*db.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.channels {
		if ch.ID == id {
			cp := *ch
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("channel %s: %w", id, db.ErrNotFound)
}

func (s *MemStore) DefaultChannel(ctx context.Context, tenantID uuid.UUID) (*db.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.channels {
		if ch.TenantID == tenantID {
			cp := *ch
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("tenant %s has no channel: %w", tenantID, db.ErrNotFound)
}

func (s *MemStore) ListContacts(ctx context.Context, tenantID uuid.UUID, filter db.ContactFilter) ([]*db.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.Contact
	for _, c := range s.contacts {
		if c.TenantID != tenantID || !matches(c, filter) {
			continue
		}
		cp := c.Contact
		out = append(out, &cp)
	}
	return out, nil
}

func matches(c *contactRow, f db.ContactFilter) bool {
	if f.FunnelID != nil && (c.funnelID == nil || *c.funnelID != *f.FunnelID) {
		return false
	}
	if f.StageID != nil && (c.stageID == nil || *c.stageID != *f.StageID) {
		return false
	}
	if len(f.Tags) > 0 && !overlaps(c.tags, f.Tags) {
		return false
	}
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == c.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func (s *MemStore) SelectDueItems(ctx context.Context, now time.Time, limit, perTenant int) ([]*db.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// itemOrder is insertion order, which stands in for the seq column
	byTenant := make(map[uuid.UUID][]*db.QueueItem)
	for _, id := range s.itemOrder {
		it := s.items[id]
		if it.Status != db.ItemStatusQueued && it.Status != db.ItemStatusRetry {
			continue
		}
		if it.ScheduledFor.After(now) {
			continue
		}
		if c, ok := s.campaigns[it.CampaignID]; !ok || c.Status != db.CampaignStatusRunning {
			continue
		}
		cp := *it
		byTenant[it.TenantID] = append(byTenant[it.TenantID], &cp)
	}

	type ranked struct {
		item *db.QueueItem
		rank int
		pos  int
	}
	var due []ranked
	for _, rows := range byTenant {
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].Priority != rows[j].Priority {
				return rows[i].Priority > rows[j].Priority
			}
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		})
		for i, it := range rows {
			if i >= perTenant {
				break
			}
			due = append(due, ranked{item: it, rank: i})
		}
	}

	pos := make(map[uuid.UUID]int, len(s.itemOrder))
	for i, id := range s.itemOrder {
		pos[id] = i
	}
	for i := range due {
		due[i].pos = pos[due[i].item.ID]
	}

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		if a.item.Priority != b.item.Priority {
			return a.item.Priority > b.item.Priority
		}
		if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
			return a.item.CreatedAt.Before(b.item.CreatedAt)
		}
		return a.pos < b.pos
	})

	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*db.QueueItem, 0, len(due))
	for _, d := range due {
		out = append(out, d.item)
	}
	return out, nil
}

func (s *MemStore) ClaimItem(ctx context.Context, id uuid.UUID) (*db.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok || (it.Status != db.ItemStatusQueued && it.Status != db.ItemStatusRetry) {
		return nil, nil
	}
	it.Status = db.ItemStatusProcessing
	it.UpdatedAt = s.now()
	cp := *it
	return &cp, nil
}

func (s *MemStore) RescheduleItem(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it, ok := s.items[id]; ok && (it.Status == db.ItemStatusQueued || it.Status == db.ItemStatusRetry) {
		it.ScheduledFor = at
		it.UpdatedAt = s.now()
	}
	return nil
}

func (s *MemStore) ResolveItem(ctx context.Context, res db.Resolution) error {
	if err := db.ValidateItemTransition(db.ItemStatusProcessing, res.Status); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[res.ItemID]
	if !ok || it.Status != db.ItemStatusProcessing {
		return fmt.Errorf("%w: queue item %s is not processing", db.ErrInvalidTransition, res.ItemID)
	}

	now := s.now()
	it.Status = res.Status
	it.RetryCount = res.RetryCount
	if res.ScheduledFor != nil {
		it.ScheduledFor = *res.ScheduledFor
	}
	it.LastError = res.LastError
	if res.ProviderMessageID != nil {
		it.ProviderMessageID = res.ProviderMessageID
	}
	if res.Status == db.ItemStatusSent {
		it.SentAt = &now
	}
	it.UpdatedAt = now

	s.history = append(s.history, &db.HistoryEntry{
		ID:                uuid.New(),
		QueueItemID:       res.ItemID,
		CampaignID:        res.CampaignID,
		Attempt:           res.Attempt,
		Outcome:           res.Status,
		ProviderMessageID: res.ProviderMessageID,
		Error:             res.LastError,
		CreatedAt:         now,
	})
	return nil
}

func (s *MemStore) ReclaimStaleItems(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, it := range s.items {
		if it.Status == db.ItemStatusProcessing && it.UpdatedAt.Before(cutoff) {
			it.Status = db.ItemStatusQueued
			it.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *MemStore) GetQueueItem(ctx context.Context, id uuid.UUID) (*db.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("queue item %s: %w", id, db.ErrNotFound)
	}
	cp := *it
	return &cp, nil
}

func (s *MemStore) ListQueueItems(ctx context.Context, campaignID uuid.UUID, status string, limit, offset int) ([]*db.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.QueueItem
	for _, id := range s.itemOrder {
		it := s.items[id]
		if it.CampaignID != campaignID || (status != "" && it.Status != status) {
			continue
		}
		cp := *it
		out = append(out, &cp)
	}

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) ListHistory(ctx context.Context, itemID uuid.UUID) ([]*db.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.HistoryEntry
	for _, h := range s.history {
		if h.QueueItemID == itemID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MemLimiter is a per-tenant fixed-window limiter keyed by clock minute
type MemLimiter struct {
	mu     sync.Mutex
	now    func() time.Time
	counts map[string]int
}

func NewMemLimiter(now func() time.Time) *MemLimiter {
	return &MemLimiter{now: now, counts: make(map[string]int)}
}

func (l *MemLimiter) TryConsume(ctx context.Context, tenantID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := fmt.Sprintf("%s:%d", tenantID, l.now().Unix()/60)
	if l.counts[key] >= limit {
		return false, nil
	}
	l.counts[key]++
	return true, nil
}
