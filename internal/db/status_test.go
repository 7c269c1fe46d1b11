package db

import (
	"errors"
	"testing"
)

func TestValidateItemTransition(t *testing.T) {
	tests := []struct {
		from, to string
		ok       bool
	}{
		{ItemStatusQueued, ItemStatusProcessing, true},
		{ItemStatusRetry, ItemStatusProcessing, true},
		{ItemStatusProcessing, ItemStatusSent, true},
		{ItemStatusProcessing, ItemStatusRetry, true},
		{ItemStatusProcessing, ItemStatusFailed, true},
		{ItemStatusProcessing, ItemStatusQueued, true},
		{ItemStatusQueued, ItemStatusSent, false},
		{ItemStatusRetry, ItemStatusFailed, false},
		{ItemStatusSent, ItemStatusProcessing, false},
		{ItemStatusSent, ItemStatusFailed, false},
		{ItemStatusFailed, ItemStatusRetry, false},
		{ItemStatusFailed, ItemStatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			err := ValidateItemTransition(tt.from, tt.to)
			if tt.ok && err != nil {
				t.Errorf("expected allowed, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestValidateCampaignTransition(t *testing.T) {
	tests := []struct {
		from, to string
		ok       bool
	}{
		{CampaignStatusDraft, CampaignStatusRunning, true},
		{CampaignStatusPaused, CampaignStatusRunning, true},
		{CampaignStatusRunning, CampaignStatusPaused, true},
		{CampaignStatusRunning, CampaignStatusCompleted, true},
		{CampaignStatusRunning, CampaignStatusFailed, true},
		{CampaignStatusDraft, CampaignStatusCompleted, false},
		{CampaignStatusCompleted, CampaignStatusRunning, false},
		{CampaignStatusFailed, CampaignStatusRunning, false},
		{CampaignStatusPaused, CampaignStatusCompleted, false},
	}

	for _, tt := range tests {
		err := ValidateCampaignTransition(tt.from, tt.to)
		if (err == nil) != tt.ok {
			t.Errorf("%s -> %s: ok=%v, err=%v", tt.from, tt.to, tt.ok, err)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []string{ItemStatusSent, ItemStatusFailed} {
		if !IsTerminalItemStatus(s) {
			t.Errorf("%s should be terminal", s)
		}
		for _, to := range []string{ItemStatusQueued, ItemStatusProcessing, ItemStatusRetry, ItemStatusSent, ItemStatusFailed} {
			if ValidateItemTransition(s, to) == nil {
				t.Errorf("terminal %s must not move to %s", s, to)
			}
		}
	}
	if IsTerminalItemStatus(ItemStatusRetry) {
		t.Error("retry is not terminal")
	}
}

func TestStatusCounts(t *testing.T) {
	var c StatusCounts
	c.Add(ItemStatusQueued, 2)
	c.Add(ItemStatusRetry, 1)
	c.Add(ItemStatusSent, 3)
	c.Add(ItemStatusFailed, 1)
	c.Add("bogus", 10)

	if c.Total() != 7 {
		t.Errorf("expected total 7, got %d", c.Total())
	}
	if c.Pending() != 3 {
		t.Errorf("expected pending 3, got %d", c.Pending())
	}
}
