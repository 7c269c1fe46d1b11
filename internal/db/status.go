package db

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

var itemTransitions = map[string][]string{
	ItemStatusQueued:     {ItemStatusProcessing},
	ItemStatusRetry:      {ItemStatusProcessing},
	ItemStatusProcessing: {ItemStatusSent, ItemStatusRetry, ItemStatusFailed, ItemStatusQueued},
	ItemStatusSent:       nil,
	ItemStatusFailed:     nil,
}

var campaignTransitions = map[string][]string{
	CampaignStatusDraft:     {CampaignStatusRunning},
	CampaignStatusPaused:    {CampaignStatusRunning},
	CampaignStatusRunning:   {CampaignStatusPaused, CampaignStatusCompleted, CampaignStatusFailed},
	CampaignStatusCompleted: nil,
	CampaignStatusFailed:    nil,
}

func allowed(table map[string][]string, from, to string) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateItemTransition returns ErrInvalidTransition unless from -> to is a
// legal queue row move
func ValidateItemTransition(from, to string) error {
	if !allowed(itemTransitions, from, to) {
		return fmt.Errorf("%w: queue item %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func ValidateCampaignTransition(from, to string) error {
	if !allowed(campaignTransitions, from, to) {
		return fmt.Errorf("%w: campaign %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func IsTerminalItemStatus(status string) bool {
	return status == ItemStatusSent || status == ItemStatusFailed
}

func IsTerminalCampaignStatus(status string) bool {
	return status == CampaignStatusCompleted || status == CampaignStatusFailed
}

// IsValidTargetType reports whether t is a known recipient target
func IsValidTargetType(t string) bool {
	switch t {
	case TargetAll, TargetFunnel, TargetStage, TargetTags, TargetCustomList:
		return true
	}
	return false
}
