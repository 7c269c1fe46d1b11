package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lalithlochan/wabroadcast/internal/db"
	"go.uber.org/zap"
)

// ContactSource reads tenant contacts
type ContactSource interface {
	ListContacts(ctx context.Context, tenantID uuid.UUID, filter db.ContactFilter) ([]*db.Contact, error)
}

// Recipient is one resolved destination. ContactID is nil for ad-hoc numbers
// from a custom list.
type Recipient struct {
	ContactID   *uuid.UUID
	Phone       string
	DisplayName string
}

// TargetConfig is the JSON shape stored in campaigns.target_config
type TargetConfig struct {
	FunnelID   *uuid.UUID    `json:"funnel_id,omitempty"`
	StageID    *uuid.UUID    `json:"stage_id,omitempty"`
	Tags       []string      `json:"tags,omitempty"`
	ContactIDs []uuid.UUID   `json:"contact_ids,omitempty"`
	Phones     []PhoneTarget `json:"phones,omitempty"`
}

type PhoneTarget struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

// Resolver turns a campaign target into a snapshot list of recipients
type Resolver struct {
	contacts ContactSource
	logger   *zap.Logger
}

func NewResolver(contacts ContactSource, logger *zap.Logger) *Resolver {
	return &Resolver{
		contacts: contacts,
		logger:   logger,
	}
}

// ParseTargetConfig decodes and checks the config for a target type
func ParseTargetConfig(targetType string, raw json.RawMessage) (*TargetConfig, error) {
	if !db.IsValidTargetType(targetType) {
		return nil, &ValidationError{Field: "target_type", Reason: fmt.Sprintf("unknown target type %q", targetType)}
	}

	var cfg TargetConfig
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, &ValidationError{Field: "target_config", Reason: err.Error()}
		}
	}

	switch targetType {
	case db.TargetFunnel:
		if cfg.FunnelID == nil {
			return nil, &ValidationError{Field: "target_config.funnel_id", Reason: "required for funnel target"}
		}
	case db.TargetStage:
		if cfg.StageID == nil {
			return nil, &ValidationError{Field: "target_config.stage_id", Reason: "required for stage target"}
		}
	case db.TargetTags:
		if len(cfg.Tags) == 0 {
			return nil, &ValidationError{Field: "target_config.tags", Reason: "at least one tag required"}
		}
	case db.TargetCustomList:
		if len(cfg.ContactIDs) == 0 && len(cfg.Phones) == 0 {
			return nil, &ValidationError{Field: "target_config", Reason: "custom list needs contact_ids or phones"}
		}
	}

	return &cfg, nil
}

// Resolve returns the deduplicated recipients for a target. Duplicates by
// normalized phone keep the first occurrence.
func (r *Resolver) Resolve(ctx context.Context, targetType string, raw json.RawMessage, tenantID uuid.UUID) ([]Recipient, error) {
	cfg, err := ParseTargetConfig(targetType, raw)
	if err != nil {
		return nil, err
	}

	var recipients []Recipient
	switch targetType {
	case db.TargetAll:
		recipients, err = r.fromContacts(ctx, tenantID, db.ContactFilter{})
	case db.TargetFunnel:
		recipients, err = r.fromContacts(ctx, tenantID, db.ContactFilter{FunnelID: cfg.FunnelID})
	case db.TargetStage:
		recipients, err = r.fromContacts(ctx, tenantID, db.ContactFilter{StageID: cfg.StageID})
	case db.TargetTags:
		recipients, err = r.fromContacts(ctx, tenantID, db.ContactFilter{Tags: cfg.Tags})
	case db.TargetCustomList:
		if len(cfg.ContactIDs) > 0 {
			recipients, err = r.fromContacts(ctx, tenantID, db.ContactFilter{IDs: cfg.ContactIDs})
		}
		for _, p := range cfg.Phones {
			recipients = append(recipients, Recipient{Phone: p.Phone, DisplayName: p.Name})
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s target: %w", targetType, err)
	}

	recipients = dedupe(recipients)
	if len(recipients) == 0 {
		return nil, &EmptyTargetError{TargetType: targetType}
	}

	r.logger.Debug("target resolved",
		zap.String("tenant_id", tenantID.String()),
		zap.String("target_type", targetType),
		zap.Int("recipients", len(recipients)),
	)

	return recipients, nil
}

func (r *Resolver) fromContacts(ctx context.Context, tenantID uuid.UUID, filter db.ContactFilter) ([]Recipient, error) {
	contacts, err := r.contacts.ListContacts(ctx, tenantID, filter)
	if err != nil {
		return nil, err
	}

	out := make([]Recipient, 0, len(contacts))
	for _, c := range contacts {
		id := c.ID
		out = append(out, Recipient{ContactID: &id, Phone: c.Phone, DisplayName: c.Name})
	}
	return out, nil
}

func dedupe(in []Recipient) []Recipient {
	seen := make(map[string]struct{}, len(in))
	out := make([]Recipient, 0, len(in))
	for _, rc := range in {
		phone := NormalizePhone(rc.Phone)
		if phone == "" {
			continue
		}
		if _, ok := seen[phone]; ok {
			continue
		}
		seen[phone] = struct{}{}
		rc.Phone = phone
		out = append(out, rc)
	}
	return out
}

// NormalizePhone keeps only the digits of a phone number
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
