package campaign

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a campaign or row does not exist or belongs
// to another tenant
var ErrNotFound = errors.New("campaign not found")

// ValidationError reports bad campaign input or target configuration
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// EmptyTargetError means the target resolved to zero recipients
type EmptyTargetError struct {
	TargetType string
}

func (e *EmptyTargetError) Error() string {
	return fmt.Sprintf("target %q resolved to no recipients", e.TargetType)
}

// MaterializationError means queue rows could not be created for a campaign
type MaterializationError struct {
	CampaignID uuid.UUID
	Reason     string
	Err        error
}

func (e *MaterializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("materialize campaign %s: %s: %v", e.CampaignID, e.Reason, e.Err)
	}
	return fmt.Sprintf("materialize campaign %s: %s", e.CampaignID, e.Reason)
}

func (e *MaterializationError) Unwrap() error {
	return e.Err
}
