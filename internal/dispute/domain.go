package dispute

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sparkle-hq/jobcore/internal/lifecycle"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

// Status tracks a dispute from open to one of its resolutions.
type Status string

const (
	StatusOpen            Status = "open"
	StatusResolvedClient  Status = "resolved_client"
	StatusResolvedCleaner Status = "resolved_cleaner"
	StatusResolvedSplit   Status = "resolved_split"
)

// ParseOutcome accepts only the three resolution statuses.
func ParseOutcome(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusResolvedClient, StatusResolvedCleaner, StatusResolvedSplit:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown dispute outcome %q", shared.ErrValidation, raw)
	}
}

// Dispute is a client complaint about a job awaiting approval or completed.
type Dispute struct {
	ID                 uuid.UUID        `json:"id"`
	Reference          string           `json:"reference"`
	JobID              uuid.UUID        `json:"job_id"`
	OpenedBy           string           `json:"opened_by"`
	Reason             string           `json:"reason"`
	Details            string           `json:"details,omitempty"`
	Status             Status           `json:"status"`
	PriorJobStatus     lifecycle.Status `json:"prior_job_status"`
	ResolutionEntryIDs []uuid.UUID      `json:"resolution_ledger_entry_ids,omitempty"`
	ResolvedBy         *string          `json:"resolved_by,omitempty"`
	ResolutionNote     string           `json:"resolution_note,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	ResolvedAt         *time.Time       `json:"resolved_at,omitempty"`
}

// IsOpen reports whether the dispute awaits an operator.
func (d Dispute) IsOpen() bool {
	return d.Status == StatusOpen
}

// OpenInput describes a client's dispute.
type OpenInput struct {
	JobID   uuid.UUID
	Reason  string
	Details string
}

// ResolveInput describes an operator's ruling.
type ResolveInput struct {
	DisputeID      uuid.UUID
	Outcome        Status
	Note           string
	IdempotencyKey string
}
