package lifecycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sparkle-hq/jobcore/internal/evidence"
	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

// Status is the closed set of job states.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAccepted         Status = "accepted"
	StatusEnRoute          Status = "en_route"
	StatusCheckedIn        Status = "checked_in"
	StatusInProgress       Status = "in_progress"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusDisputed         Status = "disputed"
	StatusCancelled        Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:          {StatusAccepted, StatusCancelled},
	StatusAccepted:         {StatusEnRoute, StatusCancelled},
	StatusEnRoute:          {StatusCheckedIn, StatusCancelled},
	StatusCheckedIn:        {StatusInProgress, StatusCancelled},
	StatusInProgress:       {StatusAwaitingApproval, StatusCancelled},
	StatusAwaitingApproval: {StatusCompleted, StatusDisputed},
	StatusCompleted:        {StatusDisputed},
	StatusDisputed:         {StatusCompleted, StatusCancelled},
	StatusCancelled:        nil,
}

// ParseStatus rejects unknown statuses at the boundary.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if _, ok := transitions[s]; !ok {
		return "", fmt.Errorf("%w: unknown job status %q", shared.ErrValidation, raw)
	}
	return s, nil
}

// CanTransition reports whether the table has the edge from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// HoldResolved reports whether a job in this status has had its hold resolved.
func (s Status) HoldResolved() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Window is a half-open time range.
type Window struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// Job is a booked cleaning job.
type Job struct {
	ID             uuid.UUID            `json:"id"`
	ClientID       string               `json:"client_id"`
	CleanerID      *string              `json:"cleaner_id,omitempty"`
	Status         Status               `json:"status"`
	ScheduledStart time.Time            `json:"scheduled_start"`
	ScheduledEnd   time.Time            `json:"scheduled_end"`
	ActualWindow   *Window              `json:"actual_window,omitempty"`
	EscrowAmount   int64                `json:"escrow_amount"`
	Location       evidence.Coordinates `json:"location"`
	Address        string               `json:"address,omitempty"`
	HoldEntryID    uuid.UUID            `json:"hold_entry_id"`
	PausedAt       *time.Time           `json:"paused_at,omitempty"`
	PausedSeconds  int64                `json:"paused_seconds"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
	Rating         *int                 `json:"rating,omitempty"`
	Version        int64                `json:"version"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// IsClient reports whether the caller booked the job.
func (j Job) IsClient(c shared.Caller) bool {
	return c.Role == shared.RoleClient && c.ID == j.ClientID
}

// IsAssignedCleaner reports whether the caller is the cleaner on the job.
func (j Job) IsAssignedCleaner(c shared.Caller) bool {
	return c.Role == shared.RoleCleaner && j.CleanerID != nil && *j.CleanerID == c.ID
}

// IsParticipant reports whether the caller may read the job.
func (j Job) IsParticipant(c shared.Caller) bool {
	return c.IsOperator() || j.IsClient(c) || j.IsAssignedCleaner(c)
}

// Paused reports whether the work timer is paused.
func (j Job) Paused() bool {
	return j.PausedAt != nil
}

// WorkedSeconds is the time spent in progress excluding pauses.
func (j Job) WorkedSeconds(now time.Time) int64 {
	if j.ActualWindow == nil {
		return 0
	}
	end := now
	if j.ActualWindow.End != nil {
		end = *j.ActualWindow.End
	}
	if j.PausedAt != nil {
		end = *j.PausedAt
	}
	worked := int64(end.Sub(j.ActualWindow.Start).Seconds()) - j.PausedSeconds
	return max(worked, 0)
}

// Transition is one row of the job's narrative timeline.
type Transition struct {
	ID        uuid.UUID `json:"id"`
	JobID     uuid.UUID `json:"job_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ActorID   string    `json:"actor_id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BookInput describes a booking request.
type BookInput struct {
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	EscrowAmount   int64
	Location       evidence.Coordinates
	Address        string
	IdempotencyKey string
}

// Validate checks booking input.
func (in BookInput) Validate() error {
	if in.EscrowAmount <= 0 {
		return fmt.Errorf("%w: escrow amount must be positive", shared.ErrValidation)
	}
	if in.ScheduledStart.IsZero() || !in.ScheduledEnd.After(in.ScheduledStart) {
		return fmt.Errorf("%w: scheduled window end must follow start", shared.ErrValidation)
	}
	if err := in.Location.Validate(); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	return nil
}

// Result is returned by every command: the job after the change and the
// ledger rows written by it.
type Result struct {
	Job           Job            `json:"job"`
	LedgerEntries []ledger.Entry `json:"ledger_entries,omitempty"`
	Override      bool           `json:"override,omitempty"`
}
