// Package gate decides whether the recorded evidence permits a job transition.
// Decisions are pure functions of their inputs so a denied call can be
// re-evaluated on retry with the same answer.
package gate

import (
	"fmt"
	"strings"

	"github.com/sparkle-hq/jobcore/internal/evidence"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

// Status names mirror the lifecycle enum; the gate only inspects the edges it
// guards and lets every other edge through.
const (
	statusEnRoute          = "en_route"
	statusCheckedIn        = "checked_in"
	statusInProgress       = "in_progress"
	statusAwaitingApproval = "awaiting_approval"
)

// Decision is the gate verdict. Override is set when a manual override stood
// in for a valid GPS check-in; the caller logs it.
type Decision struct {
	Allowed  bool
	Reason   string
	Detail   string
	Override bool
}

// Err converts a denial into a GuardrailError; allowed decisions yield nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return shared.NewGuardrailError(d.Reason, d.Detail)
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// CanTransition evaluates the evidence rules for from -> to.
func CanTransition(from, to string, snap evidence.Snapshot) Decision {
	switch {
	case from == statusEnRoute && to == statusCheckedIn:
		return checkIn(snap)
	case from == statusInProgress && to == statusAwaitingApproval:
		return submit(snap)
	default:
		return allow()
	}
}

func checkIn(snap evidence.Snapshot) Decision {
	if snap.LatestValidCheckIn != nil {
		return allow()
	}
	if snap.HasOverride() {
		return Decision{Allowed: true, Override: true}
	}
	if snap.LatestCheckIn == nil {
		return deny(shared.ReasonOutsideServiceRadius, "no check-in recorded")
	}
	return deny(shared.ReasonOutsideServiceRadius,
		fmt.Sprintf("latest check-in %.0fm from the job site", snap.LatestCheckIn.DistanceFromJobMeters))
}

func submit(snap evidence.Snapshot) Decision {
	var missing []string
	if snap.BeforePhotos < 1 {
		missing = append(missing, "before photo")
	}
	if snap.AfterPhotos < 1 {
		missing = append(missing, "after photo")
	}
	if snap.LatestCheckOut == nil {
		missing = append(missing, "check-out")
	}
	if len(missing) > 0 {
		return deny(shared.ReasonMissingEvidence, "missing "+strings.Join(missing, ", "))
	}
	return allow()
}
