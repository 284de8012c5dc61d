package gate

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkle-hq/jobcore/internal/evidence"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

func checkInEvent(within bool, distance float64) *evidence.CheckInEvent {
	return &evidence.CheckInEvent{
		ID: uuid.New(), Kind: evidence.KindCheckIn, Source: evidence.SourceGPS,
		WithinRadius: within, DistanceFromJobMeters: distance,
	}
}

func TestCheckInRules(t *testing.T) {
	out := checkInEvent(false, 420)
	in := checkInEvent(true, 20)
	override := &evidence.CheckInEvent{ID: uuid.New(), Source: evidence.SourceManualOverride}

	cases := []struct {
		name     string
		snap     evidence.Snapshot
		allowed  bool
		override bool
	}{
		{name: "no evidence", snap: evidence.Snapshot{}},
		{name: "out of radius", snap: evidence.Snapshot{LatestCheckIn: out}},
		{name: "within radius", snap: evidence.Snapshot{LatestCheckIn: in, LatestValidCheckIn: in}, allowed: true},
		{name: "older valid check-in still counts", snap: evidence.Snapshot{LatestCheckIn: out, LatestValidCheckIn: in}, allowed: true},
		{name: "override", snap: evidence.Snapshot{LatestCheckIn: out, LatestOverride: override}, allowed: true, override: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := CanTransition("en_route", "checked_in", tc.snap)
			assert.Equal(t, tc.allowed, d.Allowed)
			assert.Equal(t, tc.override, d.Override)
			if !tc.allowed {
				var gerr *shared.GuardrailError
				require.True(t, errors.As(d.Err(), &gerr))
				assert.Equal(t, shared.ReasonOutsideServiceRadius, gerr.Reason)
			} else {
				assert.NoError(t, d.Err())
			}
		})
	}
}

func TestSubmitRequiresPhotosAndCheckOut(t *testing.T) {
	checkOut := &evidence.CheckInEvent{ID: uuid.New(), Kind: evidence.KindCheckOut}

	d := CanTransition("in_progress", "awaiting_approval", evidence.Snapshot{BeforePhotos: 1, LatestCheckOut: checkOut})
	require.False(t, d.Allowed)
	require.Equal(t, shared.ReasonMissingEvidence, d.Reason)
	require.Contains(t, d.Detail, "after photo")
	require.ErrorIs(t, d.Err(), shared.ErrGuardrailViolation)

	d = CanTransition("in_progress", "awaiting_approval", evidence.Snapshot{BeforePhotos: 1, AfterPhotos: 2})
	require.False(t, d.Allowed)
	require.Contains(t, d.Detail, "check-out")

	d = CanTransition("in_progress", "awaiting_approval", evidence.Snapshot{BeforePhotos: 1, AfterPhotos: 1, LatestCheckOut: checkOut})
	require.True(t, d.Allowed)
}

func TestUnguardedEdgesPass(t *testing.T) {
	require.True(t, CanTransition("awaiting_approval", "completed", evidence.Snapshot{}).Allowed)
	require.True(t, CanTransition("pending", "accepted", evidence.Snapshot{}).Allowed)
}

func TestDecisionsAreDeterministic(t *testing.T) {
	snap := evidence.Snapshot{LatestCheckIn: checkInEvent(false, 300)}
	first := CanTransition("en_route", "checked_in", snap)
	second := CanTransition("en_route", "checked_in", snap)
	require.Equal(t, first, second)
}
