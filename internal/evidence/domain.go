package evidence

import (
	"time"

	"github.com/google/uuid"
)

// CheckInKind distinguishes arrival from departure events.
type CheckInKind string

const (
	KindCheckIn  CheckInKind = "check_in"
	KindCheckOut CheckInKind = "check_out"
)

// IsValid checks if the kind is known.
func (k CheckInKind) IsValid() bool {
	return k == KindCheckIn || k == KindCheckOut
}

// Source records how a check-in event was produced.
type Source string

const (
	SourceGPS            Source = "gps"
	SourceManualOverride Source = "manual_override"
)

// PhotoKind enumerates before/after photos.
type PhotoKind string

const (
	PhotoBefore PhotoKind = "before"
	PhotoAfter  PhotoKind = "after"
)

// IsValid checks if the photo kind is known.
func (k PhotoKind) IsValid() bool {
	return k == PhotoBefore || k == PhotoAfter
}

// ParsePhotoKind rejects unknown kinds at the boundary.
func ParsePhotoKind(raw string) (PhotoKind, bool) {
	kind := PhotoKind(raw)
	return kind, kind.IsValid()
}

// Coordinates is a GPS fix reported by a device.
type Coordinates struct {
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracy_m"`
}

// CheckInEvent is an immutable GPS check-in or check-out.
type CheckInEvent struct {
	ID                    uuid.UUID   `json:"id"`
	JobID                 uuid.UUID   `json:"job_id"`
	Kind                  CheckInKind `json:"kind"`
	Source                Source      `json:"source"`
	Lat                   float64     `json:"lat"`
	Lng                   float64     `json:"lng"`
	AccuracyMeters        float64     `json:"accuracy_m"`
	DistanceFromJobMeters float64     `json:"distance_from_job_m"`
	WithinRadius          bool        `json:"within_radius"`
	RecordedBy            string      `json:"recorded_by"`
	Note                  string      `json:"note,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
}

// Photo is an immutable before/after photo reference.
type Photo struct {
	ID         uuid.UUID `json:"id"`
	JobID      uuid.UUID `json:"job_id"`
	Kind       PhotoKind `json:"kind"`
	URL        string    `json:"url"`
	UploadedBy string    `json:"uploaded_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// Snapshot is the evidence view the gate evaluates. It is rebuilt from storage
// at decision time and never cached.
type Snapshot struct {
	JobID              uuid.UUID     `json:"job_id"`
	LatestCheckIn      *CheckInEvent `json:"latest_check_in,omitempty"`
	LatestValidCheckIn *CheckInEvent `json:"latest_valid_check_in,omitempty"`
	LatestCheckOut     *CheckInEvent `json:"latest_check_out,omitempty"`
	LatestOverride     *CheckInEvent `json:"latest_override,omitempty"`
	BeforePhotos       int           `json:"before_photos"`
	AfterPhotos        int           `json:"after_photos"`
}

// HasOverride reports whether an operator recorded a manual override.
func (s Snapshot) HasOverride() bool {
	return s.LatestOverride != nil
}

// Build folds raw evidence rows into a Snapshot. Rows may be in any order.
func Build(jobID uuid.UUID, events []CheckInEvent, photos []Photo) Snapshot {
	snap := Snapshot{JobID: jobID}
	for i := range events {
		ev := events[i]
		if ev.Source == SourceManualOverride {
			if newer(snap.LatestOverride, ev) {
				snap.LatestOverride = &ev
			}
			continue
		}
		switch ev.Kind {
		case KindCheckIn:
			if newer(snap.LatestCheckIn, ev) {
				snap.LatestCheckIn = &ev
			}
			if ev.WithinRadius && newer(snap.LatestValidCheckIn, ev) {
				snap.LatestValidCheckIn = &ev
			}
		case KindCheckOut:
			if newer(snap.LatestCheckOut, ev) {
				snap.LatestCheckOut = &ev
			}
		}
	}
	for _, p := range photos {
		switch p.Kind {
		case PhotoBefore:
			snap.BeforePhotos++
		case PhotoAfter:
			snap.AfterPhotos++
		}
	}
	return snap
}

func newer(current *CheckInEvent, candidate CheckInEvent) bool {
	return current == nil || !candidate.CreatedAt.Before(current.CreatedAt)
}
