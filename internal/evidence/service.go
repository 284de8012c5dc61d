package evidence

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sparkle-hq/jobcore/internal/shared"
)

// Service records evidence and assembles snapshots. It holds no business rules;
// deciding what the evidence permits is the gate's job.
type Service struct {
	repo         Repository
	radiusMeters float64
	now          func() time.Time
}

// NewService constructs the evidence service. radiusMeters is the service radius
// used to derive WithinRadius for GPS events.
func NewService(repo Repository, radiusMeters float64) *Service {
	return &Service{repo: repo, radiusMeters: radiusMeters, now: time.Now}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RadiusMeters exposes the configured service radius.
func (s *Service) RadiusMeters() float64 {
	return s.radiusMeters
}

// RecordCheckInInput describes a GPS event reported by a device.
type RecordCheckInInput struct {
	JobID      uuid.UUID
	Kind       CheckInKind
	Site       Coordinates
	Position   Coordinates
	RecordedBy string
}

// RecordCheckIn persists a GPS event. Out-of-radius events are stored too so
// that retries leave an audit trail.
func (s *Service) RecordCheckIn(ctx context.Context, in RecordCheckInInput) (CheckInEvent, error) {
	if !in.Kind.IsValid() {
		return CheckInEvent{}, fmt.Errorf("%w: unknown check-in kind %q", shared.ErrValidation, in.Kind)
	}
	if err := in.Position.Validate(); err != nil {
		return CheckInEvent{}, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	distance := DistanceMeters(in.Site, in.Position)
	ev := CheckInEvent{
		ID:                    uuid.New(),
		JobID:                 in.JobID,
		Kind:                  in.Kind,
		Source:                SourceGPS,
		Lat:                   in.Position.Lat,
		Lng:                   in.Position.Lng,
		AccuracyMeters:        in.Position.AccuracyMeters,
		DistanceFromJobMeters: distance,
		WithinRadius:          distance <= s.radiusMeters,
		RecordedBy:            in.RecordedBy,
		CreatedAt:             s.now().UTC(),
	}
	if err := s.repo.InsertCheckIn(ctx, ev); err != nil {
		return CheckInEvent{}, fmt.Errorf("insert check-in: %w", err)
	}
	return ev, nil
}

// RecordOverride stores an operator-issued manual override for the job.
func (s *Service) RecordOverride(ctx context.Context, jobID uuid.UUID, operatorID, note string) (CheckInEvent, error) {
	if strings.TrimSpace(note) == "" {
		return CheckInEvent{}, fmt.Errorf("%w: override note required", shared.ErrValidation)
	}
	ev := CheckInEvent{
		ID:         uuid.New(),
		JobID:      jobID,
		Kind:       KindCheckIn,
		Source:     SourceManualOverride,
		RecordedBy: operatorID,
		Note:       note,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.InsertCheckIn(ctx, ev); err != nil {
		return CheckInEvent{}, fmt.Errorf("insert override: %w", err)
	}
	return ev, nil
}

// AddPhotoInput describes a photo upload reference.
type AddPhotoInput struct {
	JobID      uuid.UUID
	Kind       PhotoKind
	URL        string
	UploadedBy string
}

// AddPhoto appends a photo reference.
func (s *Service) AddPhoto(ctx context.Context, in AddPhotoInput) (Photo, error) {
	if !in.Kind.IsValid() {
		return Photo{}, fmt.Errorf("%w: unknown photo kind %q", shared.ErrValidation, in.Kind)
	}
	u, err := url.Parse(in.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Photo{}, fmt.Errorf("%w: photo url must be absolute", shared.ErrValidation)
	}
	photo := Photo{
		ID:         uuid.New(),
		JobID:      in.JobID,
		Kind:       in.Kind,
		URL:        in.URL,
		UploadedBy: in.UploadedBy,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.InsertPhoto(ctx, photo); err != nil {
		return Photo{}, fmt.Errorf("insert photo: %w", err)
	}
	return photo, nil
}

// Evidence lists every row recorded for a job.
type Evidence struct {
	CheckIns []CheckInEvent `json:"check_ins"`
	Photos   []Photo        `json:"photos"`
	Snapshot Snapshot       `json:"snapshot"`
}

// List loads all evidence rows for a job.
func (s *Service) List(ctx context.Context, jobID uuid.UUID) (Evidence, error) {
	if s == nil || s.repo == nil {
		return Evidence{}, errors.New("evidence service not initialised")
	}
	var (
		events []CheckInEvent
		photos []Photo
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		events, err = s.repo.ListCheckIns(gctx, jobID)
		return err
	})
	g.Go(func() error {
		var err error
		photos, err = s.repo.ListPhotos(gctx, jobID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Evidence{}, fmt.Errorf("load evidence: %w", err)
	}
	return Evidence{CheckIns: events, Photos: photos, Snapshot: Build(jobID, events, photos)}, nil
}

// Snapshot rebuilds the gate view of a job's evidence.
func (s *Service) Snapshot(ctx context.Context, jobID uuid.UUID) (Snapshot, error) {
	ev, err := s.List(ctx, jobID)
	if err != nil {
		return Snapshot{}, err
	}
	return ev.Snapshot, nil
}
