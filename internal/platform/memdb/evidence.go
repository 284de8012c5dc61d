package memdb

import (
	"context"

	"github.com/google/uuid"

	"github.com/sparkle-hq/jobcore/internal/evidence"
)

type evidenceRepo struct{ s *Store }

var _ evidence.Repository = evidenceRepo{}

func (r evidenceRepo) InsertCheckIn(_ context.Context, ev evidence.CheckInEvent) error {
	r.s.evMu.Lock()
	defer r.s.evMu.Unlock()
	r.s.ev.checkIns = append(r.s.ev.checkIns, ev)
	return nil
}

func (r evidenceRepo) InsertPhoto(_ context.Context, photo evidence.Photo) error {
	r.s.evMu.Lock()
	defer r.s.evMu.Unlock()
	r.s.ev.photos = append(r.s.ev.photos, photo)
	return nil
}

func (r evidenceRepo) ListCheckIns(_ context.Context, jobID uuid.UUID) ([]evidence.CheckInEvent, error) {
	r.s.evMu.RLock()
	defer r.s.evMu.RUnlock()
	var out []evidence.CheckInEvent
	for _, ev := range r.s.ev.checkIns {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r evidenceRepo) ListPhotos(_ context.Context, jobID uuid.UUID) ([]evidence.Photo, error) {
	r.s.evMu.RLock()
	defer r.s.evMu.RUnlock()
	var out []evidence.Photo
	for _, p := range r.s.ev.photos {
		if p.JobID == jobID {
			out = append(out, p)
		}
	}
	return out, nil
}
