// Package memdb is the in-memory store driver. Transactions are serialised
// on one mutex and rolled back by restoring a snapshot, which gives the same
// all-or-nothing behaviour as the PostgreSQL repositories for local runs and
// tests.
package memdb

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/sparkle-hq/jobcore/internal/dispute"
	"github.com/sparkle-hq/jobcore/internal/evidence"
	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/lifecycle"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

type state struct {
	jobs        map[uuid.UUID]lifecycle.Job
	transitions []lifecycle.Transition
	entries     []ledger.Entry
	freezes     map[uuid.UUID]ledger.Freeze
	disputes    map[uuid.UUID]dispute.Dispute
}

func newState() *state {
	return &state{
		jobs:     make(map[uuid.UUID]lifecycle.Job),
		freezes:  make(map[uuid.UUID]ledger.Freeze),
		disputes: make(map[uuid.UUID]dispute.Dispute),
	}
}

func (s *state) clone() *state {
	return &state{
		jobs:        maps.Clone(s.jobs),
		transitions: slices.Clone(s.transitions),
		entries:     slices.Clone(s.entries),
		freezes:     maps.Clone(s.freezes),
		disputes:    maps.Clone(s.disputes),
	}
}

// Store holds every table of the core in memory.
type Store struct {
	mu    sync.Mutex
	data  *state
	evMu  sync.RWMutex
	ev    evidenceTables
	audMu sync.Mutex
	audit []shared.AuditLog
}

type evidenceTables struct {
	checkIns []evidence.CheckInEvent
	photos   []evidence.Photo
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: newState()}
}

// withTx runs fn against the live state under the store lock and restores the
// previous state if fn fails.
func (s *Store) withTx(fn func(*state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.data.clone()
	if err := fn(s.data); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (s *Store) read(fn func(*state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.data)
}

// Jobs returns the job repository.
func (s *Store) Jobs() lifecycle.Repository { return jobRepo{s} }

// Ledger returns the ledger repository.
func (s *Store) Ledger() ledger.Repository { return ledgerRepo{s} }

// Disputes returns the dispute repository.
func (s *Store) Disputes() dispute.Repository { return disputeRepo{s} }

// Evidence returns the evidence repository.
func (s *Store) Evidence() evidence.Repository { return evidenceRepo{s} }

// Record implements shared.AuditRecorder.
func (s *Store) Record(_ context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	s.audMu.Lock()
	defer s.audMu.Unlock()
	s.audit = append(s.audit, log)
	return nil
}

// AuditLogs returns a copy of the recorded audit trail.
func (s *Store) AuditLogs() []shared.AuditLog {
	s.audMu.Lock()
	defer s.audMu.Unlock()
	return slices.Clone(s.audit)
}

var _ shared.AuditRecorder = (*Store)(nil)
