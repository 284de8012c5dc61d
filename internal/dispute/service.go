package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/lifecycle"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

const referenceAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// Config holds the dispute policy.
type Config struct {
	Window              time.Duration
	SplitClientShareBPS int64
}

// Service opens and resolves disputes.
type Service struct {
	repo   Repository
	jobs   *lifecycle.Service
	ledger *ledger.Service
	audit  shared.AuditRecorder
	cfg    Config
	logger *slog.Logger
}

// NewService constructs the dispute service.
func NewService(repo Repository, jobs *lifecycle.Service, led *ledger.Service, audit shared.AuditRecorder, cfg Config, logger *slog.Logger) *Service {
	if cfg.Window <= 0 {
		cfg.Window = 72 * time.Hour
	}
	if cfg.SplitClientShareBPS <= 0 || cfg.SplitClientShareBPS >= 10000 {
		cfg.SplitClientShareBPS = 5000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, jobs: jobs, ledger: led, audit: audit, cfg: cfg, logger: logger}
}

func newReference() (string, error) {
	id, err := gonanoid.Generate(referenceAlphabet, 8)
	if err != nil {
		return "", err
	}
	return "DSP-" + id, nil
}

// Open lets the client dispute a job awaiting approval, or a completed job
// within the dispute window. The job moves to disputed and payouts derived
// from it are frozen.
func (s *Service) Open(ctx context.Context, caller shared.Caller, in OpenInput) (Dispute, lifecycle.Job, error) {
	if strings.TrimSpace(in.Reason) == "" {
		return Dispute{}, lifecycle.Job{}, fmt.Errorf("%w: dispute reason required", shared.ErrValidation)
	}
	ref, err := newReference()
	if err != nil {
		return Dispute{}, lifecycle.Job{}, fmt.Errorf("generate reference: %w", err)
	}

	var (
		d   Dispute
		job lifecycle.Job
		tr  lifecycle.Transition
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.Jobs().GetJob(ctx, in.JobID)
		if err != nil {
			return err
		}
		if !current.IsClient(caller) {
			return fmt.Errorf("%w: only the job's client may open a dispute", shared.ErrForbidden)
		}
		if open, err := tx.OpenForJob(ctx, current.ID); err == nil {
			return fmt.Errorf("%w: dispute %s is already open for this job", shared.ErrInvalidState, open.Reference)
		} else if !errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("load open dispute: %w", err)
		}
		now := s.jobs.Now()
		switch current.Status {
		case lifecycle.StatusAwaitingApproval:
		case lifecycle.StatusCompleted:
			if current.CompletedAt == nil || now.After(current.CompletedAt.Add(s.cfg.Window)) {
				return fmt.Errorf("%w: %w", &shared.TransitionError{From: string(current.Status), To: string(lifecycle.StatusDisputed)},
					shared.NewGuardrailError(shared.ReasonDisputeWindowClosed, "dispute window of "+s.cfg.Window.String()+" has passed"))
			}
		default:
			return &shared.TransitionError{From: string(current.Status), To: string(lifecycle.StatusDisputed)}
		}

		next := current
		next.Status = lifecycle.StatusDisputed
		job, tr, err = s.jobs.ApplyTx(ctx, tx.Jobs(), current, next, caller.ID, in.Reason)
		if err != nil {
			return err
		}
		if err := s.ledger.FreezeTx(ctx, tx.Ledger(), current.ID, "dispute "+ref); err != nil {
			return fmt.Errorf("freeze payouts: %w", err)
		}
		d = Dispute{
			ID:             uuid.New(),
			Reference:      ref,
			JobID:          current.ID,
			OpenedBy:       caller.ID,
			Reason:         strings.TrimSpace(in.Reason),
			Details:        in.Details,
			Status:         StatusOpen,
			PriorJobStatus: current.Status,
			CreatedAt:      now,
		}
		return tx.Insert(ctx, d)
	})
	if err != nil {
		return Dispute{}, lifecycle.Job{}, err
	}
	s.jobs.AfterCommit(ctx, tr)
	s.logger.Info("dispute opened",
		slog.String("dispute_id", d.ID.String()),
		slog.String("reference", d.Reference),
		slog.String("job_id", d.JobID.String()),
		slog.String("prior_status", string(d.PriorJobStatus)))
	return d, job, nil
}

// Resolve applies an operator's ruling. The freeze is lifted, the ledger is
// corrected with offsetting entries only, and the job leaves disputed in the
// same transaction. Resolving twice returns the first ruling with
// ErrAlreadyResolved.
func (s *Service) Resolve(ctx context.Context, caller shared.Caller, in ResolveInput) (Dispute, error) {
	if !caller.IsOperator() {
		return Dispute{}, fmt.Errorf("%w: only operators resolve disputes", shared.ErrForbidden)
	}
	if _, err := ParseOutcome(string(in.Outcome)); err != nil {
		return Dispute{}, err
	}

	var (
		d  Dispute
		tr lifecycle.Transition
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		d, err = tx.Get(ctx, in.DisputeID)
		if err != nil {
			return err
		}
		if !d.IsOpen() {
			return shared.ErrAlreadyResolved
		}
		job, err := tx.Jobs().GetJob(ctx, d.JobID)
		if err != nil {
			return err
		}
		if job.Status != lifecycle.StatusDisputed {
			return fmt.Errorf("%w: job is %s, not disputed", shared.ErrInvalidState, job.Status)
		}
		if err := s.ledger.LiftTx(ctx, tx.Ledger(), job.ID); err != nil {
			return fmt.Errorf("lift freeze: %w", err)
		}

		entries, next, err := s.settle(ctx, tx, job, in)
		if err != nil {
			return err
		}
		_, tr, err = s.jobs.ApplyTx(ctx, tx.Jobs(), job, next, caller.ID, "dispute "+string(in.Outcome))
		if err != nil {
			return err
		}

		now := s.jobs.Now()
		resolver := caller.ID
		d.Status = in.Outcome
		d.ResolvedBy = &resolver
		d.ResolvedAt = &now
		d.ResolutionNote = in.Note
		for _, e := range entries {
			d.ResolutionEntryIDs = append(d.ResolutionEntryIDs, e.ID)
		}
		return tx.Resolve(ctx, d)
	})
	if errors.Is(err, shared.ErrAlreadyResolved) {
		return d, err
	}
	if err != nil {
		return Dispute{}, err
	}

	s.jobs.AfterCommit(ctx, tr)
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  caller.ID,
			Action:   "dispute.resolve",
			Entity:   "dispute",
			EntityID: d.ID.String(),
			Meta: map[string]any{
				"outcome":   string(d.Status),
				"job_id":    d.JobID.String(),
				"entry_ids": d.ResolutionEntryIDs,
			},
			At: *d.ResolvedAt,
		}); err != nil {
			s.logger.Error("audit dispute resolution", slog.String("dispute_id", d.ID.String()), slog.Any("error", err))
		}
	}
	s.logger.Info("dispute resolved",
		slog.String("dispute_id", d.ID.String()),
		slog.String("outcome", string(d.Status)),
		slog.Int("ledger_entries", len(d.ResolutionEntryIDs)))
	return d, nil
}

// settle writes the ledger side of a ruling and returns the job's next state.
// A hold that is still pending is resolved first; a captured job is corrected
// with refunds and clawbacks.
func (s *Service) settle(ctx context.Context, tx TxRepository, job lifecycle.Job, in ResolveInput) ([]ledger.Entry, lifecycle.Job, error) {
	next := job
	captured, err := holdCaptured(ctx, tx.Ledger(), job.HoldEntryID)
	if err != nil {
		return nil, next, err
	}
	cleaner := ""
	if job.CleanerID != nil {
		cleaner = *job.CleanerID
	}

	var entries []ledger.Entry
	capture := func() error {
		if captured {
			return nil
		}
		settlement, err := s.ledger.SettleApprovalTx(ctx, tx.Ledger(), ledger.SettleInput{
			HoldID:           job.HoldEntryID,
			CleanerAccountID: cleaner,
			IdempotencyKey:   in.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		entries = append(entries, settlement.Entries()...)
		now := s.jobs.Now()
		next.CompletedAt = &now
		return nil
	}
	refund := func(amount int64, memo string) error {
		rows, err := s.ledger.RefundSettledTx(ctx, tx.Ledger(), ledger.RefundInput{
			JobID:            job.ID,
			ClientAccountID:  job.ClientID,
			CleanerAccountID: cleaner,
			Amount:           amount,
			Memo:             memo,
		})
		entries = append(entries, rows...)
		return err
	}

	switch in.Outcome {
	case StatusResolvedClient:
		next.Status = lifecycle.StatusCancelled
		if !captured {
			rev, err := s.ledger.ReverseHoldTx(ctx, tx.Ledger(), job.HoldEntryID, "dispute resolved for client")
			if err != nil {
				return nil, next, err
			}
			return []ledger.Entry{rev}, next, nil
		}
		if err := refund(job.EscrowAmount, "dispute resolved for client"); err != nil {
			return nil, next, err
		}
	case StatusResolvedCleaner:
		next.Status = lifecycle.StatusCompleted
		if err := capture(); err != nil {
			return nil, next, err
		}
	case StatusResolvedSplit:
		next.Status = lifecycle.StatusCompleted
		if err := capture(); err != nil {
			return nil, next, err
		}
		share := job.EscrowAmount * s.cfg.SplitClientShareBPS / 10000
		if share > 0 {
			if err := refund(share, "dispute split refund"); err != nil {
				return nil, next, err
			}
		}
	}
	return entries, next, nil
}

func holdCaptured(ctx context.Context, tx ledger.TxRepository, holdID uuid.UUID) (bool, error) {
	res, err := tx.FindResolution(ctx, holdID)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	case res.Type != ledger.EntrySpend:
		return false, fmt.Errorf("%w: hold %s was already released", shared.ErrInvalidState, holdID)
	}
	return true, nil
}

// Get returns a dispute to an operator or the client who opened it.
func (s *Service) Get(ctx context.Context, caller shared.Caller, id uuid.UUID) (Dispute, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return Dispute{}, err
	}
	if !caller.IsOperator() && caller.ID != d.OpenedBy {
		return Dispute{}, fmt.Errorf("%w: caller may not view this dispute", shared.ErrForbidden)
	}
	return d, nil
}

// ListByJob returns every dispute raised on a job, oldest first.
func (s *Service) ListByJob(ctx context.Context, caller shared.Caller, jobID uuid.UUID) ([]Dispute, error) {
	if _, err := s.jobs.GetJob(ctx, caller, jobID); err != nil {
		return nil, err
	}
	return s.repo.ListByJob(ctx, jobID)
}
