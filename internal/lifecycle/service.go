package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sparkle-hq/jobcore/internal/evidence"
	"github.com/sparkle-hq/jobcore/internal/gate"
	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/platform/db"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

var tracer = otel.Tracer("github.com/sparkle-hq/jobcore/internal/lifecycle")

// Notifier hands committed transitions to the external notification fan-out.
type Notifier interface {
	NotifyTransition(ctx context.Context, tr Transition) error
}

// Metrics receives lifecycle counters.
type Metrics interface {
	ObserveTransition(from, to string)
	ObserveGuardrail(reason string)
	ObserveOverride()
}

// Service runs the job state machine.
type Service struct {
	repo     Repository
	evidence *evidence.Service
	ledger   *ledger.Service
	audit    shared.AuditRecorder
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the lifecycle service.
func NewService(repo Repository, ev *evidence.Service, led *ledger.Service, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, evidence: ev, ledger: led, audit: audit, logger: logger, now: time.Now}
}

// SetNotifier attaches the transition notifier.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetMetrics attaches counters.
func (s *Service) SetMetrics(m Metrics) { s.metrics = m }

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Now exposes the service clock to collaborators sharing its transactions.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

func startSpan(ctx context.Context, op string, jobID uuid.UUID, caller shared.Caller) (context.Context, trace.Span) {
	return tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(
		attribute.String("job.id", jobID.String()),
		attribute.String("caller.role", string(caller.Role)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func forbidden(action string) error {
	return fmt.Errorf("%w: caller may not %s this job", shared.ErrForbidden, action)
}

// Book creates a pending job and escrows its amount from the client in one
// transaction.
func (s *Service) Book(ctx context.Context, caller shared.Caller, in BookInput) (res Result, err error) {
	ctx, span := startSpan(ctx, "Book", uuid.Nil, caller)
	defer func() { endSpan(span, err) }()

	if caller.Role != shared.RoleClient {
		return Result{}, fmt.Errorf("%w: only clients book jobs", shared.ErrForbidden)
	}
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	now := s.Now()
	job := Job{
		ID:             uuid.New(),
		ClientID:       caller.ID,
		Status:         StatusPending,
		ScheduledStart: in.ScheduledStart.UTC(),
		ScheduledEnd:   in.ScheduledEnd.UTC(),
		EscrowAmount:   in.EscrowAmount,
		Location:       in.Location,
		Address:        in.Address,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	var tr Transition
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		hold, err := s.ledger.OpenHoldTx(ctx, tx.Ledger(), ledger.OpenHoldInput{
			AccountID:      caller.ID,
			JobID:          job.ID,
			Amount:         in.EscrowAmount,
			IdempotencyKey: in.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		if hold.JobID != nil && *hold.JobID != job.ID {
			// the key already booked a job; hand that one back
			existing, err := tx.GetJob(ctx, *hold.JobID)
			if err != nil {
				return err
			}
			res = Result{Job: existing}
			return nil
		}
		job.HoldEntryID = hold.ID
		if err := tx.InsertJob(ctx, job); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		tr = Transition{ID: uuid.New(), JobID: job.ID, To: StatusPending, ActorID: caller.ID, Reason: "booked", CreatedAt: now}
		if err := tx.InsertTransition(ctx, tr); err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}
		res = Result{Job: job, LedgerEntries: []ledger.Entry{hold}}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if len(res.LedgerEntries) > 0 {
		s.AfterCommit(ctx, tr)
	}
	return res, nil
}

// mutation applies command specific changes to the next job state and returns
// any ledger rows it wrote.
type mutation func(ctx context.Context, tx TxRepository, next *Job) ([]ledger.Entry, error)

type command struct {
	op        string
	from      Status
	to        Status
	reason    string
	authorize func(Job) error
	mutate    mutation
}

// run executes a status change: the job is re-read inside the transaction,
// checked against the table and the evidence gate, mutated and written
// conditionally on the status and version that were read.
func (s *Service) run(ctx context.Context, caller shared.Caller, jobID uuid.UUID, cmd command) (res Result, err error) {
	ctx, span := startSpan(ctx, cmd.op, jobID, caller)
	defer func() { endSpan(span, err) }()

	var tr Transition
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if err := cmd.authorize(job); err != nil {
			return err
		}
		if !CanTransition(job.Status, cmd.to) || (cmd.from != "" && job.Status != cmd.from) {
			return &shared.TransitionError{From: string(job.Status), To: string(cmd.to)}
		}
		snap, err := s.evidence.Snapshot(ctx, jobID)
		if err != nil {
			return err
		}
		decision := gate.CanTransition(string(job.Status), string(cmd.to), snap)
		if !decision.Allowed {
			if s.metrics != nil {
				s.metrics.ObserveGuardrail(decision.Reason)
			}
			return decision.Err()
		}
		if decision.Override {
			res.Override = true
			s.logger.Warn("transition allowed by manual override",
				slog.String("job_id", jobID.String()),
				slog.String("to", string(cmd.to)),
				slog.String("override_by", snap.LatestOverride.RecordedBy))
		}

		next := job
		if cmd.mutate != nil {
			entries, err := cmd.mutate(ctx, tx, &next)
			if err != nil {
				return err
			}
			res.LedgerEntries = entries
		}
		next.Status = cmd.to
		next, tr, err = s.ApplyTx(ctx, tx, job, next, caller.ID, cmd.reason)
		if err != nil {
			return err
		}
		res.Job = next
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.AfterCommit(ctx, tr)
	return res, nil
}

// ApplyTx writes next over prev inside tx. A status change must be an edge of
// the table and is recorded in the job's timeline; an unchanged status is timer
// bookkeeping only. The write fails with ErrConcurrencyConflict if the stored
// job no longer matches prev.
func (s *Service) ApplyTx(ctx context.Context, tx TxRepository, prev, next Job, actorID, reason string) (Job, Transition, error) {
	if next.Status != prev.Status && !CanTransition(prev.Status, next.Status) {
		return Job{}, Transition{}, &shared.TransitionError{From: string(prev.Status), To: string(next.Status)}
	}
	now := s.Now()
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	if err := tx.UpdateJob(ctx, next, prev.Status, prev.Version); err != nil {
		return Job{}, Transition{}, err
	}
	if next.Status == prev.Status {
		return next, Transition{}, nil
	}
	tr := Transition{
		ID:        uuid.New(),
		JobID:     next.ID,
		From:      prev.Status,
		To:        next.Status,
		ActorID:   actorID,
		Reason:    reason,
		CreatedAt: now,
	}
	if err := tx.InsertTransition(ctx, tr); err != nil {
		return Job{}, Transition{}, fmt.Errorf("insert transition: %w", err)
	}
	return next, tr, nil
}

// AfterCommit publishes committed transitions. When the command runs inside
// an idempotent request transaction, publishing waits for that commit.
// Notification failures are logged; the transition already happened.
func (s *Service) AfterCommit(ctx context.Context, trs ...Transition) {
	db.AfterCommit(ctx, func(ctx context.Context) {
		s.publish(ctx, trs)
	})
}

func (s *Service) publish(ctx context.Context, trs []Transition) {
	for _, tr := range trs {
		if tr.ID == uuid.Nil {
			continue
		}
		if s.metrics != nil {
			s.metrics.ObserveTransition(string(tr.From), string(tr.To))
		}
		s.logger.Info("job transition",
			slog.String("job_id", tr.JobID.String()),
			slog.String("from", string(tr.From)),
			slog.String("to", string(tr.To)),
			slog.String("actor_id", tr.ActorID))
		if s.notifier == nil {
			continue
		}
		if err := s.notifier.NotifyTransition(ctx, tr); err != nil {
			s.logger.Error("notify transition", slog.String("job_id", tr.JobID.String()), slog.Any("error", err))
		}
	}
}

func (s *Service) requireAssignedCleaner(caller shared.Caller, action string) func(Job) error {
	return func(job Job) error {
		if !job.IsAssignedCleaner(caller) {
			return forbidden(action)
		}
		return nil
	}
}

// Accept assigns the calling cleaner to a pending job.
func (s *Service) Accept(ctx context.Context, caller shared.Caller, jobID uuid.UUID) (Result, error) {
	return s.run(ctx, caller, jobID, command{
		op: "Accept",
		to: StatusAccepted,
		authorize: func(Job) error {
			if caller.Role != shared.RoleCleaner {
				return forbidden("accept")
			}
			return nil
		},
		mutate: func(_ context.Context, _ TxRepository, next *Job) ([]ledger.Entry, error) {
			cleaner := caller.ID
			next.CleanerID = &cleaner
			return nil, nil
		},
	})
}

// SendEnRoute marks the cleaner as travelling to the job.
func (s *Service) SendEnRoute(ctx context.Context, caller shared.Caller, jobID uuid.UUID) (Result, error) {
	return s.run(ctx, caller, jobID, command{
		op:        "SendEnRoute",
		to:        StatusEnRoute,
		authorize: s.requireAssignedCleaner(caller, "move"),
	})
}

// CheckIn records the cleaner's GPS arrival and moves the job to checked_in
// when the evidence gate accepts it. The event is stored even when the gate
// denies the transition.
func (s *Service) CheckIn(ctx context.Context, caller shared.Caller, jobID uuid.UUID, pos evidence.Coordinates) (Result, evidence.CheckInEvent, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return Result{}, evidence.CheckInEvent{}, err
	}
	if !job.IsAssignedCleaner(caller) {
		return Result{}, evidence.CheckInEvent{}, forbidden("check in to")
	}
	if !CanTransition(job.Status, StatusCheckedIn) {
		return Result{}, evidence.CheckInEvent{}, &shared.TransitionError{From: string(job.Status), To: string(StatusCheckedIn)}
	}
	ev, err := s.evidence.RecordCheckIn(ctx, evidence.RecordCheckInInput{
		JobID:      jobID,
		Kind:       evidence.KindCheckIn,
		Site:       job.Location,
		Position:   pos,
		RecordedBy: caller.ID,
	})
	if err != nil {
		return Result{}, evidence.CheckInEvent{}, err
	}
	res, err := s.run(ctx, caller, jobID, command{
		op:        "CheckIn",
		to:        StatusCheckedIn,
		authorize: s.requireAssignedCleaner(caller, "check in to"),
	})
	return res, ev, err
}

// CheckOut records the cleaner's departure while work is in progress.
func (s *Service) CheckOut(ctx context.Context, caller shared.Caller, jobID uuid.UUID, pos evidence.Coordinates) (evidence.CheckInEvent, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return evidence.CheckInEvent{}, err
	}
	if !job.IsAssignedCleaner(caller) {
		return evidence.CheckInEvent{}, forbidden("check out of")
	}
	if job.Status != StatusInProgress {
		return evidence.CheckInEvent{}, fmt.Errorf("%w: check-out requires in_progress, job is %s", shared.ErrInvalidState, job.Status)
	}
	return s.evidence.RecordCheckIn(ctx, evidence.RecordCheckInInput{
		JobID:      jobID,
		Kind:       evidence.KindCheckOut,
		Site:       job.Location,
		Position:   pos,
		RecordedBy: caller.ID,
	})
}

// RecordOverride lets an operator vouch for a cleaner whose GPS cannot place
// them on site. The gate honours it on the next check-in.
func (s *Service) RecordOverride(ctx context.Context, caller shared.Caller, jobID uuid.UUID, note string) (evidence.CheckInEvent, error) {
	if !caller.IsOperator() {
		return evidence.CheckInEvent{}, fmt.Errorf("%w: only operators may override check-in", shared.ErrForbidden)
	}
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return evidence.CheckInEvent{}, err
	}
	if job.Status != StatusAccepted && job.Status != StatusEnRoute {
		return evidence.CheckInEvent{}, fmt.Errorf("%w: override requires accepted or en_route, job is %s", shared.ErrInvalidState, job.Status)
	}
	ev, err := s.evidence.RecordOverride(ctx, jobID, caller.ID, note)
	if err != nil {
		return evidence.CheckInEvent{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveOverride()
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  caller.ID,
			Action:   "checkin.override",
			Entity:   "job",
			EntityID: jobID.String(),
			Meta:     map[string]any{"note": note},
			At:       ev.CreatedAt,
		}); err != nil {
			s.logger.Error("audit override", slog.String("job_id", jobID.String()), slog.Any("error", err))
		}
	}
	s.logger.Warn("manual check-in override recorded", slog.String("job_id", jobID.String()), slog.String("operator_id", caller.ID))
	return ev, nil
}

// UploadPhoto attaches a before or after photo while the cleaner is on site.
func (s *Service) UploadPhoto(ctx context.Context, caller shared.Caller, jobID uuid.UUID, kind evidence.PhotoKind, url string) (evidence.Photo, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return evidence.Photo{}, err
	}
	if !job.IsAssignedCleaner(caller) {
		return evidence.Photo{}, forbidden("upload photos to")
	}
	if job.Status != StatusCheckedIn && job.Status != StatusInProgress {
		return evidence.Photo{}, fmt.Errorf("%w: photos require checked_in or in_progress, job is %s", shared.ErrInvalidState, job.Status)
	}
	return s.evidence.AddPhoto(ctx, evidence.AddPhotoInput{JobID: jobID, Kind: kind, URL: url, UploadedBy: caller.ID})
}

// StartWork begins the work timer.
func (s *Service) StartWork(ctx context.Context, caller shared.Caller, jobID uuid.UUID) (Result, error) {
	return s.run(ctx, caller, jobID, command{
		op:        "StartWork",
		to:        StatusInProgress,
		authorize: s.requireAssignedCleaner(caller, "start"),
		mutate: func(_ context.Context, _ TxRepository, next *Job) ([]ledger.Entry, error) {
			next.ActualWindow = &Window{Start: s.Now()}
			return nil, nil
		},
	})
}

// PauseWork stops the work timer without changing status.
func (s *Service) PauseWork(ctx context.Context, caller shared.Caller, jobID uuid.UUID) (Result, error) {
	return s.timer(ctx, caller, jobID, "PauseWork", func(next *Job) error {
		if next.Paused() {
			return fmt.Errorf("%w: work already paused", shared.ErrInvalidState)
		}
		now := s.Now()
		next.PausedAt = &now
		return nil
	})
}

// ResumeWork restarts a paused work timer.
func (s *Service) ResumeWork(ctx context.Context, caller shared.Caller, jobID uuid.UUID) (Result, error) {
	return s.timer(ctx, caller, jobID, "ResumeWork", func(next *Job) error {
		if !next.Paused() {
			return fmt.Errorf("%w: work is not paused", shared.ErrInvalidState)
		}
		s.unpause(next)
		return nil
	})
}

func (s *Service) unpause(job *Job) {
	if job.PausedAt == nil {
		return
	}
	job.PausedSeconds += int64(s.Now().Sub(*job.PausedAt).Seconds())
	job.PausedAt = nil
}

func (s *Service) timer(ctx context.Context, caller shared.Caller, jobID uuid.UUID, op string, apply func(*Job) error) (res Result, err error) {
	ctx, span := startSpan(ctx, op, jobID, caller)
	defer func() { endSpan(span, err) }()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !job.IsAssignedCleaner(caller) {
			return forbidden("time")
		}
		if job.Status != StatusInProgress {
			return fmt.Errorf("%w: timer requires in_progress, job is %s", shared.ErrInvalidState, job.Status)
		}
		next := job
		if err := apply(&next); err != nil {
			return err
		}
		next, _, err = s.ApplyTx(ctx, tx, job, next, caller.ID, strings.ToLower(op))
		res.Job = next
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Submit hands the finished job to the client for approval. The gate requires
// before and after photos and a check-out.
func (s *Service) Submit(ctx context.Context, caller shared.Caller, jobID uuid.UUID) (Result, error) {
	return s.run(ctx, caller, jobID, command{
		op:        "Submit",
		to:        StatusAwaitingApproval,
		authorize: s.requireAssignedCleaner(caller, "submit"),
		mutate: func(_ context.Context, _ TxRepository, next *Job) ([]ledger.Entry, error) {
			s.unpause(next)
			now := s.Now()
			window := Window{Start: now}
			if next.ActualWindow != nil {
				window = *next.ActualWindow
			}
			window.End = &now
			next.ActualWindow = &window
			return nil, nil
		},
	})
}

// ApproveInput carries the client's approval.
type ApproveInput struct {
	Rating         *int
	IdempotencyKey string
}

// Approve completes the job and settles its escrow in the same transaction:
// the hold is captured from the client, the cleaner is paid net of the
// platform fee and the fee is credited to the platform.
func (s *Service) Approve(ctx context.Context, caller shared.Caller, jobID uuid.UUID, in ApproveInput) (Result, error) {
	if in.Rating != nil && (*in.Rating < 1 || *in.Rating > 5) {
		return Result{}, fmt.Errorf("%w: rating must be between 1 and 5", shared.ErrValidation)
	}
	return s.run(ctx, caller, jobID, command{
		op:   "Approve",
		from: StatusAwaitingApproval,
		to:   StatusCompleted,
		authorize: func(job Job) error {
			if !job.IsClient(caller) {
				return forbidden("approve")
			}
			return nil
		},
		mutate: func(ctx context.Context, tx TxRepository, next *Job) ([]ledger.Entry, error) {
			if next.CleanerID == nil {
				return nil, fmt.Errorf("%w: job has no cleaner", shared.ErrInvalidState)
			}
			settlement, err := s.ledger.SettleApprovalTx(ctx, tx.Ledger(), ledger.SettleInput{
				HoldID:           next.HoldEntryID,
				CleanerAccountID: *next.CleanerID,
				IdempotencyKey:   in.IdempotencyKey,
			})
			if err != nil {
				return nil, err
			}
			now := s.Now()
			next.CompletedAt = &now
			next.Rating = in.Rating
			return settlement.Entries(), nil
		},
	})
}

// Cancel stops the job and releases the full escrow back to the client. Jobs
// under dispute are cancelled only by resolving the dispute.
func (s *Service) Cancel(ctx context.Context, caller shared.Caller, jobID uuid.UUID, reason string) (Result, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Result{}, fmt.Errorf("%w: cancellation reason required", shared.ErrValidation)
	}
	return s.run(ctx, caller, jobID, command{
		op:     "Cancel",
		to:     StatusCancelled,
		reason: reason,
		authorize: func(job Job) error {
			if !job.IsParticipant(caller) {
				return forbidden("cancel")
			}
			if job.Status == StatusDisputed {
				return fmt.Errorf("%w: resolve the open dispute instead", shared.ErrInvalidState)
			}
			return nil
		},
		mutate: func(ctx context.Context, tx TxRepository, next *Job) ([]ledger.Entry, error) {
			refund, err := s.ledger.ReverseHoldTx(ctx, tx.Ledger(), next.HoldEntryID, "job cancelled: "+reason)
			if err != nil {
				return nil, err
			}
			return []ledger.Entry{refund}, nil
		},
	})
}

// GetJob returns the job to a participant. Pending jobs are visible to every
// cleaner so they can be accepted.
func (s *Service) GetJob(ctx context.Context, caller shared.Caller, jobID uuid.UUID) (Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.IsParticipant(caller) || (job.Status == StatusPending && caller.Role == shared.RoleCleaner) {
		return job, nil
	}
	return Job{}, forbidden("view")
}

// History returns the job's transition timeline.
func (s *Service) History(ctx context.Context, caller shared.Caller, jobID uuid.UUID) ([]Transition, error) {
	if _, err := s.GetJob(ctx, caller, jobID); err != nil {
		return nil, err
	}
	return s.repo.ListTransitions(ctx, jobID)
}

// Evidence lists the job's check-ins and photos.
func (s *Service) Evidence(ctx context.Context, caller shared.Caller, jobID uuid.UUID) (evidence.Evidence, error) {
	if _, err := s.GetJob(ctx, caller, jobID); err != nil {
		return evidence.Evidence{}, err
	}
	return s.evidence.List(ctx, jobID)
}

// IsConflict reports whether err means the caller lost a race and should
// re-read the job.
func IsConflict(err error) bool {
	return errors.Is(err, shared.ErrConcurrencyConflict) || errors.Is(err, shared.ErrInvalidTransition)
}
