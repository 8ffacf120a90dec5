// Package worker consumes queued worker events and drives the participant
// state machine. Each job runs to completion before the next is taken;
// concurrent workers racing on the same participant are serialized by the
// store's transaction guard.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Dallinger/Dallinger-sub000/internal/config"
	"github.com/Dallinger/Dallinger-sub000/internal/models"
	"github.com/Dallinger/Dallinger-sub000/internal/queue"
	"github.com/Dallinger/Dallinger-sub000/internal/recruiter"
	"github.com/Dallinger/Dallinger-sub000/internal/store"
	"github.com/Dallinger/Dallinger-sub000/internal/telemetry"
)

// Ledger is the slice of the relational store the runner needs.
type Ledger interface {
	ParticipantByID(ctx context.Context, id int64) (models.Participant, error)
	ParticipantsByAssignment(ctx context.Context, assignmentID string) ([]models.Participant, error)
	RecordNotification(ctx context.Context, assignmentID, eventType, details string) error
	TransitionParticipant(ctx context.Context, id int64, fn func(p *models.Participant) (bool, error)) (models.Participant, bool, error)
}

// Queue is the job-queue surface the runner consumes.
type Queue interface {
	Enqueue(ctx context.Context, ev models.Event, priority string) (string, error)
	DequeueWithLease(ctx context.Context) (queue.Job, bool, error)
	Ack(ctx context.Context, jobID string) error
	DLQPush(ctx context.Context, job queue.Job, reason string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// BotDriver runs one bot session through the experiment.
type BotDriver interface {
	Run(ctx context.Context, spec BotSpec) error
}

// Runner drains the job queue and dispatches events to their handlers.
type Runner struct {
	cfg        config.Config
	queue      Queue
	ledger     Ledger
	recruiters *recruiter.Registry
	hooks      Hooks
	bots       BotDriver
}

func NewRunner(cfg config.Config, q Queue, ledger Ledger, reg *recruiter.Registry, hooks Hooks, bots BotDriver) *Runner {
	if hooks == nil {
		hooks = DefaultHooks()
	}
	return &Runner{cfg: cfg, queue: q, ledger: ledger, recruiters: reg, hooks: hooks, bots: bots}
}

// Run consumes jobs until the context is cancelled. Expired leases are
// reclaimed periodically so jobs from crashed workers are re-delivered.
func (r *Runner) Run(ctx context.Context) error {
	poll := r.cfg.WorkerPollInterval
	if poll == 0 {
		poll = time.Second
	}
	visibility := r.cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	reclaim := time.NewTicker(visibility)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reclaim.C:
			r.reclaimExpired(ctx)
		default:
		}

		job, ok, err := r.queue.DequeueWithLease(ctx)
		if err != nil {
			log.Printf("dequeue: %v", err)
			sleepCtx(ctx, poll)
			continue
		}
		if !ok {
			sleepCtx(ctx, poll)
			continue
		}
		r.ProcessJob(ctx, job)
	}
}

// ProcessJob runs one leased job. Handler failures dead-letter the job for
// inspection rather than retrying: the notification row already written is
// the evidence a handler was attempted, and replays of state transitions
// are only safe once an operator has looked.
func (r *Runner) ProcessJob(ctx context.Context, job queue.Job) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if job.Attempts > r.cfg.MaxAttempts {
		telemetry.EventsDeadLetter.Inc()
		if err := r.queue.DLQPush(ctx, job, "max delivery attempts exceeded"); err != nil {
			log.Printf("dead-letter job %s: %v", job.ID, err)
		}
		return
	}

	if err := r.ProcessEvent(ctx, job.Event); err != nil {
		telemetry.EventsFailed.Inc()
		telemetry.EventsDeadLetter.Inc()
		log.Printf("job %s (%s): %v", job.ID, job.Event.Type, err)
		if err := r.queue.DLQPush(ctx, job, err.Error()); err != nil {
			log.Printf("dead-letter job %s: %v", job.ID, err)
		}
		return
	}
	telemetry.EventsProcessed.Inc()
	if err := r.queue.Ack(ctx, job.ID); err != nil {
		log.Printf("ack job %s: %v", job.ID, err)
	}
}

// ProcessEvent dispatches one event synchronously. It is also the
// "process now" path used in debug mode, bypassing the queue.
func (r *Runner) ProcessEvent(ctx context.Context, ev models.Event) error {
	switch ev.Type {
	case models.EventTracking:
		// Instrumentation ping; skips persistence entirely.
		return nil
	case models.EventRunBot:
		return r.handleRunBot(ctx, ev)
	case models.EventAssignQualifications:
		return r.handleAssignQualifications(ctx, ev)
	}
	if !models.KnownEventType(ev.Type) {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}

	p, ok, err := r.resolveParticipant(ctx, ev)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("no participant for event %s (assignment %q, participant %d); dropping",
			ev.Type, ev.AssignmentID, ev.ParticipantID)
		telemetry.EventsDropped.Inc()
		return nil
	}
	if ev.AssignmentID == "" {
		ev.AssignmentID = p.AssignmentID
	}

	// The notification row goes in before the handler runs, so a handler
	// crash still leaves evidence an attempt was made.
	if err := r.ledger.RecordNotification(ctx, ev.AssignmentID, ev.Type, ev.Details); err != nil {
		return err
	}

	switch ev.Type {
	case models.EventAssignmentAccepted:
		return nil
	case models.EventAssignmentAbandoned:
		return r.handleAbandoned(ctx, p)
	case models.EventAssignmentReturned:
		return r.handleReturned(ctx, p)
	case models.EventAssignmentReassigned:
		return r.handleReassigned(ctx, p)
	case models.EventAssignmentSubmitted:
		return r.handleSubmitted(ctx, p)
	case models.EventBotAssignmentSubmitted:
		return r.handleBotSubmitted(ctx, p)
	case models.EventBotAssignmentRejected:
		return r.handleBotRejected(ctx, p)
	case models.EventNotificationMissing:
		return r.handleNotificationMissing(ctx, p)
	}
	return fmt.Errorf("no handler for event type %q", ev.Type)
}

// resolveParticipant prefers an explicit participant id; otherwise the most
// recently created participant on the assignment wins and older rows are
// considered superseded.
func (r *Runner) resolveParticipant(ctx context.Context, ev models.Event) (models.Participant, bool, error) {
	if ev.ParticipantID != 0 {
		p, err := r.ledger.ParticipantByID(ctx, ev.ParticipantID)
		if errors.Is(err, store.ErrNotFound) {
			return models.Participant{}, false, nil
		}
		if err != nil {
			return models.Participant{}, false, err
		}
		return p, true, nil
	}
	if ev.AssignmentID == "" {
		return models.Participant{}, false, nil
	}
	participants, err := r.ledger.ParticipantsByAssignment(ctx, ev.AssignmentID)
	if err != nil {
		return models.Participant{}, false, err
	}
	if len(participants) == 0 {
		return models.Participant{}, false, nil
	}
	return participants[len(participants)-1], true, nil
}

// recruiterFor resolves the recruiter that sourced a participant.
func (r *Runner) recruiterFor(p models.Participant) (recruiter.Recruiter, error) {
	rec, err := r.recruiters.ByName(p.RecruiterID)
	if err != nil {
		return nil, fmt.Errorf("participant %d: %w", p.ID, err)
	}
	return rec, nil
}

func (r *Runner) reclaimExpired(ctx context.Context) {
	ids, err := r.queue.RequeueExpired(ctx, time.Now(), 100)
	if err != nil {
		log.Printf("reclaim expired leases: %v", err)
		return
	}
	if len(ids) > 0 {
		log.Printf("requeued %d expired jobs", len(ids))
	}
	if depth, err := r.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
