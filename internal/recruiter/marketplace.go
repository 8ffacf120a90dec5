package recruiter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/Dallinger/Dallinger-sub000/internal/config"
	"github.com/Dallinger/Dallinger-sub000/internal/counter"
	"github.com/Dallinger/Dallinger-sub000/internal/mkt"
	"github.com/Dallinger/Dallinger-sub000/internal/models"
	"github.com/Dallinger/Dallinger-sub000/internal/notify"
)

// A hung marketplace call must not wedge a whole sweep.
const sweepCallTimeout = 30 * time.Second

const autoRecruitDisabledKey = "auto_recruit_disabled"

// QualificationGrant is the queued payload for a deferred qualification
// assignment.
type QualificationGrant struct {
	Recruiter      string              `json:"recruiter"`
	WorkerID       string              `json:"worker_id"`
	Qualifications []QualificationSpec `json:"qualifications"`
}

// marketplaceRecruiter carries the behavior shared by all marketplace-backed
// variants: batch-id bookkeeping, financial side effects, the deferred
// qualification path, and the duration-exceeded reconciliation sweep.
type marketplaceRecruiter struct {
	cfg    config.Config
	svc    mkt.Service
	kv     counter.KV
	queue  Enqueuer
	ledger Ledger
	admin  notify.Messenger
	nick   string
}

func (r *marketplaceRecruiter) Nickname() string { return r.nick }

// batchKey scopes the current-batch record to this recruiter and experiment.
func (r *marketplaceRecruiter) batchKey() string {
	return fmt.Sprintf("%s:%s", r.nick, r.cfg.ExperimentID)
}

func (r *marketplaceRecruiter) currentBatchID(ctx context.Context) (string, bool) {
	id, err := r.kv.Get(ctx, r.batchKey())
	if err != nil {
		return "", false
	}
	return id, true
}

func (r *marketplaceRecruiter) recordBatchID(ctx context.Context, id string) error {
	return r.kv.Set(ctx, r.batchKey(), id)
}

func (r *marketplaceRecruiter) isInProgress(ctx context.Context) bool {
	_, ok := r.currentBatchID(ctx)
	return ok
}

func (r *marketplaceRecruiter) autoRecruitEnabled(ctx context.Context) bool {
	if !r.cfg.AutoRecruit {
		return false
	}
	_, err := r.kv.Get(ctx, autoRecruitDisabledKey)
	return err != nil // key absent means enabled
}

func (r *marketplaceRecruiter) disableAutoRecruit(ctx context.Context) {
	if err := r.kv.Set(ctx, autoRecruitDisabledKey, "true"); err != nil {
		log.Printf("disable auto-recruit: %v", err)
	}
}

// CloseRecruitment is a log-only action. Force-expiring the batch would
// suppress completion notifications for workers who delay submission, so
// batches are left to expire on their own.
func (r *marketplaceRecruiter) CloseRecruitment(context.Context) error {
	log.Printf("%s %s", CloseRecruitmentLogPrefix, r.nick)
	return nil
}

// ApproveHIT approves the assignment on the marketplace. Failures are
// logged, not propagated: the participant's local state must not be held
// hostage to a flaky remote API.
func (r *marketplaceRecruiter) ApproveHIT(ctx context.Context, assignmentID string) error {
	if err := r.svc.Approve(ctx, assignmentID); err != nil {
		log.Printf("approve assignment %s on %s: %v", assignmentID, r.nick, err)
	}
	return nil
}

func (r *marketplaceRecruiter) RewardBonus(ctx context.Context, p models.Participant, amount float64, reason string) error {
	if err := r.svc.PayBonus(ctx, p.AssignmentID, p.WorkerID, amount, reason); err != nil {
		log.Printf("pay bonus for assignment %s on %s: %v", p.AssignmentID, r.nick, err)
	}
	return nil
}

// AssignExperimentQualifications defers the grant to an async worker.
// Qualification propagation can be slow and the call originates with a web
// request we don't want to time out.
func (r *marketplaceRecruiter) AssignExperimentQualifications(ctx context.Context, workerID string, quals []QualificationSpec) error {
	payload, err := json.Marshal(QualificationGrant{
		Recruiter:      r.nick,
		WorkerID:       workerID,
		Qualifications: quals,
	})
	if err != nil {
		return fmt.Errorf("marshal qualification grant: %w", err)
	}
	if _, err := r.queue.Enqueue(ctx, models.Event{
		Type:    models.EventAssignQualifications,
		Details: string(payload),
	}, "low"); err != nil {
		return fmt.Errorf("enqueue qualification grant: %w", err)
	}
	return nil
}

// RunQualificationAssignment performs a deferred grant. Called from the
// worker pool.
func (r *marketplaceRecruiter) RunQualificationAssignment(ctx context.Context, workerID string, quals []QualificationSpec) error {
	rec := newQualificationReconciler(r.svc)
	return rec.Run(ctx, workerID, quals)
}

func (r *marketplaceRecruiter) NormalizeEntryInformation(raw map[string]any) EntryInfo {
	return normalizeDefault(raw)
}

// OnCompletionEvent returns "": the marketplace sends its own notification
// when the worker submits on its site.
func (r *marketplaceRecruiter) OnCompletionEvent() string { return "" }

// NotifyDurationExceeded reconciles participants working past the allowed
// duration against the marketplace's view of their assignments.
//
// Remote approved/rejected converge the local row. Remote submitted means
// our completion notification was lost: replay it and tell the owner. No
// remote record of a submission is serious: tell the owner and, when
// configured, stop recruiting and force-expire the batch.
func (r *marketplaceRecruiter) NotifyDurationExceeded(ctx context.Context, participants []models.Participant, now time.Time) error {
	allowed := r.cfg.Duration.Minutes()
	var unsubmitted []models.Participant

	for _, p := range participants {
		callCtx, cancel := context.WithTimeout(ctx, sweepCallTimeout)
		status, err := r.svc.AssignmentStatus(callCtx, p.AssignmentID)
		cancel()
		if err != nil {
			log.Printf("assignment status for %s on %s: %v", p.AssignmentID, r.nick, err)
			status = mkt.AssignmentUnknown
		}
		active := now.Sub(p.CreationTime).Minutes()

		switch status {
		case mkt.AssignmentApproved, mkt.AssignmentRejected:
			target := models.StatusApproved
			if status == mkt.AssignmentRejected {
				target = models.StatusRejected
			}
			// Re-read inside the guard: a worker may have finished the
			// submission flow since this sweep read the row, and the base
			// pay and bonus it recorded must survive.
			if _, _, err := r.ledger.TransitionParticipant(ctx, p.ID, func(row *models.Participant) (bool, error) {
				if row.Status == target {
					return false, nil
				}
				row.Status = target
				end := now
				row.EndTime = &end
				return true, nil
			}); err != nil {
				return fmt.Errorf("converge participant %d: %w", p.ID, err)
			}
		case mkt.AssignmentSubmitted:
			if _, err := r.queue.Enqueue(ctx, models.Event{
				Type:         models.EventAssignmentSubmitted,
				AssignmentID: p.AssignmentID,
			}, "default"); err != nil {
				return fmt.Errorf("replay submitted notification: %w", err)
			}
			subject, body := notify.ResubmittedMessage(p.AssignmentID, allowed, active)
			r.message(subject, body)
			log.Printf("submitted notification for participant %d missed; a replacement was created", p.ID)
		default:
			if _, err := r.queue.Enqueue(ctx, models.Event{
				Type:         models.EventNotificationMissing,
				AssignmentID: p.AssignmentID,
			}, "default"); err != nil {
				return fmt.Errorf("report missing notification: %w", err)
			}
			unsubmitted = append(unsubmitted, p)
		}
	}

	if len(unsubmitted) > 0 && r.cfg.DisableWhenExceeded {
		r.disableAutoRecruit(ctx)
		_ = r.CloseRecruitment(ctx)
		pick := unsubmitted[0]
		subject, body := notify.CancelledMessage(pick.AssignmentID, allowed, now.Sub(pick.CreationTime).Minutes())
		r.message(subject, body)
		// Best effort: the batch may have been deleted manually.
		callCtx, cancel := context.WithTimeout(ctx, sweepCallTimeout)
		if err := r.svc.ExpireBatch(callCtx, pick.HitID); err != nil {
			log.Printf("expire batch %s on %s: %v", pick.HitID, r.nick, err)
		}
		cancel()
	}
	return nil
}

func (r *marketplaceRecruiter) message(subject, body string) {
	if err := r.admin.Send(subject, body); err != nil {
		log.Printf("notify experiment owner: %v", err)
	}
}

// MTurkRecruiter recruits participants from Amazon Mechanical Turk.
type MTurkRecruiter struct {
	marketplaceRecruiter
}

// Deps bundles the collaborators injected into marketplace variants.
type Deps struct {
	Config config.Config
	KV     counter.KV
	Queue  Enqueuer
	Ledger Ledger
	Admin  notify.Messenger
}

func NewMTurkRecruiter(d Deps, svc mkt.Service) *MTurkRecruiter {
	return &MTurkRecruiter{marketplaceRecruiter{
		cfg:    d.Config,
		svc:    svc,
		kv:     d.KV,
		queue:  d.Queue,
		ledger: d.Ledger,
		admin:  d.Admin,
		nick:   "mturk",
	}}
}

// OpenRecruitment creates a HIT on MTurk.
func (r *MTurkRecruiter) OpenRecruitment(ctx context.Context, n int) (Result, error) {
	log.Printf("Opening MTurk recruitment for %d participants", n)
	if r.isInProgress(ctx) {
		return Result{}, ErrAlreadyInProgress
	}
	if r.cfg.Host == "" {
		return Result{}, fmt.Errorf("%w: can't run a HIT from localhost", ErrEnvironmentUnsuitable)
	}

	info, err := r.svc.CreateBatch(ctx, mkt.BatchSpec{
		ExperimentID:    r.cfg.ExperimentID,
		Title:           r.cfg.Title,
		Description:     r.cfg.Description,
		Reward:          r.cfg.BasePayment,
		Duration:        r.cfg.Duration,
		Lifetime:        r.cfg.Lifetime,
		MaxAssignments:  n,
		ExternalURL:     fmt.Sprintf("%s/ad?recruiter=%s", r.cfg.BaseURL, r.nick),
		NotificationURL: fmt.Sprintf("%s/mturk-sns-listener", r.cfg.BaseURL),
	})
	if err != nil {
		return Result{}, fmt.Errorf("create hit: %w", err)
	}
	if err := r.recordBatchID(ctx, info.ID); err != nil {
		return Result{}, fmt.Errorf("record hit id: %w", err)
	}
	return Result{
		Items:   []string{info.WorkerURL},
		Message: "HIT now published to Amazon Mechanical Turk",
	}, nil
}

// Recruit extends the open HIT by n assignments. A no-op, logged, when
// auto-recruit is disabled.
func (r *MTurkRecruiter) Recruit(ctx context.Context, n int) ([]string, error) {
	log.Printf("Recruiting %d MTurk participants", n)
	if !r.autoRecruitEnabled(ctx) {
		log.Printf("auto_recruit is false: recruitment suppressed")
		return nil, nil
	}
	batchID, ok := r.currentBatchID(ctx)
	if !ok {
		log.Printf("no HIT in progress: recruitment aborted")
		return nil, nil
	}
	if _, err := r.svc.ExtendBatch(ctx, batchID, n, r.cfg.Duration); err != nil {
		// Transient marketplace trouble; absorbed, the sweep will catch up.
		log.Printf("extend hit %s: %v", batchID, err)
	}
	return nil, nil
}

// MTurkLargeRecruiter pre-provisions a pool of assignments when recruitment
// opens and only extends the HIT once the pool is exhausted. Pool usage is
// tracked in the counter store; an approximate tally is fine here.
type MTurkLargeRecruiter struct {
	MTurkRecruiter
	tally counter.Counter
}

func NewMTurkLargeRecruiter(d Deps, svc mkt.Service, tally counter.Counter) *MTurkLargeRecruiter {
	inner := NewMTurkRecruiter(d, svc)
	inner.nick = "mturklarge"
	return &MTurkLargeRecruiter{MTurkRecruiter: *inner, tally: tally}
}

func (r *MTurkLargeRecruiter) poolKey() string {
	return fmt.Sprintf("%s:%s:recruited", r.nick, r.cfg.ExperimentID)
}

func (r *MTurkLargeRecruiter) OpenRecruitment(ctx context.Context, n int) (Result, error) {
	log.Printf("Opening MTurkLarge recruitment for %d participants", n)
	if r.isInProgress(ctx) {
		return Result{}, ErrAlreadyInProgress
	}
	if err := r.tally.Increment(ctx, r.poolKey(), int64(n)); err != nil {
		return Result{}, fmt.Errorf("track pool usage: %w", err)
	}
	toRecruit := n
	if r.cfg.LargePoolSize > toRecruit {
		toRecruit = r.cfg.LargePoolSize
	}
	return r.MTurkRecruiter.OpenRecruitment(ctx, toRecruit)
}

func (r *MTurkLargeRecruiter) Recruit(ctx context.Context, n int) ([]string, error) {
	log.Printf("Recruiting %d MTurkLarge participants", n)
	if !r.autoRecruitEnabled(ctx) {
		log.Printf("auto_recruit is false: recruitment suppressed")
		return nil, nil
	}
	remaining, err := r.remainingPool(ctx)
	if err != nil {
		return nil, err
	}
	needed := n - remaining
	if err := r.tally.Increment(ctx, r.poolKey(), int64(n)); err != nil {
		return nil, fmt.Errorf("track pool usage: %w", err)
	}
	if needed > 0 {
		return r.MTurkRecruiter.Recruit(ctx, needed)
	}
	return nil, nil
}

func (r *MTurkLargeRecruiter) remainingPool(ctx context.Context) (int, error) {
	used, err := r.tally.Get(ctx, r.poolKey())
	if err != nil {
		return 0, fmt.Errorf("read pool usage: %w", err)
	}
	remaining := r.cfg.LargePoolSize - int(used)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
