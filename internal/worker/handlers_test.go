package worker

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Dallinger/Dallinger-sub000/internal/config"
	"github.com/Dallinger/Dallinger-sub000/internal/models"
	"github.com/Dallinger/Dallinger-sub000/internal/queue"
	"github.com/Dallinger/Dallinger-sub000/internal/recruiter"
	"github.com/Dallinger/Dallinger-sub000/internal/store"
)

// memLedger is an in-memory Ledger. TransitionParticipant applies the
// mutation directly; guard semantics are covered by the store tests.
type memLedger struct {
	mu            sync.Mutex
	nextID        int64
	participants  map[int64]*models.Participant
	notifications []models.Notification
}

func newMemLedger() *memLedger {
	return &memLedger{nextID: 1, participants: map[int64]*models.Participant{}}
}

func (l *memLedger) add(p models.Participant) models.Participant {
	l.mu.Lock()
	defer l.mu.Unlock()
	p.ID = l.nextID
	l.nextID++
	copied := p
	l.participants[p.ID] = &copied
	return p
}

func (l *memLedger) ParticipantByID(_ context.Context, id int64) (models.Participant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.participants[id]
	if !ok {
		return models.Participant{}, store.ErrNotFound
	}
	return *p, nil
}

func (l *memLedger) ParticipantsByAssignment(_ context.Context, assignmentID string) ([]models.Participant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Participant
	for _, p := range l.participants {
		if p.AssignmentID == assignmentID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreationTime.Equal(out[j].CreationTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreationTime.Before(out[j].CreationTime)
	})
	return out, nil
}

func (l *memLedger) RecordNotification(_ context.Context, assignmentID, eventType, details string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifications = append(l.notifications, models.Notification{
		AssignmentID: assignmentID,
		EventType:    eventType,
		Details:      details,
	})
	return nil
}

func (l *memLedger) TransitionParticipant(_ context.Context, id int64, fn func(p *models.Participant) (bool, error)) (models.Participant, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.participants[id]
	if !ok {
		return models.Participant{}, false, store.ErrNotFound
	}
	candidate := *p
	apply, err := fn(&candidate)
	if err != nil {
		return models.Participant{}, false, err
	}
	if apply {
		*p = candidate
	}
	return candidate, apply, nil
}

// recordingRecruiter records marketplace side effects.
type recordingRecruiter struct {
	name     string
	approved []string
	bonuses  []float64
	recruits []int
}

func (r *recordingRecruiter) Nickname() string { return r.name }

func (r *recordingRecruiter) OpenRecruitment(_ context.Context, n int) (recruiter.Result, error) {
	return recruiter.Result{}, nil
}

func (r *recordingRecruiter) Recruit(_ context.Context, n int) ([]string, error) {
	r.recruits = append(r.recruits, n)
	return nil, nil
}

func (r *recordingRecruiter) CloseRecruitment(context.Context) error { return nil }

func (r *recordingRecruiter) ApproveHIT(_ context.Context, assignmentID string) error {
	r.approved = append(r.approved, assignmentID)
	return nil
}

func (r *recordingRecruiter) RewardBonus(_ context.Context, _ models.Participant, amount float64, _ string) error {
	r.bonuses = append(r.bonuses, amount)
	return nil
}

func (r *recordingRecruiter) AssignExperimentQualifications(context.Context, string, []recruiter.QualificationSpec) error {
	return nil
}

func (r *recordingRecruiter) NormalizeEntryInformation(raw map[string]any) recruiter.EntryInfo {
	return recruiter.EntryInfo{Extra: raw}
}

func (r *recordingRecruiter) NotifyDurationExceeded(context.Context, []models.Participant, time.Time) error {
	return nil
}

func (r *recordingRecruiter) OnCompletionEvent() string { return models.EventAssignmentSubmitted }

// recordingHooks wraps fixed answers with call counters.
type recordingHooks struct {
	StaticHooks
	dataChecks      int
	attentionChecks int
	successes       int
	dataFailures    int
	attentionFailed int
	abandonedCalls  int
	returnedCalls   int
	reassignedCalls int
}

func (h *recordingHooks) DataCheck(ctx context.Context, p models.Participant) bool {
	h.dataChecks++
	return h.StaticHooks.DataCheck(ctx, p)
}

func (h *recordingHooks) AttentionCheck(ctx context.Context, p models.Participant) bool {
	h.attentionChecks++
	return h.StaticHooks.AttentionCheck(ctx, p)
}

func (h *recordingHooks) SubmissionSuccessful(context.Context, models.Participant) { h.successes++ }
func (h *recordingHooks) DataCheckFailed(context.Context, models.Participant)      { h.dataFailures++ }
func (h *recordingHooks) AttentionCheckFailed(context.Context, models.Participant) {
	h.attentionFailed++
}
func (h *recordingHooks) AssignmentAbandoned(context.Context, models.Participant) {
	h.abandonedCalls++
}
func (h *recordingHooks) AssignmentReturned(context.Context, models.Participant) {
	h.returnedCalls++
}
func (h *recordingHooks) AssignmentReassigned(context.Context, models.Participant) {
	h.reassignedCalls++
}

type fixture struct {
	runner *Runner
	ledger *memLedger
	rec    *recordingRecruiter
	hooks  *recordingHooks
}

// nopQueue satisfies Queue for handlers that enqueue nothing.
type nopQueue struct{}

func (nopQueue) Enqueue(context.Context, models.Event, string) (string, error) { return "job", nil }
func (nopQueue) DequeueWithLease(context.Context) (queue.Job, bool, error) {
	return queue.Job{}, false, nil
}
func (nopQueue) Ack(context.Context, string) error                { return nil }
func (nopQueue) DLQPush(context.Context, queue.Job, string) error { return nil }
func (nopQueue) RequeueExpired(context.Context, time.Time, int64) ([]string, error) {
	return nil, nil
}
func (nopQueue) ReadyDepth(context.Context) (int64, error) { return 0, nil }

func newFixture(hooks *recordingHooks) *fixture {
	if hooks == nil {
		hooks = &recordingHooks{StaticHooks: *DefaultHooks()}
	}
	ledger := newMemLedger()
	rec := &recordingRecruiter{name: "test"}
	reg := recruiter.NewRegistry()
	reg.Register(rec)
	cfg := config.Config{BasePayment: 1.5, MaxAttempts: 5}
	runner := NewRunner(cfg, nopQueue{}, ledger, reg, hooks, nil)
	return &fixture{runner: runner, ledger: ledger, rec: rec, hooks: hooks}
}

func (f *fixture) addWorking(assignmentID string, created time.Time) models.Participant {
	return f.ledger.add(models.Participant{
		AssignmentID: assignmentID,
		WorkerID:     "w-" + assignmentID,
		RecruiterID:  "test",
		Status:       models.StatusWorking,
		CreationTime: created,
	})
}

func TestSubmittedHappyPath(t *testing.T) {
	hooks := &recordingHooks{StaticHooks: StaticHooks{DataOK: true, AttentionOK: true, BonusAmount: 0.02, RecruitN: 2}}
	f := newFixture(hooks)
	p := f.addWorking("a1", time.Now())

	err := f.runner.ProcessEvent(context.Background(), models.Event{
		Type:         models.EventAssignmentSubmitted,
		AssignmentID: "a1",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := f.ledger.ParticipantByID(context.Background(), p.ID)
	if got.Status != models.StatusApproved {
		t.Fatalf("expected approved, got %s", got.Status)
	}
	if got.BasePay != 1.5 {
		t.Fatalf("expected base pay recorded, got %v", got.BasePay)
	}
	if got.Bonus != 0.02 {
		t.Fatalf("expected bonus recorded, got %v", got.Bonus)
	}
	if got.EndTime == nil {
		t.Fatalf("expected end time set")
	}
	if len(f.rec.approved) != 1 {
		t.Fatalf("expected one approval, got %v", f.rec.approved)
	}
	if len(f.rec.bonuses) != 1 || f.rec.bonuses[0] != 0.02 {
		t.Fatalf("expected one bonus of 0.02, got %v", f.rec.bonuses)
	}
	if hooks.successes != 1 {
		t.Fatalf("expected one success hook call, got %d", hooks.successes)
	}
	if len(f.rec.recruits) != 1 || f.rec.recruits[0] != 2 {
		t.Fatalf("expected next wave of 2, got %v", f.rec.recruits)
	}
	if len(f.ledger.notifications) != 1 {
		t.Fatalf("expected one notification row, got %v", f.ledger.notifications)
	}
}

func TestSubmittedReplayIsIdempotent(t *testing.T) {
	hooks := &recordingHooks{StaticHooks: StaticHooks{DataOK: true, AttentionOK: true, BonusAmount: 0.05, RecruitN: 1}}
	f := newFixture(hooks)
	f.addWorking("a1", time.Now())

	ev := models.Event{Type: models.EventAssignmentSubmitted, AssignmentID: "a1"}
	for i := 0; i < 2; i++ {
		if err := f.runner.ProcessEvent(context.Background(), ev); err != nil {
			t.Fatalf("process replay %d: %v", i, err)
		}
	}

	if len(f.rec.approved) != 1 {
		t.Fatalf("replay must not double-approve, got %v", f.rec.approved)
	}
	if len(f.rec.bonuses) != 1 {
		t.Fatalf("replay must not double-pay, got %v", f.rec.bonuses)
	}
	if hooks.successes != 1 {
		t.Fatalf("replay must not re-run the success hook, got %d", hooks.successes)
	}
}

func TestDuplicateAssignmentResolvesNewest(t *testing.T) {
	f := newFixture(nil)
	older := f.addWorking("a1", time.Now().Add(-time.Hour))
	newer := f.addWorking("a1", time.Now())

	err := f.runner.ProcessEvent(context.Background(), models.Event{
		Type:         models.EventAssignmentSubmitted,
		AssignmentID: "a1",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	gotNewer, _ := f.ledger.ParticipantByID(context.Background(), newer.ID)
	if gotNewer.Status != models.StatusApproved {
		t.Fatalf("newest participant must transition, got %s", gotNewer.Status)
	}
	gotOlder, _ := f.ledger.ParticipantByID(context.Background(), older.ID)
	if gotOlder.Status != models.StatusWorking {
		t.Fatalf("superseded participant must be untouched, got %s", gotOlder.Status)
	}
}

func TestBonusThreshold(t *testing.T) {
	cases := []struct {
		bonus float64
		paid  bool
	}{
		{0.009, false},
		{0.01, true},
	}
	for _, tc := range cases {
		hooks := &recordingHooks{StaticHooks: StaticHooks{DataOK: true, AttentionOK: true, BonusAmount: tc.bonus, RecruitN: 0}}
		f := newFixture(hooks)
		p := f.addWorking("a1", time.Now())

		err := f.runner.ProcessEvent(context.Background(), models.Event{
			Type:         models.EventAssignmentSubmitted,
			AssignmentID: "a1",
		})
		if err != nil {
			t.Fatalf("bonus %v: process: %v", tc.bonus, err)
		}

		if tc.paid && (len(f.rec.bonuses) != 1 || f.rec.bonuses[0] != tc.bonus) {
			t.Fatalf("bonus %v must be paid exactly once, got %v", tc.bonus, f.rec.bonuses)
		}
		if !tc.paid && len(f.rec.bonuses) != 0 {
			t.Fatalf("bonus %v must not be paid, got %v", tc.bonus, f.rec.bonuses)
		}
		got, _ := f.ledger.ParticipantByID(context.Background(), p.ID)
		if got.Bonus != tc.bonus {
			t.Fatalf("bonus %v must be recorded either way, got %v", tc.bonus, got.Bonus)
		}
	}
}

func TestSubmittedAttentionFailure(t *testing.T) {
	hooks := &recordingHooks{StaticHooks: StaticHooks{DataOK: true, AttentionOK: false, BonusAmount: 0.02}}
	f := newFixture(hooks)
	p := f.addWorking("A1", time.Now())

	err := f.runner.ProcessEvent(context.Background(), models.Event{
		Type:         models.EventAssignmentSubmitted,
		AssignmentID: "A1",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := f.ledger.ParticipantByID(context.Background(), p.ID)
	if got.Status != models.StatusDidNotAttend {
		t.Fatalf("expected did_not_attend, got %s", got.Status)
	}
	if hooks.successes != 0 {
		t.Fatalf("submission must not be approved, got %d success calls", hooks.successes)
	}
	if hooks.attentionFailed != 1 {
		t.Fatalf("expected one attention-failure hook call, got %d", hooks.attentionFailed)
	}
	if len(f.rec.recruits) != 1 || f.rec.recruits[0] != 1 {
		t.Fatalf("expected one replacement recruit, got %v", f.rec.recruits)
	}
	// The bonus decision precedes the attention check.
	if len(f.rec.bonuses) != 1 || f.rec.bonuses[0] != 0.02 {
		t.Fatalf("expected bonus paid before attention check, got %v", f.rec.bonuses)
	}
}

func TestSubmittedDataFailure(t *testing.T) {
	hooks := &recordingHooks{StaticHooks: StaticHooks{DataOK: false, AttentionOK: true, BonusAmount: 0.5}}
	f := newFixture(hooks)
	p := f.addWorking("a1", time.Now())

	err := f.runner.ProcessEvent(context.Background(), models.Event{
		Type:         models.EventAssignmentSubmitted,
		AssignmentID: "a1",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := f.ledger.ParticipantByID(context.Background(), p.ID)
	if got.Status != models.StatusBadData {
		t.Fatalf("expected bad_data, got %s", got.Status)
	}
	if hooks.dataFailures != 1 {
		t.Fatalf("expected one data-failure hook call, got %d", hooks.dataFailures)
	}
	if len(f.rec.bonuses) != 0 {
		t.Fatalf("bad data must not be paid a bonus, got %v", f.rec.bonuses)
	}
	if len(f.rec.recruits) != 1 || f.rec.recruits[0] != 1 {
		t.Fatalf("expected one replacement recruit, got %v", f.rec.recruits)
	}
	if hooks.attentionChecks != 0 {
		t.Fatalf("attention check must be skipped on bad data, got %d", hooks.attentionChecks)
	}
}

func TestAbandonedOnlyTransitionsWorking(t *testing.T) {
	f := newFixture(nil)
	p := f.addWorking("a1", time.Now())

	ev := models.Event{Type: models.EventAssignmentAbandoned, AssignmentID: "a1"}
	if err := f.runner.ProcessEvent(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := f.ledger.ParticipantByID(context.Background(), p.ID)
	if got.Status != models.StatusAbandoned {
		t.Fatalf("expected abandoned, got %s", got.Status)
	}
	if f.hooks.abandonedCalls != 1 {
		t.Fatalf("expected one abandonment hook call, got %d", f.hooks.abandonedCalls)
	}

	// Replaying against the terminal state is a no-op.
	if err := f.runner.ProcessEvent(context.Background(), ev); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if f.hooks.abandonedCalls != 1 {
		t.Fatalf("replay must not re-run the hook, got %d", f.hooks.abandonedCalls)
	}
}

func TestReassignedForcesReplaced(t *testing.T) {
	f := newFixture(nil)
	p := f.ledger.add(models.Participant{
		AssignmentID: "a1",
		RecruiterID:  "test",
		Status:       models.StatusSubmitted, // not working; forced anyway
		CreationTime: time.Now(),
	})

	err := f.runner.ProcessEvent(context.Background(), models.Event{
		Type:          models.EventAssignmentReassigned,
		ParticipantID: p.ID,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := f.ledger.ParticipantByID(context.Background(), p.ID)
	if got.Status != models.StatusReplaced {
		t.Fatalf("expected replaced, got %s", got.Status)
	}
	if f.hooks.reassignedCalls != 1 {
		t.Fatalf("expected one reassignment hook call, got %d", f.hooks.reassignedCalls)
	}
}

func TestBotSubmittedSkipsChecks(t *testing.T) {
	f := newFixture(nil)
	p := f.addWorking("a1", time.Now())

	err := f.runner.ProcessEvent(context.Background(), models.Event{
		Type:         models.EventBotAssignmentSubmitted,
		AssignmentID: "a1",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := f.ledger.ParticipantByID(context.Background(), p.ID)
	if got.Status != models.StatusApproved {
		t.Fatalf("expected approved, got %s", got.Status)
	}
	if f.hooks.dataChecks != 0 || f.hooks.attentionChecks != 0 {
		t.Fatalf("bot submissions must skip checks, got data=%d attention=%d",
			f.hooks.dataChecks, f.hooks.attentionChecks)
	}
	if len(f.rec.approved) != 1 {
		t.Fatalf("expected one approval, got %v", f.rec.approved)
	}
}

func TestBotRejectedRecruitsImmediately(t *testing.T) {
	f := newFixture(nil)
	p := f.addWorking("a1", time.Now())

	err := f.runner.ProcessEvent(context.Background(), models.Event{
		Type:         models.EventBotAssignmentRejected,
		AssignmentID: "a1",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := f.ledger.ParticipantByID(context.Background(), p.ID)
	if got.Status != models.StatusRejected {
		t.Fatalf("expected rejected, got %s", got.Status)
	}
	if len(f.rec.recruits) != 1 {
		t.Fatalf("expected an immediate replacement, got %v", f.rec.recruits)
	}
}

func TestTrackingEventSkipsPersistence(t *testing.T) {
	f := newFixture(nil)
	f.addWorking("a1", time.Now())

	err := f.runner.ProcessEvent(context.Background(), models.Event{
		Type:         models.EventTracking,
		AssignmentID: "a1",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(f.ledger.notifications) != 0 {
		t.Fatalf("tracking events must not be persisted, got %v", f.ledger.notifications)
	}
}

func TestUnresolvableParticipantIsDropped(t *testing.T) {
	f := newFixture(nil)
	err := f.runner.ProcessEvent(context.Background(), models.Event{
		Type:         models.EventAssignmentSubmitted,
		AssignmentID: "ghost",
	})
	if err != nil {
		t.Fatalf("unresolvable participants must be dropped, not fatal: %v", err)
	}
	if len(f.ledger.notifications) != 0 {
		t.Fatalf("dropped jobs must not leave notification rows, got %v", f.ledger.notifications)
	}
}

func TestNotificationMissingOnlyFromWorking(t *testing.T) {
	f := newFixture(nil)
	p := f.addWorking("a1", time.Now())

	err := f.runner.ProcessEvent(context.Background(), models.Event{
		Type:         models.EventNotificationMissing,
		AssignmentID: "a1",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := f.ledger.ParticipantByID(context.Background(), p.ID)
	if got.Status != models.StatusMissingNotification {
		t.Fatalf("expected missing_notification, got %s", got.Status)
	}
	if got.EndTime == nil {
		t.Fatalf("expected end time set")
	}
}
