package worker

import (
	"context"

	"github.com/Dallinger/Dallinger-sub000/internal/models"
)

// Hooks are the experiment-owned callbacks invoked by event handlers. Their
// return values drive the state machine branches: check booleans choose
// between approval and failure states, Bonus feeds the payment decision,
// and Recruit sizes the next recruitment wave after a successful submission.
type Hooks interface {
	AssignmentAbandoned(ctx context.Context, p models.Participant)
	AssignmentReturned(ctx context.Context, p models.Participant)
	AssignmentReassigned(ctx context.Context, p models.Participant)

	// DataCheck validates the participant's collected data.
	DataCheck(ctx context.Context, p models.Participant) bool
	DataCheckFailed(ctx context.Context, p models.Participant)

	// AttentionCheck validates the participant actually did the task.
	AttentionCheck(ctx context.Context, p models.Participant) bool
	AttentionCheckFailed(ctx context.Context, p models.Participant)

	SubmissionSuccessful(ctx context.Context, p models.Participant)

	// Bonus computes the bonus owed on top of base pay.
	Bonus(ctx context.Context, p models.Participant) float64
	BonusReason() string

	// Recruit decides how many additional participants to request after a
	// fully approved submission. Zero is a valid answer.
	Recruit(ctx context.Context) int
}

// StaticHooks is a fixed-answer Hooks implementation: checks always pass,
// no bonus, one replacement recruit. Experiments that need real logic supply
// their own implementation.
type StaticHooks struct {
	DataOK      bool
	AttentionOK bool
	BonusAmount float64
	Reason      string
	RecruitN    int
}

// DefaultHooks returns permissive hooks suitable for experiments without
// custom validation.
func DefaultHooks() *StaticHooks {
	return &StaticHooks{DataOK: true, AttentionOK: true, Reason: "Experiment bonus", RecruitN: 1}
}

func (h *StaticHooks) AssignmentAbandoned(context.Context, models.Participant)  {}
func (h *StaticHooks) AssignmentReturned(context.Context, models.Participant)   {}
func (h *StaticHooks) AssignmentReassigned(context.Context, models.Participant) {}

func (h *StaticHooks) DataCheck(context.Context, models.Participant) bool  { return h.DataOK }
func (h *StaticHooks) DataCheckFailed(context.Context, models.Participant) {}

func (h *StaticHooks) AttentionCheck(context.Context, models.Participant) bool  { return h.AttentionOK }
func (h *StaticHooks) AttentionCheckFailed(context.Context, models.Participant) {}

func (h *StaticHooks) SubmissionSuccessful(context.Context, models.Participant) {}

func (h *StaticHooks) Bonus(context.Context, models.Participant) float64 { return h.BonusAmount }
func (h *StaticHooks) BonusReason() string                               { return h.Reason }

func (h *StaticHooks) Recruit(context.Context) int { return h.RecruitN }
