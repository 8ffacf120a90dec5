// Package recruiter manages the flow of participants into an experiment.
//
// Each variant fronts one recruitment back-end (a task marketplace, a bot
// pool, or the console) behind a uniform capability set; the MultiRecruiter
// composes several variants under a declared quota.
package recruiter

import (
	"context"
	"errors"
	"time"

	"github.com/Dallinger/Dallinger-sub000/internal/models"
)

// These are constants because other components grep for them in logs.
const (
	NewRecruitLogPrefix       = "New participant requested:"
	CloseRecruitmentLogPrefix = "Close recruitment."
)

var (
	// ErrAlreadyInProgress is returned by OpenRecruitment when recruitment
	// for this experiment is already open.
	ErrAlreadyInProgress = errors.New("recruiter: recruitment already in progress")

	// ErrEnvironmentUnsuitable is returned by marketplace variants when the
	// experiment is not reachable from a public network.
	ErrEnvironmentUnsuitable = errors.New("recruiter: experiment not reachable from a public network")

	// ErrUnknownRecruiter is returned by the registry for unregistered names.
	ErrUnknownRecruiter = errors.New("recruiter: unknown recruiter name")
)

// Result is the outcome of opening recruitment: one or more initial
// recruitment URLs plus a back-end specific message for the operator.
type Result struct {
	Items   []string `json:"items"`
	Message string   `json:"message"`
}

// EntryInfo is the normalized identity a marketplace delivers when a
// participant enters the experiment.
type EntryInfo struct {
	HitID        string
	AssignmentID string
	WorkerID     string
	Extra        map[string]any
}

// QualificationSpec is one qualification to grant a worker. A nil Score
// means "increment the current score" rather than set it.
type QualificationSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Score       *int   `json:"score,omitempty"`
}

// Recruiter is the uniform capability set every variant implements.
type Recruiter interface {
	// Nickname is the registry name of this variant.
	Nickname() string

	// OpenRecruitment begins recruiting n participants.
	OpenRecruitment(ctx context.Context, n int) (Result, error)

	// Recruit requests n additional participants on an already-open batch.
	// It returns the recruitment URLs, when the back-end produces any.
	Recruit(ctx context.Context, n int) ([]string, error)

	// CloseRecruitment is best effort; marketplace variants generally do
	// not force-expire the batch.
	CloseRecruitment(ctx context.Context) error

	// ApproveHIT approves a submitted assignment. Idempotent from the
	// caller's perspective.
	ApproveHIT(ctx context.Context, assignmentID string) error

	// RewardBonus pays a bonus for a participant's assignment.
	RewardBonus(ctx context.Context, p models.Participant, amount float64, reason string) error

	// AssignExperimentQualifications grants qualifications to a worker.
	// Fire and forget: marketplace variants enqueue the work because
	// qualification propagation can be slow.
	AssignExperimentQualifications(ctx context.Context, workerID string, quals []QualificationSpec) error

	// NormalizeEntryInformation maps platform-specific entry fields onto
	// our identifiers.
	NormalizeEntryInformation(raw map[string]any) EntryInfo

	// NotifyDurationExceeded reconciles participants still working past the
	// allowed duration against the back-end's view of their assignments.
	NotifyDurationExceeded(ctx context.Context, participants []models.Participant, now time.Time) error

	// OnCompletionEvent names the worker event to synthesize when a
	// participant finishes locally, or "" when the back-end self-reports
	// completion.
	OnCompletionEvent() string
}

// Enqueuer places worker events on the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev models.Event, priority string) (string, error)
}

// Ledger is the slice of the relational store recruiters need: the
// recruitment allocation ledger plus local status convergence during
// duration-exceeded sweeps. Convergence goes through the serialized
// transition so a concurrently completing submission is never overwritten
// with stale fields.
type Ledger interface {
	AddRecruitments(ctx context.Context, recruiterID string, n int) error
	RecruitmentCounts(ctx context.Context) (map[string]int, error)
	TransitionParticipant(ctx context.Context, id int64, fn func(p *models.Participant) (bool, error)) (models.Participant, bool, error)
}

// normalizeDefault extracts hit_id, assignment_id, and worker_id directly
// from the entry information, accepting both snake and camel case.
func normalizeDefault(raw map[string]any) EntryInfo {
	info := EntryInfo{Extra: map[string]any{}}
	for k, v := range raw {
		s, _ := v.(string)
		switch k {
		case "hit_id", "hitId":
			info.HitID = s
		case "assignment_id", "assignmentId":
			info.AssignmentID = s
		case "worker_id", "workerId":
			info.WorkerID = s
		default:
			info.Extra[k] = v
		}
	}
	return info
}
