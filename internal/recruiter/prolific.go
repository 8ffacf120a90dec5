package recruiter

import (
	"context"
	"fmt"
	"log"

	"github.com/Dallinger/Dallinger-sub000/internal/mkt"
	"github.com/Dallinger/Dallinger-sub000/internal/models"
)

// ProlificRecruiter recruits participants from Prolific.
//
// Prolific does not push assignment notifications, so participants who
// finish locally have their submission event synthesized here, and the
// duration-exceeded sweep is the only reconciliation path for the rest.
type ProlificRecruiter struct {
	marketplaceRecruiter
}

func NewProlificRecruiter(d Deps, svc mkt.Service) *ProlificRecruiter {
	return &ProlificRecruiter{marketplaceRecruiter{
		cfg:    d.Config,
		svc:    svc,
		kv:     d.KV,
		queue:  d.Queue,
		ledger: d.Ledger,
		admin:  d.Admin,
		nick:   "prolific",
	}}
}

// OpenRecruitment publishes a study on Prolific.
func (r *ProlificRecruiter) OpenRecruitment(ctx context.Context, n int) (Result, error) {
	log.Printf("Opening Prolific recruitment for %d participants", n)
	if r.isInProgress(ctx) {
		return Result{}, ErrAlreadyInProgress
	}
	if r.cfg.Host == "" {
		return Result{}, fmt.Errorf("%w: refusing to publish a study for localhost", ErrEnvironmentUnsuitable)
	}

	info, err := r.svc.CreateBatch(ctx, mkt.BatchSpec{
		ExperimentID:   r.cfg.ExperimentID,
		Title:          r.cfg.Title,
		Description:    r.cfg.Description,
		Reward:         r.cfg.BasePayment,
		Duration:       r.cfg.Duration,
		Lifetime:       r.cfg.Lifetime,
		MaxAssignments: n,
		ExternalURL: fmt.Sprintf(
			"%s/ad?recruiter=%s&STUDY_ID={{%%STUDY_ID%%}}&PROLIFIC_PID={{%%PROLIFIC_PID%%}}&SESSION_ID={{%%SESSION_ID%%}}",
			r.cfg.BaseURL, r.nick),
	})
	if err != nil {
		return Result{}, fmt.Errorf("create study: %w", err)
	}
	if err := r.recordBatchID(ctx, info.ID); err != nil {
		return Result{}, fmt.Errorf("record study id: %w", err)
	}
	return Result{
		Items:   []string{info.WorkerURL},
		Message: "Study created on Prolific",
	}, nil
}

// Recruit raises the study's total available places by n. A no-op, logged,
// when auto-recruit is disabled.
func (r *ProlificRecruiter) Recruit(ctx context.Context, n int) ([]string, error) {
	log.Printf("Recruiting %d Prolific participants", n)
	if !r.autoRecruitEnabled(ctx) {
		log.Printf("auto_recruit is false: recruitment suppressed")
		return nil, nil
	}
	studyID, ok := r.currentBatchID(ctx)
	if !ok {
		log.Printf("no study in progress: recruitment aborted")
		return nil, nil
	}
	if _, err := r.svc.ExtendBatch(ctx, studyID, n, r.cfg.Duration); err != nil {
		log.Printf("extend study %s: %v", studyID, err)
	}
	return nil, nil
}

// AssignExperimentQualifications is a no-op: Prolific has no qualification
// concept.
func (r *ProlificRecruiter) AssignExperimentQualifications(_ context.Context, workerID string, quals []QualificationSpec) error {
	if len(quals) > 0 {
		log.Printf("prolific does not support qualifications; dropping %d for worker %s", len(quals), workerID)
	}
	return nil
}

// NormalizeEntryInformation maps Prolific's query parameters onto our
// identifiers. The study stands in for the HIT and the session for the
// assignment.
func (r *ProlificRecruiter) NormalizeEntryInformation(raw map[string]any) EntryInfo {
	info := EntryInfo{Extra: map[string]any{}}
	for k, v := range raw {
		s, _ := v.(string)
		switch k {
		case "STUDY_ID":
			info.HitID = s
		case "SESSION_ID":
			info.AssignmentID = s
		case "PROLIFIC_PID":
			info.WorkerID = s
		default:
			info.Extra[k] = v
		}
	}
	if info.HitID == "" && info.AssignmentID == "" && info.WorkerID == "" {
		return normalizeDefault(raw)
	}
	return info
}

// OnCompletionEvent synthesizes the submission locally; Prolific never
// notifies us.
func (r *ProlificRecruiter) OnCompletionEvent() string {
	return models.EventAssignmentSubmitted
}
