package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/Dallinger/Dallinger-sub000/internal/models"
	"github.com/Dallinger/Dallinger-sub000/internal/recruiter"
	"github.com/Dallinger/Dallinger-sub000/internal/telemetry"
)

// minRealBonus is the smallest bonus worth a marketplace call. Anything
// below it is logged and skipped.
const minRealBonus = 0.01

func (r *Runner) handleAbandoned(ctx context.Context, p models.Participant) error {
	updated, wrote, err := r.ledger.TransitionParticipant(ctx, p.ID, func(p *models.Participant) (bool, error) {
		if p.Status != models.StatusWorking {
			return false, nil
		}
		end := time.Now().UTC()
		p.EndTime = &end
		p.Status = models.StatusAbandoned
		return true, nil
	})
	if err != nil {
		return err
	}
	if wrote {
		r.hooks.AssignmentAbandoned(ctx, updated)
	}
	return nil
}

func (r *Runner) handleReturned(ctx context.Context, p models.Participant) error {
	updated, wrote, err := r.ledger.TransitionParticipant(ctx, p.ID, func(p *models.Participant) (bool, error) {
		if p.Status != models.StatusWorking {
			return false, nil
		}
		end := time.Now().UTC()
		p.EndTime = &end
		p.Status = models.StatusReturned
		return true, nil
	})
	if err != nil {
		return err
	}
	if wrote {
		r.hooks.AssignmentReturned(ctx, updated)
	}
	return nil
}

// handleReassigned forces the replaced state regardless of the current one:
// a newer participant took over this assignment id.
func (r *Runner) handleReassigned(ctx context.Context, p models.Participant) error {
	updated, wrote, err := r.ledger.TransitionParticipant(ctx, p.ID, func(p *models.Participant) (bool, error) {
		if p.Status == models.StatusReplaced {
			return false, nil
		}
		end := time.Now().UTC()
		p.EndTime = &end
		p.Status = models.StatusReplaced
		return true, nil
	})
	if err != nil {
		return err
	}
	if wrote {
		r.hooks.AssignmentReassigned(ctx, updated)
	}
	return nil
}

func (r *Runner) handleNotificationMissing(ctx context.Context, p models.Participant) error {
	_, _, err := r.ledger.TransitionParticipant(ctx, p.ID, func(p *models.Participant) (bool, error) {
		if p.Status != models.StatusWorking {
			return false, nil
		}
		end := time.Now().UTC()
		p.EndTime = &end
		p.Status = models.StatusMissingNotification
		return true, nil
	})
	return err
}

// handleSubmitted runs the full submission pipeline: mark submitted, approve
// the assignment and record base pay, check the data, pay any bonus (the
// bonus is paid before the attention check, matching how workers are
// compensated for time spent regardless of attentiveness), then either
// approve the submission or mark the attention failure. Each check failure
// requests one replacement recruit.
func (r *Runner) handleSubmitted(ctx context.Context, p models.Participant) error {
	submitted, wrote, err := r.ledger.TransitionParticipant(ctx, p.ID, func(p *models.Participant) (bool, error) {
		switch p.Status {
		case models.StatusWorking, models.StatusOverrecruited, models.StatusReturned, models.StatusAbandoned:
		default:
			return false, nil
		}
		end := time.Now().UTC()
		p.EndTime = &end
		p.Status = models.StatusSubmitted
		return true, nil
	})
	if err != nil {
		return err
	}
	if !wrote {
		// Already past submission; at-least-once delivery replayed the event.
		return nil
	}

	rec, err := r.recruiterFor(submitted)
	if err != nil {
		return err
	}

	if err := rec.ApproveHIT(ctx, submitted.AssignmentID); err != nil {
		return err
	}
	submitted, _, err = r.ledger.TransitionParticipant(ctx, submitted.ID, func(p *models.Participant) (bool, error) {
		p.BasePay = r.cfg.BasePayment
		return true, nil
	})
	if err != nil {
		return err
	}

	if !r.hooks.DataCheck(ctx, submitted) {
		return r.failSubmission(ctx, rec, submitted, models.StatusBadData, r.hooks.DataCheckFailed)
	}

	bonus := r.hooks.Bonus(ctx, submitted)
	submitted, _, err = r.ledger.TransitionParticipant(ctx, submitted.ID, func(p *models.Participant) (bool, error) {
		p.Bonus = bonus
		return true, nil
	})
	if err != nil {
		return err
	}
	if bonus >= minRealBonus {
		log.Printf("Bonus = %v: paying bonus", bonus)
		if err := rec.RewardBonus(ctx, submitted, bonus, r.hooks.BonusReason()); err != nil {
			return err
		}
		telemetry.BonusesPaid.Inc()
	} else {
		log.Printf("Bonus = %v: NOT paying bonus", bonus)
	}

	if !r.hooks.AttentionCheck(ctx, submitted) {
		log.Printf("Attention check failed.")
		return r.failSubmission(ctx, rec, submitted, models.StatusDidNotAttend, r.hooks.AttentionCheckFailed)
	}

	log.Printf("All checks passed.")
	approved, _, err := r.ledger.TransitionParticipant(ctx, submitted.ID, func(p *models.Participant) (bool, error) {
		p.Status = models.StatusApproved
		return true, nil
	})
	if err != nil {
		return err
	}
	r.hooks.SubmissionSuccessful(ctx, approved)
	return r.recruitNext(ctx, rec)
}

// failSubmission marks a failed check terminal state, runs the failure
// hook, and requests one replacement participant.
func (r *Runner) failSubmission(ctx context.Context, rec recruiter.Recruiter, p models.Participant, status string, failed func(context.Context, models.Participant)) error {
	updated, _, err := r.ledger.TransitionParticipant(ctx, p.ID, func(p *models.Participant) (bool, error) {
		p.Status = status
		return true, nil
	})
	if err != nil {
		return err
	}
	failed(ctx, updated)
	if _, err := rec.Recruit(ctx, 1); err != nil {
		return fmt.Errorf("recruit replacement: %w", err)
	}
	return nil
}

// handleBotSubmitted trusts bots by construction: no data or attention
// checks, straight to approved.
func (r *Runner) handleBotSubmitted(ctx context.Context, p models.Participant) error {
	log.Printf("Received bot submission.")
	approved, wrote, err := r.ledger.TransitionParticipant(ctx, p.ID, func(p *models.Participant) (bool, error) {
		if p.Status == models.StatusApproved {
			return false, nil
		}
		end := time.Now().UTC()
		p.EndTime = &end
		p.Status = models.StatusApproved
		return true, nil
	})
	if err != nil {
		return err
	}
	if !wrote {
		return nil
	}
	rec, err := r.recruiterFor(approved)
	if err != nil {
		return err
	}
	if err := rec.ApproveHIT(ctx, approved.AssignmentID); err != nil {
		return err
	}
	r.hooks.SubmissionSuccessful(ctx, approved)
	return r.recruitNext(ctx, rec)
}

// handleBotRejected replaces a failed bot right away.
func (r *Runner) handleBotRejected(ctx context.Context, p models.Participant) error {
	log.Printf("Received rejected bot submission.")
	rejected, wrote, err := r.ledger.TransitionParticipant(ctx, p.ID, func(p *models.Participant) (bool, error) {
		if p.Status == models.StatusRejected {
			return false, nil
		}
		end := time.Now().UTC()
		p.EndTime = &end
		p.Status = models.StatusRejected
		return true, nil
	})
	if err != nil {
		return err
	}
	if !wrote {
		return nil
	}
	rec, err := r.recruiterFor(rejected)
	if err != nil {
		return err
	}
	return r.recruitNext(ctx, rec)
}

// recruitNext asks the experiment how many more participants to request and
// forwards the answer to the recruiter.
func (r *Runner) recruitNext(ctx context.Context, rec recruiter.Recruiter) error {
	n := r.hooks.Recruit(ctx)
	if n <= 0 {
		return nil
	}
	if _, err := rec.Recruit(ctx, n); err != nil {
		return fmt.Errorf("recruit next wave: %w", err)
	}
	return nil
}

func (r *Runner) handleRunBot(ctx context.Context, ev models.Event) error {
	if r.bots == nil {
		log.Printf("no bot driver configured; dropping bot job for assignment %s", ev.AssignmentID)
		return nil
	}
	var spec BotSpec
	if err := json.Unmarshal([]byte(ev.Details), &spec); err != nil {
		return fmt.Errorf("unmarshal bot job details: %w", err)
	}
	spec.AssignmentID = ev.AssignmentID
	return r.bots.Run(ctx, spec)
}

// handleAssignQualifications performs a deferred qualification grant on
// behalf of the recruiter that enqueued it.
func (r *Runner) handleAssignQualifications(ctx context.Context, ev models.Event) error {
	var grant recruiter.QualificationGrant
	if err := json.Unmarshal([]byte(ev.Details), &grant); err != nil {
		return fmt.Errorf("unmarshal qualification grant: %w", err)
	}
	rec, err := r.recruiters.ByName(grant.Recruiter)
	if err != nil {
		return err
	}
	assigner, ok := rec.(interface {
		RunQualificationAssignment(ctx context.Context, workerID string, quals []recruiter.QualificationSpec) error
	})
	if !ok {
		log.Printf("recruiter %s cannot assign qualifications; dropping grant for worker %s",
			grant.Recruiter, grant.WorkerID)
		return nil
	}
	return assigner.RunQualificationAssignment(ctx, grant.WorkerID, grant.Qualifications)
}
