package recruiter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/Dallinger/Dallinger-sub000/internal/config"
	"github.com/Dallinger/Dallinger-sub000/internal/models"
)

// BotRecruiter recruits bot participants by enqueuing bot-run jobs instead
// of contacting a marketplace. Bot jobs run at low priority so human-facing
// event handling is never starved.
type BotRecruiter struct {
	cfg   config.Config
	queue Enqueuer
}

func NewBotRecruiter(cfg config.Config, q Enqueuer) *BotRecruiter {
	return &BotRecruiter{cfg: cfg, queue: q}
}

func (r *BotRecruiter) Nickname() string { return "bots" }

func (r *BotRecruiter) OpenRecruitment(ctx context.Context, n int) (Result, error) {
	log.Printf("Opening Bot recruitment for %d participants", n)
	urls, err := r.Recruit(ctx, n)
	if err != nil {
		return Result{}, err
	}
	return Result{Items: urls, Message: "Bot recruitment started"}, nil
}

// Recruit enqueues n bot-run jobs on the low-priority queue.
func (r *BotRecruiter) Recruit(ctx context.Context, n int) ([]string, error) {
	log.Printf("Recruiting %d Bot participants", n)
	urls := make([]string, 0, n)
	for i := 0; i < n; i++ {
		worker := generateID()
		hit := generateID()
		assignment := generateID()
		url := fmt.Sprintf("%s/ad?recruiter=%s&assignmentId=%s&hitId=%s&workerId=%s&mode=sandbox",
			r.cfg.BaseURL, r.Nickname(), assignment, hit, worker)
		details, err := json.Marshal(map[string]string{
			"url":       url,
			"hit_id":    hit,
			"worker_id": worker,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal bot job details: %w", err)
		}
		jobID, err := r.queue.Enqueue(ctx, models.Event{
			Type:         models.EventRunBot,
			AssignmentID: assignment,
			Details:      string(details),
		}, "low")
		if err != nil {
			return nil, fmt.Errorf("enqueue bot job: %w", err)
		}
		log.Printf("Created bot job %s for url %s", jobID, url)
		urls = append(urls, url)
	}
	return urls, nil
}

func (r *BotRecruiter) CloseRecruitment(context.Context) error {
	log.Printf("%s %s", CloseRecruitmentLogPrefix, r.Nickname())
	return nil
}

func (r *BotRecruiter) ApproveHIT(context.Context, string) error { return nil }

// RewardBonus is logging only. These are bots.
func (r *BotRecruiter) RewardBonus(_ context.Context, _ models.Participant, _ float64, _ string) error {
	log.Printf("Bots don't get bonuses. Sorry, bots.")
	return nil
}

func (r *BotRecruiter) AssignExperimentQualifications(context.Context, string, []QualificationSpec) error {
	return nil
}

func (r *BotRecruiter) NormalizeEntryInformation(raw map[string]any) EntryInfo {
	return normalizeDefault(raw)
}

// NotifyDurationExceeded rejects bots that have been working too long; a
// stuck bot is never coming back.
func (r *BotRecruiter) NotifyDurationExceeded(ctx context.Context, participants []models.Participant, now time.Time) error {
	for _, p := range participants {
		if _, err := r.queue.Enqueue(ctx, models.Event{
			Type:          models.EventBotAssignmentRejected,
			AssignmentID:  p.AssignmentID,
			ParticipantID: p.ID,
		}, "default"); err != nil {
			return fmt.Errorf("enqueue bot rejection: %w", err)
		}
	}
	return nil
}

func (r *BotRecruiter) OnCompletionEvent() string {
	return models.EventBotAssignmentSubmitted
}
