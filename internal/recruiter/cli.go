package recruiter

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Dallinger/Dallinger-sub000/internal/config"
	"github.com/Dallinger/Dallinger-sub000/internal/models"
)

// CLIRecruiter prints /ad URLs to the console for direct assignment. Used
// for local development and manual recruitment.
type CLIRecruiter struct {
	cfg  config.Config
	nick string
	mode string
}

func NewCLIRecruiter(cfg config.Config) *CLIRecruiter {
	return &CLIRecruiter{cfg: cfg, nick: "cli", mode: cfg.Mode}
}

func (r *CLIRecruiter) Nickname() string { return r.nick }

// OpenRecruitment returns the initial experiment URL list, plus instructions
// for finding subsequent recruitment events in the logs.
func (r *CLIRecruiter) OpenRecruitment(ctx context.Context, n int) (Result, error) {
	log.Printf("Opening CLI recruitment for %d participants", n)
	urls, err := r.Recruit(ctx, n)
	if err != nil {
		return Result{}, err
	}
	message := fmt.Sprintf(
		"Search for %q in the logs for subsequent recruitment URLs.",
		NewRecruitLogPrefix)
	return Result{Items: urls, Message: message}, nil
}

// Recruit generates experiment URLs and prints them to the console.
func (r *CLIRecruiter) Recruit(_ context.Context, n int) ([]string, error) {
	log.Printf("Recruiting %d CLI participants", n)
	urls := make([]string, 0, n)
	for i := 0; i < n; i++ {
		url := fmt.Sprintf("%s/ad?recruiter=%s&assignmentId=%s&hitId=%s&workerId=%s&mode=%s",
			r.cfg.BaseURL, r.Nickname(), generateID(), generateID(), generateID(), r.mode)
		log.Printf("%s %s", NewRecruitLogPrefix, url)
		urls = append(urls, url)
	}
	return urls, nil
}

func (r *CLIRecruiter) CloseRecruitment(context.Context) error {
	log.Printf("%s %s", CloseRecruitmentLogPrefix, r.Nickname())
	return nil
}

func (r *CLIRecruiter) ApproveHIT(_ context.Context, assignmentID string) error {
	log.Printf("Assignment %s has been marked for approval", assignmentID)
	return nil
}

func (r *CLIRecruiter) RewardBonus(_ context.Context, p models.Participant, amount float64, reason string) error {
	log.Printf("Award $%.2f for assignment %s, with reason %q", amount, p.AssignmentID, reason)
	return nil
}

func (r *CLIRecruiter) AssignExperimentQualifications(_ context.Context, workerID string, quals []QualificationSpec) error {
	log.Printf("Worker ID %s earned %d qualifications", workerID, len(quals))
	return nil
}

func (r *CLIRecruiter) NormalizeEntryInformation(raw map[string]any) EntryInfo {
	return normalizeDefault(raw)
}

// NotifyDurationExceeded does nothing: we only track participants locally.
func (r *CLIRecruiter) NotifyDurationExceeded(_ context.Context, participants []models.Participant, _ time.Time) error {
	for _, p := range participants {
		log.Printf("%d -> %s", p.ID, p.Status)
	}
	return nil
}

// OnCompletionEvent reports that the task submission is implicitly complete
// the moment the participant finishes locally.
func (r *CLIRecruiter) OnCompletionEvent() string {
	return models.EventAssignmentSubmitted
}

// HotAirRecruiter talks the talk but does not walk the walk: it always runs
// in debug mode and never pays anyone.
type HotAirRecruiter struct {
	CLIRecruiter
}

func NewHotAirRecruiter(cfg config.Config) *HotAirRecruiter {
	// Ignore config settings and always use debug mode.
	return &HotAirRecruiter{CLIRecruiter{cfg: cfg, nick: "hotair", mode: "debug"}}
}

func (r *HotAirRecruiter) RewardBonus(_ context.Context, p models.Participant, amount float64, reason string) error {
	log.Printf("Were this a real recruiter, we'd award $%.2f for assignment %s with reason %q",
		amount, p.AssignmentID, reason)
	return nil
}

func generateID() string {
	return uuid.New().String()
}
