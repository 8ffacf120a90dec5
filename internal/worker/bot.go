package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/Dallinger/Dallinger-sub000/internal/models"
)

// BotSpec describes one bot session: where to enter the experiment and the
// marketplace identity the bot assumes.
type BotSpec struct {
	URL          string `json:"url"`
	HitID        string `json:"hit_id"`
	WorkerID     string `json:"worker_id"`
	AssignmentID string `json:"-"`
}

// HTTPBot drives a bot session against the experiment's own HTTP surface:
// it registers as a participant and reports the session outcome back onto
// the queue as a bot completion event.
type HTTPBot struct {
	baseURL string
	client  *http.Client
	queue   Queue
}

func NewHTTPBot(baseURL string, q Queue) *HTTPBot {
	return &HTTPBot{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		queue:   q,
	}
}

func (b *HTTPBot) Run(ctx context.Context, spec BotSpec) error {
	outcome := models.EventBotAssignmentSubmitted
	if err := b.participate(ctx, spec); err != nil {
		log.Printf("bot session for assignment %s failed: %v", spec.AssignmentID, err)
		outcome = models.EventBotAssignmentRejected
	}
	if _, err := b.queue.Enqueue(ctx, models.Event{
		Type:         outcome,
		AssignmentID: spec.AssignmentID,
	}, "default"); err != nil {
		return fmt.Errorf("report bot outcome: %w", err)
	}
	return nil
}

func (b *HTTPBot) participate(ctx context.Context, spec BotSpec) error {
	body, err := json.Marshal(map[string]any{
		"worker_id":     spec.WorkerID,
		"hit_id":        spec.HitID,
		"assignment_id": spec.AssignmentID,
		"recruiter":     "bots",
	})
	if err != nil {
		return fmt.Errorf("marshal participant request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/participants", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build participant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("register bot participant: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("register bot participant: status %d", resp.StatusCode)
	}
	return nil
}
