package mkt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ProlificService adapts the Prolific researcher API. Prolific has no SDK,
// so this is a thin REST client.
type ProlificService struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewProlificService(baseURL, token string) *ProlificService {
	return &ProlificService{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type prolificStudy struct {
	ID                   string `json:"id"`
	Status               string `json:"status"`
	ExternalStudyURL     string `json:"external_study_url"`
	TotalAvailablePlaces int    `json:"total_available_places"`
}

type prolificSubmission struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	StudyID string `json:"study_id"`
}

func (s *ProlificService) CreateBatch(ctx context.Context, spec BatchSpec) (BatchInfo, error) {
	payload := map[string]any{
		"name":                      spec.Title,
		"internal_name":             spec.ExperimentID,
		"description":               spec.Description,
		"external_study_url":        spec.ExternalURL,
		"prolific_id_option":        "url_parameters",
		"completion_option":         "url",
		"estimated_completion_time": int(spec.Duration.Minutes()),
		"reward":                    int(spec.Reward * 100), // pence/cents
		"total_available_places":    spec.MaxAssignments,
		"eligibility_requirements":  []any{},
	}
	var study prolificStudy
	if err := s.do(ctx, http.MethodPost, "/studies/", payload, &study); err != nil {
		return BatchInfo{}, fmt.Errorf("create study: %w", err)
	}
	// Studies are created unpublished; publish to start recruiting.
	if err := s.do(ctx, http.MethodPost, "/studies/"+study.ID+"/transition/", map[string]any{"action": "PUBLISH"}, nil); err != nil {
		return BatchInfo{}, fmt.Errorf("publish study: %w", err)
	}
	return BatchInfo{ID: study.ID, WorkerURL: study.ExternalStudyURL}, nil
}

func (s *ProlificService) ExtendBatch(ctx context.Context, id string, n int, _ time.Duration) (BatchInfo, error) {
	var study prolificStudy
	if err := s.do(ctx, http.MethodGet, "/studies/"+id+"/", nil, &study); err != nil {
		return BatchInfo{}, fmt.Errorf("get study: %w", err)
	}
	payload := map[string]any{"total_available_places": study.TotalAvailablePlaces + n}
	if err := s.do(ctx, http.MethodPatch, "/studies/"+id+"/", payload, &study); err != nil {
		return BatchInfo{}, fmt.Errorf("add places to study: %w", err)
	}
	return BatchInfo{ID: study.ID, WorkerURL: study.ExternalStudyURL}, nil
}

func (s *ProlificService) ExpireBatch(ctx context.Context, id string) error {
	if err := s.do(ctx, http.MethodPost, "/studies/"+id+"/transition/", map[string]any{"action": "STOP"}, nil); err != nil {
		return fmt.Errorf("stop study: %w", err)
	}
	return nil
}

func (s *ProlificService) AssignmentStatus(ctx context.Context, assignmentID string) (string, error) {
	var sub prolificSubmission
	if err := s.do(ctx, http.MethodGet, "/submissions/"+assignmentID+"/", nil, &sub); err != nil {
		return AssignmentUnknown, fmt.Errorf("get submission: %w", err)
	}
	switch sub.Status {
	case "APPROVED":
		return AssignmentApproved, nil
	case "REJECTED":
		return AssignmentRejected, nil
	case "AWAITING REVIEW":
		return AssignmentSubmitted, nil
	}
	return AssignmentUnknown, nil
}

func (s *ProlificService) Approve(ctx context.Context, assignmentID string) error {
	if err := s.do(ctx, http.MethodPost, "/submissions/"+assignmentID+"/transition/", map[string]any{"action": "APPROVE"}, nil); err != nil {
		return fmt.Errorf("approve submission: %w", err)
	}
	return nil
}

func (s *ProlificService) PayBonus(ctx context.Context, assignmentID, workerID string, amount float64, reason string) error {
	// Bonuses are set up against the study, so resolve it from the submission.
	var sub prolificSubmission
	if err := s.do(ctx, http.MethodGet, "/submissions/"+assignmentID+"/", nil, &sub); err != nil {
		return fmt.Errorf("get submission: %w", err)
	}
	var setup struct {
		ID string `json:"id"`
	}
	payload := map[string]any{
		"study_id":    sub.StudyID,
		"csv_bonuses": fmt.Sprintf("%s,%.2f", workerID, amount),
	}
	if err := s.do(ctx, http.MethodPost, "/submissions/bonus-payments/", payload, &setup); err != nil {
		return fmt.Errorf("set up bonus payment: %w", err)
	}
	if err := s.do(ctx, http.MethodPost, "/bulk-bonus-payments/"+setup.ID+"/pay/", nil, nil); err != nil {
		return fmt.Errorf("pay bonus: %w", err)
	}
	return nil
}

// Prolific screens workers with eligibility requirements rather than
// assignable qualifications, so the qualification operations are
// unsupported.

func (s *ProlificService) CreateQualification(context.Context, string, string) (string, error) {
	return "", ErrQualificationsUnsupported
}

func (s *ProlificService) QualificationByName(context.Context, string) (string, error) {
	return "", ErrQualificationsUnsupported
}

func (s *ProlificService) AssignQualification(context.Context, string, string, int) error {
	return ErrQualificationsUnsupported
}

func (s *ProlificService) CurrentScore(context.Context, string, string) (int, error) {
	return 0, ErrQualificationsUnsupported
}

func (s *ProlificService) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+s.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
