// Package api is the HTTP-facing surface: it validates and enqueues worker
// events, registers participants, and exposes operational views. It never
// runs event handlers itself; the worker pool does that.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Dallinger/Dallinger-sub000/internal/config"
	"github.com/Dallinger/Dallinger-sub000/internal/models"
	"github.com/Dallinger/Dallinger-sub000/internal/queue"
	"github.com/Dallinger/Dallinger-sub000/internal/ratelimit"
	"github.com/Dallinger/Dallinger-sub000/internal/recruiter"
	"github.com/Dallinger/Dallinger-sub000/internal/store"
	"github.com/Dallinger/Dallinger-sub000/internal/telemetry"
)

// EventProcessor runs one event synchronously, bypassing the queue. Used by
// the debug route.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, ev models.Event) error
}

// Server wires the HTTP handlers.
type Server struct {
	cfg        config.Config
	store      *store.Store
	queue      *queue.RedisQueue
	limiter    *ratelimit.SourceLimiter
	recruiters *recruiter.Registry
	processor  EventProcessor
}

func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, limiter *ratelimit.SourceLimiter, reg *recruiter.Registry, proc EventProcessor) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		queue:      q,
		limiter:    limiter,
		recruiters: reg,
		processor:  proc,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/notifications", s.handleNotification)
	r.Post("/notifications/sync", s.handleNotificationSync)
	r.Post("/participants", s.handleCreateParticipant)
	r.Get("/participants/{id}", s.handleGetParticipant)
	r.Post("/recruitment/open", s.handleOpenRecruitment)
	r.Post("/recruitment/close", s.handleCloseRecruitment)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type notificationRequest struct {
	EventType     string `json:"event_type"`
	AssignmentID  string `json:"assignment_id"`
	ParticipantID int64  `json:"participant_id"`
	Details       string `json:"details"`
	Priority      string `json:"priority"`
}

func (r notificationRequest) event() models.Event {
	return models.Event{
		Type:          r.EventType,
		AssignmentID:  r.AssignmentID,
		ParticipantID: r.ParticipantID,
		Details:       r.Details,
	}
}

// handleNotification is the enqueue contract: validate the event type, then
// hand the event to the queue. Processing is the worker pool's job.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeNotification(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r) {
		return
	}
	jobID, err := s.queue.Enqueue(r.Context(), req.event(), req.Priority)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// handleNotificationSync processes the event before responding. Debug and
// test convenience; production marketplaces hit /notifications.
func (s *Server) handleNotificationSync(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeNotification(w, r)
	if !ok {
		return
	}
	if err := s.processor.ProcessEvent(r.Context(), req.event()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (s *Server) decodeNotification(w http.ResponseWriter, r *http.Request) (notificationRequest, bool) {
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return req, false
	}
	if req.EventType == "" {
		http.Error(w, "event_type is required", http.StatusBadRequest)
		return req, false
	}
	if !models.KnownEventType(req.EventType) {
		http.Error(w, fmt.Sprintf("unknown event_type %q", req.EventType), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

type createParticipantRequest struct {
	Recruiter string         `json:"recruiter"`
	Entry     map[string]any `json:"entry_information"`

	// Direct identifiers, accepted as a convenience alongside raw entry
	// information.
	WorkerID     string `json:"worker_id"`
	HitID        string `json:"hit_id"`
	AssignmentID string `json:"assignment_id"`
}

// handleCreateParticipant registers one participant. The duplicate check
// and insert run under the serialized guard; when a newer participant
// supersedes an older one at the same assignment id, the replacement event
// for the old row is enqueued after the transaction commits.
func (s *Server) handleCreateParticipant(w http.ResponseWriter, r *http.Request) {
	var req createParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Recruiter == "" {
		req.Recruiter = s.cfg.Recruiter
	}
	rec, err := s.recruiters.ByName(req.Recruiter)
	if err != nil {
		if errors.Is(err, recruiter.ErrUnknownRecruiter) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	entry := req.Entry
	if entry == nil {
		entry = map[string]any{}
	}
	info := rec.NormalizeEntryInformation(entry)
	if req.WorkerID != "" {
		info.WorkerID = req.WorkerID
	}
	if req.HitID != "" {
		info.HitID = req.HitID
	}
	if req.AssignmentID != "" {
		info.AssignmentID = req.AssignmentID
	}
	if info.AssignmentID == "" || info.WorkerID == "" {
		http.Error(w, "worker_id and assignment_id are required", http.StatusBadRequest)
		return
	}

	var created models.Participant
	var superseded int64
	err = s.store.Serialized(r.Context(), func(ctx context.Context, tx *store.Store) error {
		var err error
		created, superseded, err = tx.CreateParticipant(ctx, store.CreateParticipantParams{
			WorkerID:     info.WorkerID,
			AssignmentID: info.AssignmentID,
			HitID:        info.HitID,
			RecruiterID:  req.Recruiter,
			Mode:         s.cfg.Mode,
			EntryInfo:    info.Extra,
		})
		return err
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if superseded != 0 {
		if _, err := s.queue.Enqueue(r.Context(), models.Event{
			Type:          models.EventAssignmentReassigned,
			AssignmentID:  info.AssignmentID,
			ParticipantID: superseded,
		}, "high"); err != nil {
			http.Error(w, "enqueue replacement event failed", http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	var id int64
	if _, err := fmt.Sscanf(chi.URLParam(r, "id"), "%d", &id); err != nil {
		http.Error(w, "invalid participant id", http.StatusBadRequest)
		return
	}
	p, err := s.store.ParticipantByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type recruitmentRequest struct {
	Recruiter string `json:"recruiter"`
	N         int    `json:"n"`
}

func (s *Server) handleOpenRecruitment(w http.ResponseWriter, r *http.Request) {
	var req recruitmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Recruiter == "" {
		req.Recruiter = s.cfg.Recruiter
	}
	if req.N <= 0 {
		req.N = 1
	}
	rec, err := s.recruiters.ByName(req.Recruiter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := rec.OpenRecruitment(r.Context(), req.N)
	switch {
	case errors.Is(err, recruiter.ErrAlreadyInProgress),
		errors.Is(err, recruiter.ErrEnvironmentUnsuitable):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCloseRecruitment(w http.ResponseWriter, r *http.Request) {
	var req recruitmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Recruiter == "" {
		req.Recruiter = s.cfg.Recruiter
	}
	rec, err := s.recruiters.ByName(req.Recruiter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := rec.CloseRecruitment(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// allow applies the per-source token bucket. Marketplace notification
// storms (e.g. SNS retries) get shed here before they reach the queue.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), sourceFromRequest(r))
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func sourceFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
