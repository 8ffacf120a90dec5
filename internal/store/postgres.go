package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dallinger/Dallinger-sub000/internal/models"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same Store
// methods work inside and outside the serialized guard.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps pgxpool for Postgres persistence. It owns the participants,
// notifications, and recruitments tables.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, db: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateParticipantParams collects inputs required to insert a participant.
type CreateParticipantParams struct {
	WorkerID     string
	AssignmentID string
	HitID        string
	RecruiterID  string
	Mode         string
	EntryInfo    map[string]any
}

// CreateParticipant inserts one participant in status "working".
//
// If another participant already holds the same assignment_id in status
// "working" (a marketplace recycled the assignment), the older row's ID is
// returned so the caller can enqueue AssignmentReassigned for it. Run this
// inside Serialized so the duplicate check and the insert cannot race.
func (s *Store) CreateParticipant(ctx context.Context, p CreateParticipantParams) (models.Participant, int64, error) {
	var superseded int64
	var dupe int64
	err := s.db.QueryRow(ctx, `
		SELECT id FROM participants
		WHERE assignment_id = $1 AND status = $2
		ORDER BY creation_time DESC LIMIT 1
	`, p.AssignmentID, models.StatusWorking).Scan(&dupe)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return models.Participant{}, 0, fmt.Errorf("check duplicate assignment: %w", err)
	}
	if err == nil {
		superseded = dupe
	}

	entryJSON, err := json.Marshal(p.EntryInfo)
	if err != nil {
		return models.Participant{}, 0, fmt.Errorf("marshal entry info: %w", err)
	}

	now := time.Now().UTC()
	participant := models.Participant{
		WorkerID:     p.WorkerID,
		AssignmentID: p.AssignmentID,
		HitID:        p.HitID,
		RecruiterID:  p.RecruiterID,
		Mode:         p.Mode,
		Status:       models.StatusWorking,
		CreationTime: now,
		EntryInfo:    p.EntryInfo,
	}
	err = s.db.QueryRow(ctx, `
		INSERT INTO participants (worker_id, assignment_id, hit_id, recruiter_id, mode, status, creation_time, base_pay, bonus, entry_information)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8)
		RETURNING id
	`, p.WorkerID, p.AssignmentID, p.HitID, p.RecruiterID, p.Mode, models.StatusWorking, now, entryJSON).Scan(&participant.ID)
	if err != nil {
		return models.Participant{}, 0, fmt.Errorf("insert participant: %w", err)
	}
	return participant, superseded, nil
}

const participantColumns = `id, worker_id, assignment_id, hit_id, recruiter_id, mode, status, creation_time, end_time, base_pay, bonus, entry_information`

// ParticipantByID fetches a participant by primary key.
func (s *Store) ParticipantByID(ctx context.Context, id int64) (models.Participant, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+participantColumns+` FROM participants WHERE id = $1
	`, id)
	p, err := scanParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Participant{}, ErrNotFound
	}
	return p, err
}

// ParticipantsByAssignment returns every participant sharing an
// assignment_id, oldest first.
func (s *Store) ParticipantsByAssignment(ctx context.Context, assignmentID string) ([]models.Participant, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+participantColumns+` FROM participants
		WHERE assignment_id = $1 ORDER BY creation_time ASC
	`, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("query participants by assignment: %w", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// WorkingParticipants returns all participants still in status "working"
// whose creation_time is at or before the cutoff.
func (s *Store) WorkingParticipants(ctx context.Context, cutoff time.Time) ([]models.Participant, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+participantColumns+` FROM participants
		WHERE status = $1 AND creation_time <= $2 ORDER BY creation_time ASC
	`, models.StatusWorking, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query working participants: %w", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateParticipant writes back the mutable lifecycle fields.
func (s *Store) UpdateParticipant(ctx context.Context, p models.Participant) error {
	_, err := s.db.Exec(ctx, `
		UPDATE participants SET status = $2, end_time = $3, base_pay = $4, bonus = $5
		WHERE id = $1
	`, p.ID, p.Status, p.EndTime, p.BasePay, p.Bonus)
	if err != nil {
		return fmt.Errorf("update participant %d: %w", p.ID, err)
	}
	return nil
}

// RecordNotification appends one row to the notifications audit log.
func (s *Store) RecordNotification(ctx context.Context, assignmentID, eventType, details string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO notifications (assignment_id, event_type, details, created_at)
		VALUES ($1, $2, $3, NOW())
	`, assignmentID, eventType, details)
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}

// NotificationsFor lists the audit trail for one assignment, oldest first.
func (s *Store) NotificationsFor(ctx context.Context, assignmentID string) ([]models.Notification, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, assignment_id, event_type, details, created_at FROM notifications
		WHERE assignment_id = $1 ORDER BY created_at ASC
	`, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var details pgtype.Text
		if err := rows.Scan(&n.ID, &n.AssignmentID, &n.EventType, &details, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if details.Valid {
			n.Details = details.String
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AddRecruitments appends n ledger rows for one recruiter.
func (s *Store) AddRecruitments(ctx context.Context, recruiterID string, n int) error {
	for i := 0; i < n; i++ {
		if _, err := s.db.Exec(ctx, `
			INSERT INTO recruitments (recruiter_id, created_at) VALUES ($1, NOW())
		`, recruiterID); err != nil {
			return fmt.Errorf("insert recruitment: %w", err)
		}
	}
	return nil
}

// RecruitmentCounts returns the historical per-recruiter allocation totals.
func (s *Store) RecruitmentCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT recruiter_id, COUNT(*) FROM recruitments GROUP BY recruiter_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query recruitment counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan recruitment count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func scanParticipant(row pgx.Row) (models.Participant, error) {
	var p models.Participant
	var endTime pgtype.Timestamptz
	var entryJSON []byte
	err := row.Scan(&p.ID, &p.WorkerID, &p.AssignmentID, &p.HitID, &p.RecruiterID,
		&p.Mode, &p.Status, &p.CreationTime, &endTime, &p.BasePay, &p.Bonus, &entryJSON)
	if err != nil {
		return models.Participant{}, err
	}
	if endTime.Valid {
		t := endTime.Time
		p.EndTime = &t
	}
	if len(entryJSON) > 0 {
		if err := json.Unmarshal(entryJSON, &p.EntryInfo); err != nil {
			return models.Participant{}, fmt.Errorf("unmarshal entry info: %w", err)
		}
	}
	return p, nil
}
