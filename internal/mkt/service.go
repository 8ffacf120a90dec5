// Package mkt defines the boundary to external task marketplaces. Each
// platform adapter exposes the same operation set; everything behind it is a
// black box to the rest of the system.
package mkt

import (
	"context"
	"errors"
	"time"
)

// Remote assignment statuses, as reported by the marketplace.
const (
	AssignmentApproved  = "Approved"
	AssignmentRejected  = "Rejected"
	AssignmentSubmitted = "Submitted"
	AssignmentUnknown   = "Unknown"
)

var (
	// ErrDuplicateQualificationName is returned by CreateQualification when
	// the marketplace already has a qualification type with that name.
	ErrDuplicateQualificationName = errors.New("mkt: qualification name already exists")

	// ErrQualificationNotFound is returned by QualificationByName when the
	// marketplace cannot (yet) find the qualification. Creation is not
	// immediately consistent, so callers poll.
	ErrQualificationNotFound = errors.New("mkt: qualification not found")

	// ErrQualificationsUnsupported marks platforms without a qualification
	// concept.
	ErrQualificationsUnsupported = errors.New("mkt: platform does not support qualifications")
)

// BatchSpec describes a batch (HIT/Study) to create on the marketplace.
type BatchSpec struct {
	ExperimentID    string
	Title           string
	Description     string
	Keywords        []string
	Reward          float64
	Duration        time.Duration
	Lifetime        time.Duration
	MaxAssignments  int
	ExternalURL     string
	NotificationURL string
}

// BatchInfo describes a created or extended batch.
type BatchInfo struct {
	ID         string
	WorkerURL  string
	Expiration time.Time
}

// Service is one marketplace platform.
type Service interface {
	// CreateBatch publishes a batch offering spec.MaxAssignments assignments.
	CreateBatch(ctx context.Context, spec BatchSpec) (BatchInfo, error)

	// ExtendBatch adds n assignments to an existing batch and optionally
	// pushes out its expiration.
	ExtendBatch(ctx context.Context, id string, n int, duration time.Duration) (BatchInfo, error)

	// ExpireBatch force-expires a batch. Best effort; the platform may
	// reject it.
	ExpireBatch(ctx context.Context, id string) error

	// AssignmentStatus reports the platform's view of one assignment.
	AssignmentStatus(ctx context.Context, assignmentID string) (string, error)

	// Approve approves a submitted assignment, releasing base pay.
	Approve(ctx context.Context, assignmentID string) error

	// PayBonus grants a bonus on top of base pay.
	PayBonus(ctx context.Context, assignmentID, workerID string, amount float64, reason string) error

	// CreateQualification creates a qualification type and returns its id.
	CreateQualification(ctx context.Context, name, description string) (string, error)

	// QualificationByName resolves a qualification type id by exact name.
	QualificationByName(ctx context.Context, name string) (string, error)

	// AssignQualification sets a worker's score for a qualification type.
	AssignQualification(ctx context.Context, qualificationID, workerID string, score int) error

	// CurrentScore returns the worker's current score for a qualification
	// type, or 0 when none is assigned.
	CurrentScore(ctx context.Context, qualificationID, workerID string) (int, error)
}
