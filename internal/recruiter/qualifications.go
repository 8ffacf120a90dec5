package recruiter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Dallinger/Dallinger-sub000/internal/mkt"
)

// Qualification creation on the marketplace is not read-your-writes
// consistent, so resolution polls a few times before giving up.
const (
	qualificationLookupAttempts = 5
	qualificationLookupDelay    = 2 * time.Second
)

// qualificationReconciler ensures qualification types exist on the
// marketplace and grants them to a worker. Qualifications it cannot
// resolve after polling are dropped with a warning rather than failing
// the whole grant.
type qualificationReconciler struct {
	svc   mkt.Service
	delay time.Duration
}

func newQualificationReconciler(svc mkt.Service) *qualificationReconciler {
	return &qualificationReconciler{svc: svc, delay: qualificationLookupDelay}
}

func (q *qualificationReconciler) Run(ctx context.Context, workerID string, quals []QualificationSpec) error {
	for _, spec := range quals {
		id, err := q.ensure(ctx, spec)
		if err != nil {
			if errors.Is(err, mkt.ErrQualificationNotFound) {
				log.Printf("qualification %q not available after %d lookups; skipping",
					spec.Name, qualificationLookupAttempts)
				continue
			}
			return err
		}
		if err := q.grant(ctx, id, workerID, spec.Score); err != nil {
			return err
		}
	}
	return nil
}

// ensure creates the qualification type and waits for it to show up in the
// marketplace's name index before it is assigned against. A taken name
// means the type already exists and is queryable right away.
func (q *qualificationReconciler) ensure(ctx context.Context, spec QualificationSpec) (string, error) {
	id, err := q.svc.CreateQualification(ctx, spec.Name, spec.Description)
	if err == nil {
		return q.awaitQueryable(ctx, spec.Name, id)
	}
	if !errors.Is(err, mkt.ErrDuplicateQualificationName) {
		return "", fmt.Errorf("create qualification %q: %w", spec.Name, err)
	}
	id, err = q.svc.QualificationByName(ctx, spec.Name)
	if err != nil {
		return "", fmt.Errorf("look up qualification %q: %w", spec.Name, err)
	}
	return id, nil
}

// awaitQueryable polls the name index until a freshly created type appears,
// surfacing ErrQualificationNotFound when it never does.
func (q *qualificationReconciler) awaitQueryable(ctx context.Context, name, id string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < qualificationLookupAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(q.delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		_, err := q.svc.QualificationByName(ctx, name)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, mkt.ErrQualificationNotFound) {
			return "", fmt.Errorf("look up qualification %q: %w", name, err)
		}
		log.Printf("qualification %q not queryable yet; trying again", name)
		lastErr = err
	}
	return "", lastErr
}

// grant sets the worker's score, or increments the current one when the
// spec carries no explicit score.
func (q *qualificationReconciler) grant(ctx context.Context, qualificationID, workerID string, score *int) error {
	target := 0
	if score != nil {
		target = *score
	} else {
		current, err := q.svc.CurrentScore(ctx, qualificationID, workerID)
		if err != nil {
			return fmt.Errorf("read qualification score: %w", err)
		}
		target = current + 1
	}
	if err := q.svc.AssignQualification(ctx, qualificationID, workerID, target); err != nil {
		return fmt.Errorf("assign qualification: %w", err)
	}
	return nil
}
