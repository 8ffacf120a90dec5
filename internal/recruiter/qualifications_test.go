package recruiter

import (
	"context"
	"testing"
	"time"

	"github.com/Dallinger/Dallinger-sub000/internal/mkt"
)

// fakeQualService fakes the qualification slice of a marketplace.
type fakeQualService struct {
	mkt.Service

	existing    map[string]string // name -> id for pre-existing quals
	scores      map[string]int    // "qualID/workerID" -> score
	lookups     int
	lookupAfter int // lookups to fail before the name resolves
	created     []string
	assigned    map[string]int
}

func newFakeQualService() *fakeQualService {
	return &fakeQualService{
		existing: map[string]string{},
		scores:   map[string]int{},
		assigned: map[string]int{},
	}
}

func (f *fakeQualService) CreateQualification(_ context.Context, name, _ string) (string, error) {
	if _, ok := f.existing[name]; ok {
		return "", mkt.ErrDuplicateQualificationName
	}
	id := "qual-" + name
	f.existing[name] = id
	f.created = append(f.created, name)
	return id, nil
}

func (f *fakeQualService) QualificationByName(_ context.Context, name string) (string, error) {
	f.lookups++
	if f.lookups <= f.lookupAfter {
		return "", mkt.ErrQualificationNotFound
	}
	id, ok := f.existing[name]
	if !ok {
		return "", mkt.ErrQualificationNotFound
	}
	return id, nil
}

func (f *fakeQualService) AssignQualification(_ context.Context, qualID, workerID string, score int) error {
	f.assigned[qualID+"/"+workerID] = score
	return nil
}

func (f *fakeQualService) CurrentScore(_ context.Context, qualID, workerID string) (int, error) {
	return f.scores[qualID+"/"+workerID], nil
}

func fastReconciler(svc mkt.Service) *qualificationReconciler {
	q := newQualificationReconciler(svc)
	q.delay = time.Millisecond
	return q
}

func intPtr(n int) *int { return &n }

// A freshly created qualification must be confirmed queryable before it is
// assigned against; creation on the marketplace lags the name index.
func TestQualificationGrantCreatesAndAssigns(t *testing.T) {
	svc := newFakeQualService()
	err := fastReconciler(svc).Run(context.Background(), "w1", []QualificationSpec{
		{Name: "finished", Description: "Completed the study", Score: intPtr(2)},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(svc.created) != 1 || svc.created[0] != "finished" {
		t.Fatalf("expected one created qualification, got %v", svc.created)
	}
	if svc.lookups == 0 {
		t.Fatalf("created qualification must be confirmed queryable before assignment")
	}
	if got := svc.assigned["qual-finished/w1"]; got != 2 {
		t.Fatalf("expected score 2, got %d", got)
	}
}

// An already-existing name must never create a duplicate, resolves without
// polling, and the worker's score must still be set.
func TestQualificationGrantExistingNameStillScores(t *testing.T) {
	svc := newFakeQualService()
	svc.existing["finished"] = "qual-finished"
	svc.scores["qual-finished/w1"] = 3

	err := fastReconciler(svc).Run(context.Background(), "w1", []QualificationSpec{
		{Name: "finished"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(svc.created) != 0 {
		t.Fatalf("existing qualification must not be re-created, got %v", svc.created)
	}
	if svc.lookups != 1 {
		t.Fatalf("existing qualification resolves directly, got %d lookups", svc.lookups)
	}
	// No explicit score increments the current one.
	if got := svc.assigned["qual-finished/w1"]; got != 4 {
		t.Fatalf("expected incremented score 4, got %d", got)
	}
}

func TestQualificationCreatedPollsUntilQueryable(t *testing.T) {
	svc := newFakeQualService()
	svc.lookupAfter = 3 // name index catches up on the fourth lookup

	err := fastReconciler(svc).Run(context.Background(), "w1", []QualificationSpec{
		{Name: "finished", Score: intPtr(1)},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if svc.lookups != 4 {
		t.Fatalf("expected 4 lookups, got %d", svc.lookups)
	}
	if got := svc.assigned["qual-finished/w1"]; got != 1 {
		t.Fatalf("expected score 1, got %d", got)
	}
}

// A created qualification whose name never becomes queryable is dropped
// from the grant with a warning rather than assigned blind or failing the
// whole run.
func TestQualificationCreatedNeverQueryableIsSkipped(t *testing.T) {
	svc := newFakeQualService()
	svc.lookupAfter = 100 // never resolves within budget

	err := fastReconciler(svc).Run(context.Background(), "w1", []QualificationSpec{
		{Name: "slow", Score: intPtr(1)},
	})
	if err != nil {
		t.Fatalf("unavailable qualification must degrade, not fail: %v", err)
	}
	if len(svc.created) != 1 || svc.created[0] != "slow" {
		t.Fatalf("expected one created qualification, got %v", svc.created)
	}
	if svc.lookups != qualificationLookupAttempts {
		t.Fatalf("expected %d lookups, got %d", qualificationLookupAttempts, svc.lookups)
	}
	if len(svc.assigned) != 0 {
		t.Fatalf("no assignment expected, got %v", svc.assigned)
	}
}
