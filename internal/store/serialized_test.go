package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func conflictErr() error {
	return fmt.Errorf("guarded write: %w", &pgconn.PgError{Code: "40001"})
}

func TestRetrySerialized_ConflictThenCommit(t *testing.T) {
	attempts := 0
	err := retrySerialized(context.Background(), func() error {
		attempts++
		if attempts == 1 {
			return conflictErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after one conflict, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts (one rollback, one commit), got %d", attempts)
	}
}

func TestRetrySerialized_NonConflictNotRetried(t *testing.T) {
	boom := errors.New("constraint violation")
	attempts := 0
	err := retrySerialized(context.Background(), func() error {
		attempts++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("non-serialization errors must not retry, got %d attempts", attempts)
	}
}

func TestRetrySerialized_Exhaustion(t *testing.T) {
	attempts := 0
	err := retrySerialized(context.Background(), func() error {
		attempts++
		return conflictErr()
	})
	if !errors.Is(err, ErrSerializationExhausted) {
		t.Fatalf("expected ErrSerializationExhausted, got %v", err)
	}
	if attempts != maxSerializedAttempts {
		t.Fatalf("expected %d attempts, got %d", maxSerializedAttempts, attempts)
	}
}

func TestIsSerializationFailure(t *testing.T) {
	if !isSerializationFailure(&pgconn.PgError{Code: "40P01"}) {
		t.Fatalf("deadlock must count as a serialization failure")
	}
	if isSerializationFailure(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("unique violation must not be retried")
	}
	if isSerializationFailure(errors.New("plain")) {
		t.Fatalf("plain errors must not be retried")
	}
}
