package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrSerializationExhausted is returned when a serialized unit of work still
// conflicts after every allowed attempt. Callers must treat it as fatal:
// silently dropping the write would lose participant state.
var ErrSerializationExhausted = errors.New("store: serialized transaction retries exhausted")

const maxSerializedAttempts = 100

// Serialized runs fn inside a SERIALIZABLE transaction, retrying the whole
// unit of work on serialization conflicts with a small random backoff.
//
// fn receives a Store bound to the transaction; every read and write it
// performs through that Store happens at SERIALIZABLE isolation and either
// commits as a whole or rolls back as a whole. fn must not perform
// non-transactional side effects (network calls, queue writes): they would
// survive a rolled-back attempt and run again on retry.
func (s *Store) Serialized(ctx context.Context, fn func(ctx context.Context, tx *Store) error) error {
	return retrySerialized(ctx, func() error {
		return s.runSerializedOnce(ctx, fn)
	})
}

// retrySerialized re-runs attempt on serialization conflicts with a small
// random backoff, up to the attempt budget.
func retrySerialized(ctx context.Context, attempt func() error) error {
	for i := 0; i < maxSerializedAttempts; i++ {
		err := attempt()
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.Intn(20)+1) * time.Millisecond):
		}
	}
	return ErrSerializationExhausted
}

func (s *Store) runSerializedOnce(ctx context.Context, fn func(ctx context.Context, tx *Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin serialized tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(ctx, &Store{pool: s.pool, db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// isSerializationFailure recognizes Postgres write conflicts: 40001
// (serialization_failure) and 40P01 (deadlock_detected).
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
