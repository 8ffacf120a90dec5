package store

import (
	"context"

	"github.com/Dallinger/Dallinger-sub000/internal/models"
)

// TransitionParticipant applies fn to one participant under the serialized
// guard: the read, the mutation fn makes in place, and the write-back commit
// or roll back as a unit. fn returns false to skip the write (for example
// when the participant is already in the target terminal state); the second
// return value reports whether a write happened.
//
// fn may run several times on serialization conflicts, so it must be pure
// over the participant: no network calls, no queue writes.
func (s *Store) TransitionParticipant(ctx context.Context, id int64, fn func(p *models.Participant) (bool, error)) (models.Participant, bool, error) {
	var out models.Participant
	var wrote bool
	err := s.Serialized(ctx, func(ctx context.Context, tx *Store) error {
		wrote = false
		p, err := tx.ParticipantByID(ctx, id)
		if err != nil {
			return err
		}
		apply, err := fn(&p)
		if err != nil {
			return err
		}
		if apply {
			if err := tx.UpdateParticipant(ctx, p); err != nil {
				return err
			}
			wrote = true
		}
		out = p
		return nil
	})
	if err != nil {
		return models.Participant{}, false, err
	}
	return out, wrote, nil
}
