package worker

import (
	"context"
	"log"
	"time"

	"github.com/Dallinger/Dallinger-sub000/internal/config"
	"github.com/Dallinger/Dallinger-sub000/internal/models"
	"github.com/Dallinger/Dallinger-sub000/internal/recruiter"
)

// SweepLedger lists participants still working past a cutoff.
type SweepLedger interface {
	WorkingParticipants(ctx context.Context, cutoff time.Time) ([]models.Participant, error)
}

// Sweeper periodically finds participants who have been working longer than
// the allowed experiment duration and hands them to their source recruiter
// for reconciliation.
type Sweeper struct {
	cfg        config.Config
	ledger     SweepLedger
	recruiters *recruiter.Registry
}

func NewSweeper(cfg config.Config, ledger SweepLedger, reg *recruiter.Registry) *Sweeper {
	return &Sweeper{cfg: cfg, ledger: ledger, recruiters: reg}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.cfg.SweepInterval
	if interval == 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx, time.Now().UTC()); err != nil {
				log.Printf("duration sweep: %v", err)
			}
		}
	}
}

// SweepOnce runs a single sweep pass, grouping overdue participants by the
// recruiter that sourced them.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.cfg.Duration)
	overdue, err := s.ledger.WorkingParticipants(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(overdue) == 0 {
		return nil
	}

	byRecruiter := map[string][]models.Participant{}
	for _, p := range overdue {
		byRecruiter[p.RecruiterID] = append(byRecruiter[p.RecruiterID], p)
	}
	for name, group := range byRecruiter {
		rec, err := s.recruiters.ByName(name)
		if err != nil {
			log.Printf("sweep: %d overdue participants belong to unknown recruiter %q", len(group), name)
			continue
		}
		log.Printf("sweep: %d participants exceeded the allowed duration on %s", len(group), name)
		if err := rec.NotifyDurationExceeded(ctx, group, now); err != nil {
			log.Printf("sweep via %s: %v", name, err)
		}
	}
	return nil
}
