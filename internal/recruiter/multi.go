package recruiter

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"time"

	"github.com/Dallinger/Dallinger-sub000/internal/models"
	"github.com/Dallinger/Dallinger-sub000/internal/telemetry"
)

// quotaSpecRE matches one "name: count" pair in the quota declaration, e.g.
// "cli: 2, bot: 1".
var quotaSpecRE = regexp.MustCompile(`(\w+):\s*(\d+)`)

type quota struct {
	name   string
	target int
}

func parseQuotaSpec(spec string) ([]quota, error) {
	matches := quotaSpecRE.FindAllStringSubmatch(spec, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("recruiter: no quotas found in spec %q", spec)
	}
	quotas := make([]quota, 0, len(matches))
	for _, m := range matches {
		target, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, fmt.Errorf("recruiter: bad quota count %q: %w", m[2], err)
		}
		quotas = append(quotas, quota{name: m[1], target: target})
	}
	return quotas, nil
}

// MultiRecruiter fans recruitment out across several named recruiters under
// a declared quota. Allocation decisions are appended to the recruitment
// ledger before the sub-recruiter is invoked, so quota accounting survives
// sub-recruiter failures and concurrent allocators.
type MultiRecruiter struct {
	registry *Registry
	ledger   Ledger
	quotas   []quota
}

func NewMultiRecruiter(spec string, registry *Registry, ledger Ledger) (*MultiRecruiter, error) {
	quotas, err := parseQuotaSpec(spec)
	if err != nil {
		return nil, err
	}
	return &MultiRecruiter{registry: registry, ledger: ledger, quotas: quotas}, nil
}

func (m *MultiRecruiter) Nickname() string { return "multi" }

// allocate places n recruitment units and calls fn once per placement with
// the chosen recruiter and its unit count.
//
// Each round re-reads the ledger and walks the quota list in order. An
// over-quota entry donates one quota's worth of its surplus as credit to
// later entries with the same name within the same round; the surplus is
// never persisted. When a full round finds no capacity the allocation stops
// short of n. That is deliberate degraded behavior, reported via log and
// metric rather than an error.
func (m *MultiRecruiter) allocate(ctx context.Context, n int, fn func(r Recruiter, count int) error) error {
	telemetry.RecruitsRequested.Add(float64(n))
	placed := 0
	for placed < n {
		counts, err := m.ledger.RecruitmentCounts(ctx)
		if err != nil {
			return fmt.Errorf("read recruitment ledger: %w", err)
		}

		var chosen string
		remaining := 0
		for _, q := range m.quotas {
			count := counts[q.name]
			if count >= q.target {
				counts[q.name] = count - q.target
				continue
			}
			chosen = q.name
			remaining = q.target - count
			break
		}
		if chosen == "" {
			telemetry.AllocatorShortfall.Add(float64(n - placed))
			log.Printf("recruitment quotas exhausted: %d of %d units allocated", placed, n)
			return nil
		}

		rec, err := m.registry.ByName(chosen)
		if err != nil {
			return fmt.Errorf("resolve quota recruiter: %w", err)
		}
		num := n - placed
		if remaining < num {
			num = remaining
		}
		if err := m.ledger.AddRecruitments(ctx, chosen, num); err != nil {
			return fmt.Errorf("record recruitments for %s: %w", chosen, err)
		}
		placed += num
		telemetry.RecruitsGranted.Add(float64(num))
		if err := fn(rec, num); err != nil {
			return err
		}
	}
	return nil
}

// OpenRecruitment opens each sub-recruiter on first touch and extends it on
// any later placement within the same call.
func (m *MultiRecruiter) OpenRecruitment(ctx context.Context, n int) (Result, error) {
	log.Printf("Multi recruitment: opening for %d participants", n)
	opened := map[string]bool{}
	var out Result
	err := m.allocate(ctx, n, func(r Recruiter, count int) error {
		if opened[r.Nickname()] {
			_, err := r.Recruit(ctx, count)
			return err
		}
		opened[r.Nickname()] = true
		res, err := r.OpenRecruitment(ctx, count)
		if err != nil {
			return fmt.Errorf("open %s recruitment: %w", r.Nickname(), err)
		}
		out.Items = append(out.Items, res.Items...)
		if res.Message != "" {
			if out.Message != "" {
				out.Message += "\n"
			}
			out.Message += res.Message
		}
		return nil
	})
	return out, err
}

func (m *MultiRecruiter) Recruit(ctx context.Context, n int) ([]string, error) {
	log.Printf("Multi recruitment: recruiting %d participants", n)
	var items []string
	err := m.allocate(ctx, n, func(r Recruiter, count int) error {
		urls, err := r.Recruit(ctx, count)
		if err != nil {
			return fmt.Errorf("recruit via %s: %w", r.Nickname(), err)
		}
		items = append(items, urls...)
		return nil
	})
	return items, err
}

// CloseRecruitment fans out to every distinct recruiter named in the quota
// spec.
func (m *MultiRecruiter) CloseRecruitment(ctx context.Context) error {
	seen := map[string]bool{}
	for _, q := range m.quotas {
		if seen[q.name] {
			continue
		}
		seen[q.name] = true
		rec, err := m.registry.ByName(q.name)
		if err != nil {
			return fmt.Errorf("resolve quota recruiter: %w", err)
		}
		if err := rec.CloseRecruitment(ctx); err != nil {
			return fmt.Errorf("close %s recruitment: %w", q.name, err)
		}
	}
	return nil
}

// Participants are stamped with the concrete recruiter that sourced them, so
// per-participant operations never land on the composite. The stubs below
// log loudly if that assumption is ever violated.

func (m *MultiRecruiter) ApproveHIT(_ context.Context, assignmentID string) error {
	log.Printf("multi recruiter asked to approve assignment %s; participants should resolve their own recruiter", assignmentID)
	return nil
}

func (m *MultiRecruiter) RewardBonus(_ context.Context, p models.Participant, amount float64, _ string) error {
	log.Printf("multi recruiter asked to pay %.2f for participant %d; participants should resolve their own recruiter", amount, p.ID)
	return nil
}

func (m *MultiRecruiter) AssignExperimentQualifications(_ context.Context, workerID string, _ []QualificationSpec) error {
	log.Printf("multi recruiter asked to qualify worker %s; participants should resolve their own recruiter", workerID)
	return nil
}

func (m *MultiRecruiter) NormalizeEntryInformation(raw map[string]any) EntryInfo {
	return normalizeDefault(raw)
}

func (m *MultiRecruiter) NotifyDurationExceeded(ctx context.Context, participants []models.Participant, now time.Time) error {
	log.Printf("multi recruiter asked to sweep %d participants; sweeps should group by source recruiter", len(participants))
	return nil
}

func (m *MultiRecruiter) OnCompletionEvent() string { return "" }
