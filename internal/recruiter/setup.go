package recruiter

import (
	"context"
	"fmt"
	"log"

	"github.com/Dallinger/Dallinger-sub000/internal/counter"
	"github.com/Dallinger/Dallinger-sub000/internal/mkt"
)

// BuildRegistry assembles the recruiter registry for one deployment. The
// console variants are always available; marketplace variants register only
// when their platform is configured, and the composite registers only when
// a quota spec is declared.
func BuildRegistry(ctx context.Context, d Deps, tally counter.Counter) (*Registry, error) {
	reg := NewRegistry()
	reg.Register(NewCLIRecruiter(d.Config))
	reg.Register(NewHotAirRecruiter(d.Config))
	reg.Register(NewBotRecruiter(d.Config, d.Queue))

	if d.Config.AWSRegion != "" {
		svc, err := mkt.NewMTurkService(ctx, d.Config.AWSRegion, d.Config.Mode != "live")
		if err != nil {
			return nil, fmt.Errorf("init mturk service: %w", err)
		}
		reg.Register(NewMTurkRecruiter(d, svc))
		reg.Register(NewMTurkLargeRecruiter(d, svc, tally))
	} else {
		log.Printf("no AWS region configured; mturk recruiters unavailable")
	}

	if d.Config.ProlificAPIToken != "" {
		svc := mkt.NewProlificService(d.Config.ProlificAPIURL, d.Config.ProlificAPIToken)
		reg.Register(NewProlificRecruiter(d, svc))
	} else {
		log.Printf("no Prolific token configured; prolific recruiter unavailable")
	}

	if d.Config.RecruiterSpec != "" {
		multi, err := NewMultiRecruiter(d.Config.RecruiterSpec, reg, d.Ledger)
		if err != nil {
			return nil, err
		}
		reg.Register(multi)
	}
	return reg, nil
}
