package ruleset

import (
	"context"
	"fmt"

	"github.com/annolab/anny/internal/pkg/persistence"
)

// CrowdCoding spreads units over many coders: per coder quota,
// balanced per unit coverage for inter-rater agreement, and
// periodic gold checks against units with a known answer.
type CrowdCoding struct {
	base
}

// NextUnit picks the unit for the coder's next draw.
//
// The draw is a gold check every opts.GoldCheckEvery-th time. Otherwise
// the least annotated unseen regular unit wins, ties broken by lowest
// position so concurrent coders converge instead of clustering.
// Returns nil when the quota is reached or nothing eligible remains.
func (r *CrowdCoding) NextUnit(ctx context.Context, coderID string) (*persistence.Unit, error) {
	st, err := r.state(ctx, coderID)
	if err != nil {
		return nil, err
	}
	if st.nCoded >= r.cap(st) {
		return nil, nil
	}
	if st.inProgress != nil {
		return st.inProgress, nil
	}
	counts, err := r.ledger.UnitAnnotationCounts(ctx, r.job.ID)
	if err != nil {
		return nil, fmt.Errorf("can't load annotation counts: %w", err)
	}
	draw := st.nCoded + 1
	if r.opts.GoldCheckEvery > 0 && draw%r.opts.GoldCheckEvery == 0 {
		if u := leastAnnotated(st, counts, true); u != nil {
			return u, nil
		}
	}
	if u := leastAnnotated(st, counts, false); u != nil {
		return u, nil
	}
	// regular units exhausted, let gold units fill the quota
	return leastAnnotated(st, counts, true), nil
}

// Progress reports coded counts against the coder's quota
func (r *CrowdCoding) Progress(ctx context.Context, coderID string) (*Progress, error) {
	st, err := r.state(ctx, coderID)
	if err != nil {
		return nil, err
	}
	return &Progress{NTotal: r.cap(st), NCoded: st.nCoded, NGoldCoded: st.nGoldCoded, Last: st.last}, nil
}

func (r *CrowdCoding) cap(st *coderState) int {
	if r.opts.UnitsPerCoder > 0 && r.opts.UnitsPerCoder < len(st.units) {
		return r.opts.UnitsPerCoder
	}
	return len(st.units)
}

func leastAnnotated(st *coderState, counts map[string]int, gold bool) *persistence.Unit {
	var res *persistence.Unit
	best := 0
	for i := range st.units {
		u := &st.units[i]
		if st.seen[u.ID] || u.HasGold() != gold {
			continue
		}
		if res == nil || counts[u.ID] < best {
			res = u
			best = counts[u.ID]
		}
	}
	return res
}
