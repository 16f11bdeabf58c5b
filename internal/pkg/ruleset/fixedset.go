package ruleset

import (
	"context"

	"github.com/annolab/anny/internal/pkg/persistence"
)

// FixedSet serves every unit of the job to every coder,
// deterministically in position order. Meant for trusted
// expert raters where exhaustive coverage matters.
type FixedSet struct {
	base
}

// NextUnit returns the lowest position unit the coder has not coded yet,
// nil when the coder is done with the job
func (r *FixedSet) NextUnit(ctx context.Context, coderID string) (*persistence.Unit, error) {
	st, err := r.state(ctx, coderID)
	if err != nil {
		return nil, err
	}
	if st.inProgress != nil {
		return st.inProgress, nil
	}
	for i := range st.units {
		if !st.seen[st.units[i].ID] {
			return &st.units[i], nil
		}
	}
	return nil, nil
}

// Progress reports coded counts against the full unit set
func (r *FixedSet) Progress(ctx context.Context, coderID string) (*Progress, error) {
	st, err := r.state(ctx, coderID)
	if err != nil {
		return nil, err
	}
	return &Progress{NTotal: len(st.units), NCoded: st.nCoded, NGoldCoded: st.nGoldCoded, Last: st.last}, nil
}
