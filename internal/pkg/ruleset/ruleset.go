package ruleset

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/annolab/anny/internal/pkg/persistence"
	"github.com/annolab/anny/internal/pkg/utils"
)

// Store provides read access to a job's units
type Store interface {
	ListUnits(ctx context.Context, jobID string) ([]persistence.Unit, error)
	LoadUnitByIndex(ctx context.Context, jobID string, index int) (*persistence.Unit, error)
}

// Ledger provides read access to submitted annotations
type Ledger interface {
	CoderAnnotations(ctx context.Context, jobID, coderID string) ([]persistence.Annotation, error)
	UnitAnnotationCounts(ctx context.Context, jobID string) (map[string]int, error)
}

// Progress is the completion report for one coder on one job
type Progress struct {
	NTotal     int       `json:"n_total"`
	NCoded     int       `json:"n_coded"`
	NGoldCoded int       `json:"n_gold_coded"`
	Last       time.Time `json:"last,omitempty"`
}

// Touched tells if the coder submitted anything for the job
func (p *Progress) Touched() bool {
	return !p.Last.IsZero()
}

// Ruleset decides which unit a coder gets next
type Ruleset interface {
	NextUnit(ctx context.Context, coderID string) (*persistence.Unit, error)
	SeekUnit(ctx context.Context, coderID string, index int) (*persistence.Unit, error)
	Progress(ctx context.Context, coderID string) (*Progress, error)
}

// Ruleset kind names, with the aliases older jobs were loaded with
const (
	KindFixedSet     = "fixedset"
	KindCrowdCoding  = "crowdcoding"
	aliasFixedSet    = "expert"
	aliasCrowdCoding = "crowd"
)

// Options are the ruleset settings stored with the job
type Options struct {
	Ruleset        string `json:"ruleset"`
	UnitsPerCoder  int    `json:"units_per_coder,omitempty"`
	GoldCheckEvery int    `json:"gold_check_every,omitempty"`
}

// ParseOptions decodes and validates the rules blob of a job
func ParseOptions(raw json.RawMessage) (*Options, error) {
	if len(raw) == 0 {
		return nil, utils.NewErrValidation("no rules")
	}
	var res Options
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, utils.NewErrValidation(fmt.Sprintf("wrong rules: %v", err))
	}
	switch res.Ruleset {
	case KindFixedSet, aliasFixedSet:
		res.Ruleset = KindFixedSet
	case KindCrowdCoding, aliasCrowdCoding:
		res.Ruleset = KindCrowdCoding
	case "":
		return nil, utils.NewErrValidation("no rules.ruleset")
	default:
		return nil, utils.NewErrValidation(fmt.Sprintf("unknown ruleset '%s'", res.Ruleset))
	}
	if res.UnitsPerCoder < 0 {
		return nil, utils.NewErrValidation("negative units_per_coder")
	}
	if res.GoldCheckEvery < 0 {
		return nil, utils.NewErrValidation("negative gold_check_every")
	}
	return &res, nil
}

// From selects the ruleset implementation for a loaded job
func From(job *persistence.CodingJob, store Store, ledger Ledger) (Ruleset, error) {
	opts, err := ParseOptions(job.Rules)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	b := base{job: job, opts: opts, store: store, ledger: ledger}
	switch opts.Ruleset {
	case KindFixedSet:
		return &FixedSet{base: b}, nil
	case KindCrowdCoding:
		return &CrowdCoding{base: b}, nil
	}
	return nil, fmt.Errorf("job %s: unknown ruleset '%s'", job.ID, opts.Ruleset)
}

type base struct {
	job    *persistence.CodingJob
	opts   *Options
	store  Store
	ledger Ledger
}

// coderState is one consistent snapshot of a coder's position in a job
type coderState struct {
	units      []persistence.Unit
	seen       map[string]bool
	inProgress *persistence.Unit
	nCoded     int
	nGoldCoded int
	last       time.Time
}

func (b *base) state(ctx context.Context, coderID string) (*coderState, error) {
	units, err := b.store.ListUnits(ctx, b.job.ID)
	if err != nil {
		return nil, fmt.Errorf("can't list units: %w", err)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].Position < units[j].Position })
	anns, err := b.ledger.CoderAnnotations(ctx, b.job.ID, coderID)
	if err != nil {
		return nil, fmt.Errorf("can't load annotations: %w", err)
	}
	res := &coderState{units: units, seen: make(map[string]bool, len(anns))}
	byID := make(map[string]*persistence.Unit, len(units))
	for i := range units {
		byID[units[i].ID] = &units[i]
	}
	inProgressID := ""
	for _, a := range anns {
		res.seen[a.UnitID] = true
		if a.Modified.After(res.last) {
			res.last = a.Modified
		}
		u := byID[a.UnitID]
		if a.Status == persistence.StatusInProgress {
			if u != nil && (res.inProgress == nil || u.Position < byID[inProgressID].Position) {
				res.inProgress = u
				inProgressID = u.ID
			}
			continue
		}
		res.nCoded++
		if u != nil && u.HasGold() {
			res.nGoldCoded++
		}
	}
	return res, nil
}

// SeekUnit ignores distribution policy, it is an explicit
// navigation override by ordinal index
func (b *base) SeekUnit(ctx context.Context, coderID string, index int) (*persistence.Unit, error) {
	u, err := b.store.LoadUnitByIndex(ctx, b.job.ID, index)
	if err != nil {
		return nil, fmt.Errorf("can't load unit %s[%d]: %w", b.job.ID, index, err)
	}
	return u, nil
}
