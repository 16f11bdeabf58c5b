package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/annolab/anny/internal/pkg/persistence"
	"github.com/annolab/anny/internal/pkg/ruleset"
	"github.com/annolab/anny/internal/pkg/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DB provides all persistence the coordinator needs
type DB interface {
	ruleset.Store
	ruleset.Ledger

	LoadJob(ctx context.Context, id string) (*persistence.CodingJob, error)
	InsertJob(ctx context.Context, job *persistence.CodingJob, units []persistence.Unit) error
	ListJobsForCoder(ctx context.Context, user *persistence.User) ([]persistence.JobWithCreator, error)
	LoadJobUser(ctx context.Context, jobID, userID string) (*persistence.JobUser, error)
	SetJobCoders(ctx context.Context, jobID string, emails []string) error
	LoadUnit(ctx context.Context, jobID, unitID string) (*persistence.Unit, error)
	LoadAnnotation(ctx context.Context, unitID, coderID string) (*persistence.Annotation, error)
	UpsertAnnotation(ctx context.Context, ann *persistence.Annotation) error
	JobAnnotations(ctx context.Context, jobID string) ([]persistence.JobAnnotation, error)
	LockJobCoder(ctx context.Context, jobID, coderID string) (func(), error)
}

// Coordinator is the single point all unit selection and annotation
// writes flow through. It owns the per (job, coder) serialization
type Coordinator struct {
	db    DB
	locks sync.Map
}

// NewCoordinator creates Coordinator instance
func NewCoordinator(db DB) (*Coordinator, error) {
	if db == nil {
		return nil, errors.New("no DB")
	}
	return &Coordinator{db: db}, nil
}

// NewUnit is one unit of a job creation request
type NewUnit struct {
	Payload json.RawMessage `json:"unit"`
	Gold    json.RawMessage `json:"gold,omitempty"`
}

// NewJob is a job creation request
type NewJob struct {
	Title      string          `json:"title"`
	Codebook   json.RawMessage `json:"codebook"`
	Rules      json.RawMessage `json:"rules"`
	Provenance json.RawMessage `json:"provenance,omitempty"`
	Units      []NewUnit       `json:"units"`
	Restricted bool            `json:"restricted,omitempty"`
	Coders     []string        `json:"coders,omitempty"`
}

// ServedUnit is a selected unit with the coder's prior annotation, if any
type ServedUnit struct {
	Unit       *persistence.Unit
	Annotation *persistence.Annotation
}

// CreateJob validates and stores a new job with its immutable unit batch
func (c *Coordinator) CreateJob(ctx context.Context, creator *persistence.User, in *NewJob) (string, error) {
	if !creator.Admin {
		return "", fmt.Errorf("user %s: %w", creator.Email, utils.ErrNoAccess)
	}
	if err := validateNewJob(in); err != nil {
		return "", err
	}
	job := &persistence.CodingJob{ID: uuid.NewString(), Title: in.Title, Codebook: in.Codebook,
		Rules: in.Rules, Provenance: in.Provenance, Restricted: in.Restricted,
		CreatorID: creator.ID, Created: time.Now()}
	units := make([]persistence.Unit, 0, len(in.Units))
	for i, u := range in.Units {
		units = append(units, persistence.Unit{ID: uuid.NewString(), JobID: job.ID,
			Position: i, Payload: u.Payload, Gold: u.Gold})
	}
	if err := c.db.InsertJob(ctx, job, units); err != nil {
		return "", fmt.Errorf("can't save job: %w", err)
	}
	if len(in.Coders) > 0 {
		if err := c.db.SetJobCoders(ctx, job.ID, in.Coders); err != nil {
			return "", fmt.Errorf("can't set coders: %w", err)
		}
	}
	return job.ID, nil
}

func validateNewJob(in *NewJob) error {
	if in.Title == "" {
		return utils.NewErrValidation("no title")
	}
	if len(in.Codebook) == 0 {
		return utils.NewErrValidation("no codebook")
	}
	if len(in.Units) == 0 {
		return utils.NewErrValidation("no units")
	}
	for i, u := range in.Units {
		if len(u.Payload) == 0 {
			return utils.NewErrValidation(fmt.Sprintf("no unit content at %d", i))
		}
	}
	if _, err := ruleset.ParseOptions(in.Rules); err != nil {
		return err
	}
	return nil
}

// Job loads the job after the access check
func (c *Coordinator) Job(ctx context.Context, jobID string, coder *persistence.User) (*persistence.CodingJob, error) {
	return c.authorized(ctx, jobID, coder)
}

// NextUnit picks the coder's next unit under the job's ruleset.
// Nil result means the assignment is exhausted - a normal completion signal
func (c *Coordinator) NextUnit(ctx context.Context, jobID string, coder *persistence.User) (*ServedUnit, error) {
	job, err := c.authorized(ctx, jobID, coder)
	if err != nil {
		return nil, err
	}
	rs, err := ruleset.From(job, c.db, c.db)
	if err != nil {
		return nil, err
	}
	unlock, err := c.lock(ctx, jobID, coder.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	u, err := rs.NextUnit(ctx, coder.ID)
	if err != nil || u == nil {
		return nil, err
	}
	return c.served(ctx, u, coder)
}

// SeekUnit returns the unit at the ordinal index, whatever the distribution policy says
func (c *Coordinator) SeekUnit(ctx context.Context, jobID string, coder *persistence.User, index int) (*ServedUnit, error) {
	job, err := c.authorized(ctx, jobID, coder)
	if err != nil {
		return nil, err
	}
	rs, err := ruleset.From(job, c.db, c.db)
	if err != nil {
		return nil, err
	}
	u, err := rs.SeekUnit(ctx, coder.ID, index)
	if err != nil {
		return nil, err
	}
	return c.served(ctx, u, coder)
}

// Submit writes the coder's annotation for the unit, replacing a previous one
func (c *Coordinator) Submit(ctx context.Context, jobID, unitID string, coder *persistence.User,
	payload json.RawMessage, status string) error {
	if len(payload) == 0 {
		return utils.NewErrValidation("no annotation")
	}
	switch status {
	case "":
		status = persistence.StatusDone
	case persistence.StatusDone, persistence.StatusInProgress:
	default:
		return utils.NewErrValidation(fmt.Sprintf("unknown status '%s'", status))
	}
	if _, err := c.authorized(ctx, jobID, coder); err != nil {
		return err
	}
	u, err := c.db.LoadUnit(ctx, jobID, unitID)
	if err != nil {
		return err
	}
	unlock, err := c.lock(ctx, jobID, coder.ID)
	if err != nil {
		return err
	}
	defer unlock()
	return c.db.UpsertAnnotation(ctx, &persistence.Annotation{UnitID: u.ID, CoderID: coder.ID,
		JobID: jobID, Payload: payload, Status: status})
}

// Progress builds the coder's completion report for the job
func (c *Coordinator) Progress(ctx context.Context, jobID string, coder *persistence.User) (*ruleset.Progress, error) {
	job, err := c.authorized(ctx, jobID, coder)
	if err != nil {
		return nil, err
	}
	rs, err := ruleset.From(job, c.db, c.db)
	if err != nil {
		return nil, err
	}
	return rs.Progress(ctx, coder.ID)
}

// ListJobs returns the coder's visible jobs with progress, most recently
// touched first, jobs never touched after those, newest created first
func (c *Coordinator) ListJobs(ctx context.Context, coder *persistence.User) ([]persistence.JobSummary, error) {
	jobs, err := c.db.ListJobsForCoder(ctx, coder)
	if err != nil {
		return nil, err
	}
	res := make([]persistence.JobSummary, 0, len(jobs))
	for i := range jobs {
		rs, err := ruleset.From(&jobs[i].CodingJob, c.db, c.db)
		if err != nil {
			return nil, err
		}
		p, err := rs.Progress(ctx, coder.ID)
		if err != nil {
			return nil, err
		}
		res = append(res, persistence.JobSummary{ID: jobs[i].ID, Title: jobs[i].Title,
			Creator: jobs[i].CreatorEmail, Created: jobs[i].Created,
			NTotal: p.NTotal, NCoded: p.NCoded, Modified: p.Last})
	}
	sort.SliceStable(res, func(i, j int) bool {
		ti, tj := !res[i].Modified.IsZero(), !res[j].Modified.IsZero()
		if ti != tj {
			return ti
		}
		if ti {
			return res[i].Modified.After(res[j].Modified)
		}
		return res[i].Created.After(res[j].Created)
	})
	return res, nil
}

// SetJobCoders replaces the set of coders allowed on a restricted job
func (c *Coordinator) SetJobCoders(ctx context.Context, jobID string, admin *persistence.User, emails []string) error {
	if !admin.Admin {
		return fmt.Errorf("user %s: %w", admin.Email, utils.ErrNoAccess)
	}
	if _, err := c.db.LoadJob(ctx, jobID); err != nil {
		return err
	}
	return c.db.SetJobCoders(ctx, jobID, emails)
}

// JobAnnotations loads every annotation of the job, admin only
func (c *Coordinator) JobAnnotations(ctx context.Context, jobID string, admin *persistence.User) ([]persistence.JobAnnotation, error) {
	if !admin.Admin {
		return nil, fmt.Errorf("user %s: %w", admin.Email, utils.ErrNoAccess)
	}
	if _, err := c.db.LoadJob(ctx, jobID); err != nil {
		return nil, err
	}
	return c.db.JobAnnotations(ctx, jobID)
}

func (c *Coordinator) served(ctx context.Context, u *persistence.Unit, coder *persistence.User) (*ServedUnit, error) {
	ann, err := c.db.LoadAnnotation(ctx, u.ID, coder.ID)
	if err != nil {
		return nil, err
	}
	return &ServedUnit{Unit: u, Annotation: ann}, nil
}

func (c *Coordinator) authorized(ctx context.Context, jobID string, coder *persistence.User) (*persistence.CodingJob, error) {
	job, err := c.db.LoadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	restricted := utils.FromSQLStr(coder.RestrictedJob)
	if restricted != "" && restricted != jobID {
		return nil, fmt.Errorf("coder %s is restricted to another job: %w", coder.Email, utils.ErrNoAccess)
	}
	if job.Restricted && !coder.Admin && restricted != jobID {
		ju, err := c.db.LoadJobUser(ctx, jobID, coder.ID)
		if err != nil {
			return nil, err
		}
		if ju == nil || !ju.CanCode {
			return nil, fmt.Errorf("coder %s on job %s: %w", coder.Email, jobID, utils.ErrNoAccess)
		}
	}
	return job, nil
}

// lock serializes selection per (job, coder): the in-process mutex guards
// this instance, the db advisory lock covers other instances
func (c *Coordinator) lock(ctx context.Context, jobID, coderID string) (func(), error) {
	v, _ := c.locks.LoadOrStore(jobID+"/"+coderID, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	unlockDB, err := c.db.LockJobCoder(ctx, jobID, coderID)
	if err != nil {
		m.Unlock()
		return nil, err
	}
	return func() {
		unlockDB()
		m.Unlock()
	}, nil
}
