package mocks

import (
	"context"

	"github.com/airenas/async-api/pkg/messages"
	"github.com/annolab/anny/internal/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// DB is postgres DB mock
type DB struct{ mock.Mock }

func (m *DB) LoadJob(ctx context.Context, id string) (*persistence.CodingJob, error) {
	args := m.Called(ctx, id)
	return to[*persistence.CodingJob](args.Get(0)), args.Error(1)
}

func (m *DB) InsertJob(ctx context.Context, job *persistence.CodingJob, units []persistence.Unit) error {
	args := m.Called(ctx, job, units)
	return args.Error(0)
}

func (m *DB) ListJobsForCoder(ctx context.Context, user *persistence.User) ([]persistence.JobWithCreator, error) {
	args := m.Called(ctx, user)
	return to[[]persistence.JobWithCreator](args.Get(0)), args.Error(1)
}

func (m *DB) LoadJobUser(ctx context.Context, jobID, userID string) (*persistence.JobUser, error) {
	args := m.Called(ctx, jobID, userID)
	return to[*persistence.JobUser](args.Get(0)), args.Error(1)
}

func (m *DB) SetJobCoders(ctx context.Context, jobID string, emails []string) error {
	args := m.Called(ctx, jobID, emails)
	return args.Error(0)
}

func (m *DB) ListUnits(ctx context.Context, jobID string) ([]persistence.Unit, error) {
	args := m.Called(ctx, jobID)
	return to[[]persistence.Unit](args.Get(0)), args.Error(1)
}

func (m *DB) LoadUnit(ctx context.Context, jobID, unitID string) (*persistence.Unit, error) {
	args := m.Called(ctx, jobID, unitID)
	return to[*persistence.Unit](args.Get(0)), args.Error(1)
}

func (m *DB) LoadUnitByIndex(ctx context.Context, jobID string, index int) (*persistence.Unit, error) {
	args := m.Called(ctx, jobID, index)
	return to[*persistence.Unit](args.Get(0)), args.Error(1)
}

func (m *DB) LoadAnnotation(ctx context.Context, unitID, coderID string) (*persistence.Annotation, error) {
	args := m.Called(ctx, unitID, coderID)
	return to[*persistence.Annotation](args.Get(0)), args.Error(1)
}

func (m *DB) UpsertAnnotation(ctx context.Context, ann *persistence.Annotation) error {
	args := m.Called(ctx, ann)
	return args.Error(0)
}

func (m *DB) CoderAnnotations(ctx context.Context, jobID, coderID string) ([]persistence.Annotation, error) {
	args := m.Called(ctx, jobID, coderID)
	return to[[]persistence.Annotation](args.Get(0)), args.Error(1)
}

func (m *DB) UnitAnnotationCounts(ctx context.Context, jobID string) (map[string]int, error) {
	args := m.Called(ctx, jobID)
	return to[map[string]int](args.Get(0)), args.Error(1)
}

func (m *DB) JobAnnotations(ctx context.Context, jobID string) ([]persistence.JobAnnotation, error) {
	args := m.Called(ctx, jobID)
	return to[[]persistence.JobAnnotation](args.Get(0)), args.Error(1)
}

func (m *DB) LoadUser(ctx context.Context, email string) (*persistence.User, error) {
	args := m.Called(ctx, email)
	return to[*persistence.User](args.Get(0)), args.Error(1)
}

func (m *DB) InsertUser(ctx context.Context, user *persistence.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *DB) ListUsers(ctx context.Context) ([]persistence.User, error) {
	args := m.Called(ctx)
	return to[[]persistence.User](args.Get(0)), args.Error(1)
}

func (m *DB) LockJobCoder(ctx context.Context, jobID, coderID string) (func(), error) {
	args := m.Called(ctx, jobID, coderID)
	return to[func()](args.Get(0)), args.Error(1)
}

// Sender is postgres queue mock
type Sender struct{ mock.Mock }

func (m *Sender) SendMessage(ctx context.Context, msg messages.Message, queue string) error {
	args := m.Called(ctx, msg, queue)
	return args.Error(0)
}

func to[T interface{}](val interface{}) T {
	if val == nil {
		var res T
		return res
	}
	return val.(T)
}
