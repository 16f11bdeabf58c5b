package annotatorservice

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/annolab/anny/internal/pkg/coordinator"
	"github.com/annolab/anny/internal/pkg/persistence"
	"github.com/annolab/anny/internal/pkg/ruleset"
	"github.com/annolab/anny/internal/pkg/test"
	"github.com/annolab/anny/internal/pkg/test/mocks"
	"github.com/annolab/anny/internal/pkg/utils"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	coordMock     *mockCoordinator
	usersMock     *mockUsers
	senderMock    *mocks.Sender
	wsHandlerMock *mockWSConnHandler
	tData         *Data
	tEcho         *echo.Echo
)

func initTest(t *testing.T) {
	t.Helper()
	coordMock = &mockCoordinator{}
	usersMock = &mockUsers{}
	senderMock = &mocks.Sender{}
	wsHandlerMock = &mockWSConnHandler{}
	tData = &Data{Coordinator: coordMock, Users: usersMock, MsgSender: senderMock, WSHandler: wsHandlerMock}
	tEcho = initRoutes(tData)
	usersMock.On("LoadUser", mock.Anything, "coder@anno.org").Return(
		&persistence.User{ID: "c1", Email: "coder@anno.org"}, nil)
	usersMock.On("LoadUser", mock.Anything, "admin@anno.org").Return(
		&persistence.User{ID: "a1", Email: "admin@anno.org", Admin: true}, nil)
	senderMock.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil)
}

func newReq(t *testing.T, method, target, coder string, body interface{}) *http.Request {
	t.Helper()
	var req *http.Request
	if body != nil {
		bs, err := json.Marshal(body)
		require.Nil(t, err)
		req = httptest.NewRequest(method, target, strings.NewReader(string(bs)))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if coder != "" {
		req.Header.Set(coderHeader, coder)
	}
	return req
}

func TestWrongPath(t *testing.T) {
	initTest(t)
	test.Code(t, tEcho, newReq(t, http.MethodGet, "/invalid", "coder@anno.org", nil), 404)
}

func TestWrongMethod(t *testing.T) {
	initTest(t)
	test.Code(t, tEcho, newReq(t, http.MethodPost, "/codingjobs", "coder@anno.org", nil), 405)
}

func Test_NoCoderHeader(t *testing.T) {
	initTest(t)
	test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjobs", "", nil), http.StatusUnauthorized)
}

func Test_ProvisionsCoder(t *testing.T) {
	initTest(t)
	usersMock.ExpectedCalls = nil
	usersMock.On("LoadUser", mock.Anything, "new@anno.org").Return(nil, nil)
	usersMock.On("InsertUser", mock.Anything, mock.Anything).Return(nil)
	coordMock.On("ListJobs", mock.Anything, mock.Anything).Return([]persistence.JobSummary{}, nil)
	test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjobs", "new@anno.org", nil), http.StatusOK)
	usersMock.AssertCalled(t, "InsertUser", mock.Anything, mock.Anything)
	u := usersMock.Calls[len(usersMock.Calls)-1].Arguments.Get(1).(*persistence.User)
	assert.Equal(t, "new@anno.org", u.Email)
	assert.False(t, u.Admin)
}

func Test_CreateJob(t *testing.T) {
	initTest(t)
	coordMock.On("CreateJob", mock.Anything, mock.Anything, mock.Anything).Return("id-1", nil)
	resp := test.Code(t, tEcho, newReq(t, http.MethodPost, "/codingjob", "admin@anno.org",
		map[string]interface{}{"title": "olia", "codebook": map[string]string{},
			"rules": map[string]string{"ruleset": "fixedset"}}), http.StatusCreated)
	res := test.Decode[createResult](t, resp.Result())
	assert.Equal(t, "id-1", res.ID)
	in := coordMock.Calls[0].Arguments.Get(2).(*coordinator.NewJob)
	assert.Equal(t, "olia", in.Title)
}

func Test_CreateJob_MapsErrors(t *testing.T) {
	initTest(t)
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "validation", err: utils.NewErrValidation("no title"), code: http.StatusBadRequest},
		{name: "no access", err: fmt.Errorf("user: %w", utils.ErrNoAccess), code: http.StatusForbidden},
		{name: "other", err: fmt.Errorf("olia"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coordMock.ExpectedCalls = nil
			coordMock.On("CreateJob", mock.Anything, mock.Anything, mock.Anything).Return("", tt.err)
			test.Code(t, tEcho, newReq(t, http.MethodPost, "/codingjob", "admin@anno.org",
				map[string]interface{}{"title": "olia"}), tt.code)
		})
	}
}

func Test_JobView(t *testing.T) {
	initTest(t)
	coordMock.On("Job", mock.Anything, "j1", mock.Anything).Return(&persistence.CodingJob{ID: "j1",
		Title: "olia", Codebook: json.RawMessage(`{}`), Created: time.Now()}, nil)
	coordMock.On("Progress", mock.Anything, "j1", mock.Anything).Return(&ruleset.Progress{NTotal: 3}, nil)
	resp := test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjob/j1", "admin@anno.org", nil), http.StatusOK)
	res := test.Decode[jobResult](t, resp.Result())
	assert.Equal(t, "j1", res.ID)
	assert.Equal(t, "olia", res.Title)
	assert.Equal(t, 3, res.NTotal)
}

func Test_JobView_NotAdmin(t *testing.T) {
	initTest(t)
	test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjob/j1", "coder@anno.org", nil), http.StatusForbidden)
	coordMock.AssertNotCalled(t, "Job", mock.Anything, mock.Anything, mock.Anything)
}

func Test_JobView_NotFound(t *testing.T) {
	initTest(t)
	coordMock.On("Job", mock.Anything, "j1", mock.Anything).Return(nil, utils.ErrNotFound)
	test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjob/j1", "admin@anno.org", nil), http.StatusNotFound)
}

func Test_Codebook(t *testing.T) {
	initTest(t)
	coordMock.On("Job", mock.Anything, "j1", mock.Anything).Return(&persistence.CodingJob{ID: "j1",
		Codebook: json.RawMessage(`{"q":"olia"}`)}, nil)
	resp := test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjob/j1/codebook", "coder@anno.org", nil), http.StatusOK)
	assert.Equal(t, `{"q":"olia"}`, strings.TrimSpace(resp.Body.String()))
}

func Test_Progress(t *testing.T) {
	initTest(t)
	now := time.Now()
	coordMock.On("Progress", mock.Anything, "j1", mock.Anything).Return(
		&ruleset.Progress{NTotal: 3, NCoded: 2, Last: now}, nil)
	resp := test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjob/j1/progress", "coder@anno.org", nil), http.StatusOK)
	res := test.Decode[progressResult](t, resp.Result())
	assert.Equal(t, 3, res.NTotal)
	assert.Equal(t, 2, res.NCoded)
	require.NotNil(t, res.Last)
}

func Test_Progress_Untouched(t *testing.T) {
	initTest(t)
	coordMock.On("Progress", mock.Anything, "j1", mock.Anything).Return(&ruleset.Progress{NTotal: 3}, nil)
	resp := test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjob/j1/progress", "coder@anno.org", nil), http.StatusOK)
	res := test.Decode[progressResult](t, resp.Result())
	assert.Nil(t, res.Last)
}

func Test_Unit_Next(t *testing.T) {
	initTest(t)
	coordMock.On("NextUnit", mock.Anything, "j1", mock.Anything).Return(&coordinator.ServedUnit{
		Unit: &persistence.Unit{ID: "u1", Position: 2, Payload: json.RawMessage(`{"text":"olia"}`),
			Gold: json.RawMessage(`{"answer":1}`)}}, nil)
	resp := test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjob/j1/unit", "coder@anno.org", nil), http.StatusOK)
	res := test.Decode[unitResult](t, resp.Result())
	assert.Equal(t, "u1", res.ID)
	assert.Equal(t, 2, res.Index)
	assert.Equal(t, json.RawMessage(`{"text":"olia"}`), res.Unit)
	assert.NotContains(t, resp.Body.String(), "answer")
}

func Test_Unit_WithAnnotation(t *testing.T) {
	initTest(t)
	coordMock.On("NextUnit", mock.Anything, "j1", mock.Anything).Return(&coordinator.ServedUnit{
		Unit:       &persistence.Unit{ID: "u1", Payload: json.RawMessage(`{}`)},
		Annotation: &persistence.Annotation{Payload: json.RawMessage(`{"v":1}`), Status: persistence.StatusInProgress}}, nil)
	resp := test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjob/j1/unit", "coder@anno.org", nil), http.StatusOK)
	res := test.Decode[unitResult](t, resp.Result())
	assert.Equal(t, json.RawMessage(`{"v":1}`), res.Annotation)
	assert.Equal(t, persistence.StatusInProgress, res.Status)
}

func Test_Unit_Exhausted(t *testing.T) {
	initTest(t)
	coordMock.On("NextUnit", mock.Anything, "j1", mock.Anything).Return(nil, nil)
	test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjob/j1/unit", "coder@anno.org", nil), http.StatusNoContent)
}

func Test_Unit_Seek(t *testing.T) {
	initTest(t)
	coordMock.On("SeekUnit", mock.Anything, "j1", mock.Anything, 2).Return(&coordinator.ServedUnit{
		Unit: &persistence.Unit{ID: "u2", Position: 2, Payload: json.RawMessage(`{}`)}}, nil)
	resp := test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjob/j1/unit?index=2", "coder@anno.org", nil), http.StatusOK)
	res := test.Decode[unitResult](t, resp.Result())
	assert.Equal(t, "u2", res.ID)
	coordMock.AssertNotCalled(t, "NextUnit", mock.Anything, mock.Anything, mock.Anything)
}

func Test_Unit_Seek_BadIndex(t *testing.T) {
	initTest(t)
	test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjob/j1/unit?index=olia", "coder@anno.org", nil), http.StatusBadRequest)
}

func Test_Unit_Seek_OutOfRange(t *testing.T) {
	initTest(t)
	coordMock.On("SeekUnit", mock.Anything, "j1", mock.Anything, 10).Return(nil, utils.ErrNotFound)
	test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjob/j1/unit?index=10", "coder@anno.org", nil), http.StatusNotFound)
}

func Test_Unit_Forbidden(t *testing.T) {
	initTest(t)
	coordMock.On("NextUnit", mock.Anything, "j1", mock.Anything).Return(nil,
		fmt.Errorf("coder: %w", utils.ErrNoAccess))
	test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjob/j1/unit", "coder@anno.org", nil), http.StatusForbidden)
}

func Test_Annotate(t *testing.T) {
	initTest(t)
	coordMock.On("Submit", mock.Anything, "j1", "u1", mock.Anything, mock.Anything, "").Return(nil)
	test.Code(t, tEcho, newReq(t, http.MethodPost, "/codingjob/j1/unit/u1/annotation", "coder@anno.org",
		map[string]interface{}{"annotation": map[string]int{"v": 1}}), http.StatusNoContent)
	senderMock.AssertCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
}

func Test_Annotate_ValidationFails(t *testing.T) {
	initTest(t)
	coordMock.On("Submit", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		mock.Anything).Return(utils.NewErrValidation("no annotation"))
	test.Code(t, tEcho, newReq(t, http.MethodPost, "/codingjob/j1/unit/u1/annotation", "coder@anno.org",
		map[string]interface{}{}), http.StatusBadRequest)
	senderMock.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
}

func Test_Annotate_SenderFailureStillOK(t *testing.T) {
	initTest(t)
	coordMock.On("Submit", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		mock.Anything).Return(nil)
	senderMock.ExpectedCalls = nil
	senderMock.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(fmt.Errorf("olia"))
	test.Code(t, tEcho, newReq(t, http.MethodPost, "/codingjob/j1/unit/u1/annotation", "coder@anno.org",
		map[string]interface{}{"annotation": map[string]int{"v": 1}}), http.StatusNoContent)
}

func Test_SetCoders(t *testing.T) {
	initTest(t)
	coordMock.On("SetJobCoders", mock.Anything, "j1", mock.Anything, []string{"a@anno.org"}).Return(nil)
	test.Code(t, tEcho, newReq(t, http.MethodPost, "/codingjob/j1/users", "admin@anno.org",
		map[string]interface{}{"users": []string{"a@anno.org"}}), http.StatusNoContent)
	coordMock.AssertExpectations(t)
}

func Test_Annotations(t *testing.T) {
	initTest(t)
	coordMock.On("JobAnnotations", mock.Anything, "j1", mock.Anything).Return([]persistence.JobAnnotation{
		{UnitID: "u1", Position: 0, Coder: "coder@anno.org", Payload: json.RawMessage(`{"v":1}`),
			Status: persistence.StatusDone, Modified: time.Now()}}, nil)
	resp := test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjob/j1/annotations", "admin@anno.org", nil), http.StatusOK)
	res := test.Decode[[]annotationResult](t, resp.Result())
	require.Len(t, res, 1)
	assert.Equal(t, "u1", res[0].UnitID)
	assert.Equal(t, "coder@anno.org", res[0].Coder)
}

func Test_ListJobs(t *testing.T) {
	initTest(t)
	now := time.Now()
	coordMock.On("ListJobs", mock.Anything, mock.Anything).Return([]persistence.JobSummary{
		{ID: "j1", Title: "olia", Creator: "admin@anno.org", Created: now, NTotal: 3, NCoded: 1, Modified: now},
		{ID: "j2", Title: "olia2", Creator: "admin@anno.org", Created: now, NTotal: 3}}, nil)
	resp := test.Code(t, tEcho, newReq(t, http.MethodGet, "/codingjobs", "coder@anno.org", nil), http.StatusOK)
	res := test.Decode[jobsResult](t, resp.Result())
	require.Len(t, res.Jobs, 2)
	assert.NotNil(t, res.Jobs[0].Modified)
	assert.Nil(t, res.Jobs[1].Modified)
}

func Test_ListUsers(t *testing.T) {
	initTest(t)
	usersMock.On("ListUsers", mock.Anything).Return([]persistence.User{
		{ID: "a1", Email: "admin@anno.org", Admin: true}, {ID: "c1", Email: "coder@anno.org"},
		{ID: "c2", Email: "guest@anno.org",
			RestrictedJob: sql.NullString{String: "j1", Valid: true}}}, nil)
	resp := test.Code(t, tEcho, newReq(t, http.MethodGet, "/users", "admin@anno.org", nil), http.StatusOK)
	res := test.Decode[[]userResult](t, resp.Result())
	require.Len(t, res, 3)
	assert.True(t, res[0].Admin)
	assert.Empty(t, res[1].RestrictedJob)
	assert.Equal(t, "j1", res[2].RestrictedJob)
}

func Test_ListUsers_NotAdmin(t *testing.T) {
	initTest(t)
	test.Code(t, tEcho, newReq(t, http.MethodGet, "/users", "coder@anno.org", nil), http.StatusForbidden)
}

func Test_Live(t *testing.T) {
	initTest(t)
	test.Code(t, tEcho, newReq(t, http.MethodGet, "/live", "", nil), 200)
}

func Test_validate(t *testing.T) {
	initTest(t)
	type args struct {
		data *Data
	}
	tests := []struct {
		name    string
		args    args
		wantErr bool
	}{
		{name: "OK", args: args{data: &Data{Coordinator: coordMock, Users: usersMock,
			MsgSender: senderMock, WSHandler: wsHandlerMock}}, wantErr: false},
		{name: "Fail coordinator", args: args{data: &Data{Users: usersMock,
			MsgSender: senderMock, WSHandler: wsHandlerMock}}, wantErr: true},
		{name: "Fail users", args: args{data: &Data{Coordinator: coordMock,
			MsgSender: senderMock, WSHandler: wsHandlerMock}}, wantErr: true},
		{name: "Fail sender", args: args{data: &Data{Coordinator: coordMock, Users: usersMock,
			WSHandler: wsHandlerMock}}, wantErr: true},
		{name: "Fail handler", args: args{data: &Data{Coordinator: coordMock, Users: usersMock,
			MsgSender: senderMock}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validate(tt.args.data); (err != nil) != tt.wantErr {
				t.Errorf("StartWebServer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type mockCoordinator struct{ mock.Mock }

func (m *mockCoordinator) CreateJob(ctx context.Context, creator *persistence.User, in *coordinator.NewJob) (string, error) {
	args := m.Called(ctx, creator, in)
	return args.String(0), args.Error(1)
}

func (m *mockCoordinator) Job(ctx context.Context, jobID string, coder *persistence.User) (*persistence.CodingJob, error) {
	args := m.Called(ctx, jobID, coder)
	return to[*persistence.CodingJob](args.Get(0)), args.Error(1)
}

func (m *mockCoordinator) NextUnit(ctx context.Context, jobID string, coder *persistence.User) (*coordinator.ServedUnit, error) {
	args := m.Called(ctx, jobID, coder)
	return to[*coordinator.ServedUnit](args.Get(0)), args.Error(1)
}

func (m *mockCoordinator) SeekUnit(ctx context.Context, jobID string, coder *persistence.User, index int) (*coordinator.ServedUnit, error) {
	args := m.Called(ctx, jobID, coder, index)
	return to[*coordinator.ServedUnit](args.Get(0)), args.Error(1)
}

func (m *mockCoordinator) Submit(ctx context.Context, jobID, unitID string, coder *persistence.User,
	payload json.RawMessage, status string) error {
	args := m.Called(ctx, jobID, unitID, coder, payload, status)
	return args.Error(0)
}

func (m *mockCoordinator) Progress(ctx context.Context, jobID string, coder *persistence.User) (*ruleset.Progress, error) {
	args := m.Called(ctx, jobID, coder)
	return to[*ruleset.Progress](args.Get(0)), args.Error(1)
}

func (m *mockCoordinator) ListJobs(ctx context.Context, coder *persistence.User) ([]persistence.JobSummary, error) {
	args := m.Called(ctx, coder)
	return to[[]persistence.JobSummary](args.Get(0)), args.Error(1)
}

func (m *mockCoordinator) SetJobCoders(ctx context.Context, jobID string, admin *persistence.User, emails []string) error {
	args := m.Called(ctx, jobID, admin, emails)
	return args.Error(0)
}

func (m *mockCoordinator) JobAnnotations(ctx context.Context, jobID string, admin *persistence.User) ([]persistence.JobAnnotation, error) {
	args := m.Called(ctx, jobID, admin)
	return to[[]persistence.JobAnnotation](args.Get(0)), args.Error(1)
}

type mockUsers struct{ mock.Mock }

func (m *mockUsers) LoadUser(ctx context.Context, email string) (*persistence.User, error) {
	args := m.Called(ctx, email)
	return to[*persistence.User](args.Get(0)), args.Error(1)
}

func (m *mockUsers) InsertUser(ctx context.Context, user *persistence.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *mockUsers) ListUsers(ctx context.Context) ([]persistence.User, error) {
	args := m.Called(ctx)
	return to[[]persistence.User](args.Get(0)), args.Error(1)
}

type mockWSConnHandler struct{ mock.Mock }

func (m *mockWSConnHandler) HandleConnection(wc WsConn) error {
	args := m.Called(wc)
	return args.Error(0)
}

func (m *mockWSConnHandler) GetConnections(id string) ([]WsConn, bool) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Bool(1)
	}
	return args.Get(0).([]WsConn), args.Bool(1)
}

func to[T interface{}](val interface{}) T {
	if val == nil {
		var res T
		return res
	}
	return val.(T)
}
