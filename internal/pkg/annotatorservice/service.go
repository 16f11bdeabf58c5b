package annotatorservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/facebookgo/grace/gracehttp"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/annolab/anny/internal/pkg/coordinator"
	"github.com/annolab/anny/internal/pkg/messages"
	"github.com/annolab/anny/internal/pkg/persistence"
	"github.com/annolab/anny/internal/pkg/ruleset"
	"github.com/annolab/anny/internal/pkg/utils"

	"github.com/airenas/go-app/pkg/goapp"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Coordinator drives job creation, unit selection and annotation writes
type Coordinator interface {
	CreateJob(ctx context.Context, creator *persistence.User, in *coordinator.NewJob) (string, error)
	Job(ctx context.Context, jobID string, coder *persistence.User) (*persistence.CodingJob, error)
	NextUnit(ctx context.Context, jobID string, coder *persistence.User) (*coordinator.ServedUnit, error)
	SeekUnit(ctx context.Context, jobID string, coder *persistence.User, index int) (*coordinator.ServedUnit, error)
	Submit(ctx context.Context, jobID, unitID string, coder *persistence.User, payload json.RawMessage, status string) error
	Progress(ctx context.Context, jobID string, coder *persistence.User) (*ruleset.Progress, error)
	ListJobs(ctx context.Context, coder *persistence.User) ([]persistence.JobSummary, error)
	SetJobCoders(ctx context.Context, jobID string, admin *persistence.User, emails []string) error
	JobAnnotations(ctx context.Context, jobID string, admin *persistence.User) ([]persistence.JobAnnotation, error)
}

// Users resolves coder identities and lists user records
type Users interface {
	LoadUser(ctx context.Context, email string) (*persistence.User, error)
	InsertUser(ctx context.Context, user *persistence.User) error
	ListUsers(ctx context.Context) ([]persistence.User, error)
}

// MsgSender provides send msg functionality
type MsgSender interface {
	SendMessage(context.Context, amessages.Message, string) error
}

// WSConnHandler websocket connection wrapper
type WSConnHandler interface {
	HandleConnection(WsConn) error
	GetConnections(id string) ([]WsConn, bool)
}

// Data keeps data required for service work
type Data struct {
	Port        int
	Coordinator Coordinator
	Users       Users
	MsgSender   MsgSender
	WSHandler   WSConnHandler
}

// coder identity arrives preauthenticated as an email in this header
const coderHeader = "X-Coder"

const coderKey = "coder"

// StartWebServer starts echo web service
func StartWebServer(data *Data) error {
	goapp.Log.Info().Msgf("Starting HTTP ANNY service at %d", data.Port)
	if err := validate(data); err != nil {
		return err
	}

	portStr := strconv.Itoa(data.Port)

	e := initRoutes(data)

	e.Server.Addr = ":" + portStr
	e.Server.ReadHeaderTimeout = 5 * time.Second
	e.Server.ReadTimeout = 60 * time.Second
	e.Server.WriteTimeout = 30 * time.Second

	gracehttp.SetLogger(log.New(goapp.Log, "", 0))

	return gracehttp.Serve(e.Server)
}

func validate(data *Data) error {
	if data.Coordinator == nil {
		return fmt.Errorf("no coordinator")
	}
	if data.Users == nil {
		return fmt.Errorf("no users")
	}
	if data.MsgSender == nil {
		return fmt.Errorf("no msg sender")
	}
	if data.WSHandler == nil {
		return fmt.Errorf("no WSHandler")
	}
	return nil
}

var promMdlw *prometheus.Prometheus

func init() {
	promMdlw = prometheus.NewPrometheus("anny", nil)
}

func initRoutes(data *Data) *echo.Echo {
	e := echo.New()
	e.Use(middleware.Logger())
	promMdlw.Use(e)

	cm := resolveCoder(data)
	e.POST("/codingjob", createJob(data), cm)
	e.GET("/codingjob/:id", jobView(data), cm)
	e.GET("/codingjob/:id/codebook", codebook(data), cm)
	e.GET("/codingjob/:id/progress", progress(data), cm)
	e.GET("/codingjob/:id/unit", unit(data), cm)
	e.POST("/codingjob/:id/unit/:uid/annotation", annotate(data), cm)
	e.POST("/codingjob/:id/users", setCoders(data), cm)
	e.GET("/codingjob/:id/annotations", annotations(data), cm)
	e.GET("/codingjobs", listJobs(data), cm)
	e.GET("/users", listUsers(data), cm)
	e.GET("/subscribe", subscribeHandler(data))
	e.GET("/live", live(data))

	goapp.Log.Info().Msg("Routes:")
	for _, r := range e.Routes() {
		goapp.Log.Info().Msgf("  %s %s", r.Method, r.Path)
	}
	return e
}

func live(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		return c.JSONBlob(http.StatusOK, []byte(`{"service":"OK"}`))
	}
}

// resolveCoder loads the user record for the email in the identity header,
// provisioning unknown emails as plain coders
func resolveCoder(data *Data) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			email := strings.TrimSpace(c.Request().Header.Get(coderHeader))
			if email == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "no coder header")
			}
			ctx := c.Request().Context()
			u, err := data.Users.LoadUser(ctx, email)
			if err != nil {
				goapp.Log.Error().Err(err).Send()
				return echo.NewHTTPError(http.StatusInternalServerError)
			}
			if u == nil {
				u = &persistence.User{ID: uuid.NewString(), Email: email, Created: time.Now()}
				if err := data.Users.InsertUser(ctx, u); err != nil {
					goapp.Log.Error().Err(err).Send()
					return echo.NewHTTPError(http.StatusInternalServerError)
				}
				goapp.Log.Info().Str("email", goapp.Sanitize(email)).Msg("provisioned coder")
			}
			c.Set(coderKey, u)
			return next(c)
		}
	}
}

func currentCoder(c echo.Context) *persistence.User {
	u, _ := c.Get(coderKey).(*persistence.User)
	return u
}

func mapError(err error) error {
	var ev *utils.ErrValidation
	if errors.As(err, &ev) {
		return echo.NewHTTPError(http.StatusBadRequest, ev.Detail())
	}
	if errors.Is(err, utils.ErrNoAccess) {
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	}
	if errors.Is(err, utils.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	goapp.Log.Error().Err(err).Send()
	return echo.NewHTTPError(http.StatusInternalServerError, "service error")
}

type createResult struct {
	ID string `json:"id"`
}

func createJob(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("createJob method")()
		ctx := c.Request().Context()

		var input coordinator.NewJob
		if err := c.Bind(&input); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "can't decode input")
		}
		id, err := data.Coordinator.CreateJob(ctx, currentCoder(c), &input)
		if err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusCreated, createResult{ID: id})
	}
}

type jobResult struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Codebook   json.RawMessage `json:"codebook,omitempty"`
	Rules      json.RawMessage `json:"rules,omitempty"`
	Provenance json.RawMessage `json:"provenance,omitempty"`
	Restricted bool            `json:"restricted,omitempty"`
	Archived   bool            `json:"archived,omitempty"`
	Created    time.Time       `json:"created"`
	NTotal     int             `json:"n_total,omitempty"`
}

func jobView(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("jobView method")()
		ctx := c.Request().Context()
		coder := currentCoder(c)
		if !coder.Admin {
			return echo.NewHTTPError(http.StatusForbidden, "forbidden")
		}
		job, err := data.Coordinator.Job(ctx, c.Param("id"), coder)
		if err != nil {
			return mapError(err)
		}
		p, err := data.Coordinator.Progress(ctx, job.ID, coder)
		if err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusOK, jobResult{ID: job.ID, Title: job.Title, Codebook: job.Codebook,
			Rules: job.Rules, Provenance: job.Provenance, Restricted: job.Restricted,
			Archived: job.Archived, Created: job.Created, NTotal: p.NTotal})
	}
}

func codebook(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("codebook method")()
		job, err := data.Coordinator.Job(c.Request().Context(), c.Param("id"), currentCoder(c))
		if err != nil {
			return mapError(err)
		}
		return c.JSONBlob(http.StatusOK, job.Codebook)
	}
}

type progressResult struct {
	NTotal     int        `json:"n_total"`
	NCoded     int        `json:"n_coded"`
	NGoldCoded int        `json:"n_gold_coded,omitempty"`
	Last       *time.Time `json:"last,omitempty"`
}

func mapProgress(p *ruleset.Progress) progressResult {
	res := progressResult{NTotal: p.NTotal, NCoded: p.NCoded, NGoldCoded: p.NGoldCoded}
	if p.Touched() {
		l := p.Last
		res.Last = &l
	}
	return res
}

func progress(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("progress method")()
		p, err := data.Coordinator.Progress(c.Request().Context(), c.Param("id"), currentCoder(c))
		if err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusOK, mapProgress(p))
	}
}

type unitResult struct {
	ID         string          `json:"id"`
	Index      int             `json:"index"`
	Unit       json.RawMessage `json:"unit"`
	Annotation json.RawMessage `json:"annotation,omitempty"`
	Status     string          `json:"status,omitempty"`
}

// unit serves the coder's next unit, or the unit at ?index=i.
// Gold answers never leave the server
func unit(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("unit method")()
		ctx := c.Request().Context()
		coder := currentCoder(c)

		var served *coordinator.ServedUnit
		var err error
		if idxStr := c.QueryParam("index"); idxStr != "" {
			idx, cErr := strconv.Atoi(idxStr)
			if cErr != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "wrong index "+idxStr)
			}
			served, err = data.Coordinator.SeekUnit(ctx, c.Param("id"), coder, idx)
		} else {
			served, err = data.Coordinator.NextUnit(ctx, c.Param("id"), coder)
		}
		if err != nil {
			return mapError(err)
		}
		if served == nil {
			return c.NoContent(http.StatusNoContent)
		}
		res := unitResult{ID: served.Unit.ID, Index: served.Unit.Position, Unit: served.Unit.Payload}
		if served.Annotation != nil {
			res.Annotation = served.Annotation.Payload
			res.Status = served.Annotation.Status
		}
		return c.JSON(http.StatusOK, res)
	}
}

type annotationInput struct {
	Annotation json.RawMessage `json:"annotation"`
	Status     string          `json:"status,omitempty"`
}

func annotate(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("annotate method")()
		ctx := c.Request().Context()
		coder := currentCoder(c)

		var input annotationInput
		if err := c.Bind(&input); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "can't decode input")
		}
		jobID := c.Param("id")
		if err := data.Coordinator.Submit(ctx, jobID, c.Param("uid"), coder,
			input.Annotation, input.Status); err != nil {
			return mapError(err)
		}
		if err := data.MsgSender.SendMessage(ctx, messages.NewProgressMessage(jobID, coder.Email),
			messages.ProgressChange); err != nil {
			goapp.Log.Error().Err(err).Msg("can't send progress event")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type setCodersInput struct {
	Users []string `json:"users"`
}

func setCoders(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("setCoders method")()
		var input setCodersInput
		if err := c.Bind(&input); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "can't decode input")
		}
		if err := data.Coordinator.SetJobCoders(c.Request().Context(), c.Param("id"),
			currentCoder(c), input.Users); err != nil {
			return mapError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type annotationResult struct {
	UnitID     string          `json:"unit_id"`
	Index      int             `json:"index"`
	Coder      string          `json:"coder"`
	Annotation json.RawMessage `json:"annotation"`
	Status     string          `json:"status"`
	Modified   time.Time       `json:"modified"`
}

func annotations(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("annotations method")()
		anns, err := data.Coordinator.JobAnnotations(c.Request().Context(), c.Param("id"), currentCoder(c))
		if err != nil {
			return mapError(err)
		}
		res := make([]annotationResult, 0, len(anns))
		for _, a := range anns {
			res = append(res, annotationResult{UnitID: a.UnitID, Index: a.Position, Coder: a.Coder,
				Annotation: a.Payload, Status: a.Status, Modified: a.Modified})
		}
		return c.JSON(http.StatusOK, res)
	}
}

type jobSummaryResult struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Creator  string     `json:"creator"`
	Created  time.Time  `json:"created"`
	NTotal   int        `json:"n_total"`
	NCoded   int        `json:"n_coded"`
	Modified *time.Time `json:"modified,omitempty"`
}

type jobsResult struct {
	Jobs []jobSummaryResult `json:"jobs"`
}

func listJobs(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("listJobs method")()
		jobs, err := data.Coordinator.ListJobs(c.Request().Context(), currentCoder(c))
		if err != nil {
			return mapError(err)
		}
		res := jobsResult{Jobs: make([]jobSummaryResult, 0, len(jobs))}
		for _, j := range jobs {
			jr := jobSummaryResult{ID: j.ID, Title: j.Title, Creator: j.Creator, Created: j.Created,
				NTotal: j.NTotal, NCoded: j.NCoded}
			if !j.Modified.IsZero() {
				m := j.Modified
				jr.Modified = &m
			}
			res.Jobs = append(res.Jobs, jr)
		}
		return c.JSON(http.StatusOK, res)
	}
}

type userResult struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Admin         bool   `json:"admin,omitempty"`
	RestrictedJob string `json:"restricted_job,omitempty"`
}

func listUsers(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("listUsers method")()
		if !currentCoder(c).Admin {
			return echo.NewHTTPError(http.StatusForbidden, "forbidden")
		}
		users, err := data.Users.ListUsers(c.Request().Context())
		if err != nil {
			return mapError(err)
		}
		res := make([]userResult, 0, len(users))
		for _, u := range users {
			res = append(res, userResult{ID: u.ID, Email: u.Email, Admin: u.Admin,
				RestrictedJob: utils.FromSQLStr(u.RestrictedJob)})
		}
		return c.JSON(http.StatusOK, res)
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	}}

func subscribeHandler(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return err
		}
		defer ws.Close()

		return data.WSHandler.HandleConnection(ws)
	}
}
