package annotatorservice

import (
	"context"
	"fmt"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/annolab/anny/internal/pkg/messages"
	"github.com/annolab/anny/internal/pkg/utils"
	"github.com/vgarvardt/gue/v5"
)

// HandlerData keeps data required for the progress event handler
type HandlerData struct {
	GueClient   *gue.Client
	WorkerCount int
	Coordinator Coordinator
	Users       Users
	WSHandler   WSConnHandler
}

// StartProgressHandler starts the event queue listener for progress events
// returns channel for tracking if all jobs are finished
func StartProgressHandler(ctx context.Context, data *HandlerData) (chan struct{}, error) {
	if err := validateHandler(data); err != nil {
		return nil, err
	}
	goapp.Log.Info().Msg("Starting listen for messages")

	wm := gue.WorkMap{
		messages.ProgressChange: utils.CreateHandler(data, handleProgress),
	}

	pool, err := gue.NewWorkerPool(
		data.GueClient, wm, data.WorkerCount,
		gue.WithPoolQueue(messages.ProgressChange),
		gue.WithPoolLogger(utils.NewGueLoggerAdapter()),
		gue.WithPoolPollInterval(500*time.Millisecond),
		gue.WithPoolPollStrategy(gue.RunAtPollStrategy),
		gue.WithPoolID("progress-worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("could not build gue workers pool: %w", err)
	}
	res := make(chan struct{}, 1)
	go func() {
		goapp.Log.Info().Msg("Starting workers")
		if err := pool.Run(ctx); err != nil {
			goapp.Log.Error().Err(err).Msg("pool error")
		}
		goapp.Log.Info().Msg("Pool workers finished")
		res <- struct{}{}
	}()
	return res, nil
}

type progressEvent struct {
	JobID string `json:"job"`
	Coder string `json:"coder,omitempty"`
	progressResult
}

func handleProgress(ctx context.Context, m *messages.ProgressMessage, data *HandlerData) error {
	goapp.Log.Info().Str("job", m.ID).Msg("handling progress change event")

	conns, found := data.WSHandler.GetConnections(m.ID)
	if !found {
		goapp.Log.Debug().Str("job", m.ID).Msg("no connections found")
		return nil
	}
	coder, err := data.Users.LoadUser(ctx, m.Coder)
	if err != nil {
		return fmt.Errorf("cannot load coder %s: %w", m.Coder, err)
	}
	if coder == nil {
		return fmt.Errorf("no coder %s", m.Coder)
	}
	p, err := data.Coordinator.Progress(ctx, m.ID, coder)
	if err != nil {
		return fmt.Errorf("cannot get progress for job %s: %w", m.ID, err)
	}
	res := &progressEvent{JobID: m.ID, Coder: m.Coder, progressResult: mapProgress(p)}
	for _, c := range conns {
		if err := sendMsg(c, res); err != nil {
			goapp.Log.Error().Err(err).Send()
		}
	}
	return nil
}

func sendMsg(c WsConn, res *progressEvent) error {
	err := c.WriteJSON(res)
	if err != nil {
		return fmt.Errorf("cannot write to websocket: %w", err)
	}
	goapp.Log.Debug().Str("job", res.JobID).Msg("sent msg to websocket")
	return nil
}

func validateHandler(data *HandlerData) error {
	if data.GueClient == nil {
		return fmt.Errorf("no gue client")
	}
	if data.WorkerCount < 1 {
		return fmt.Errorf("no worker count provided")
	}
	if data.Coordinator == nil {
		return fmt.Errorf("no coordinator")
	}
	if data.Users == nil {
		return fmt.Errorf("no users")
	}
	if data.WSHandler == nil {
		return fmt.Errorf("no WSHandler")
	}
	return nil
}
