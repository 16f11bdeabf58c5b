package main

import (
	"context"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/annolab/anny/internal/pkg/annotatorservice"
	"github.com/annolab/anny/internal/pkg/coordinator"
	"github.com/annolab/anny/internal/pkg/postgres"
	"github.com/annolab/anny/internal/pkg/utils"
	"github.com/labstack/gommon/color"
	"github.com/vgarvardt/gue/v5"
	"github.com/vgarvardt/gue/v5/adapter/pgxv5"
)

func main() {
	goapp.StartWithDefault()

	printBanner()

	cfg := goapp.Config
	data := &annotatorservice.Data{}
	data.Port = cfg.GetInt("port")
	var err error

	ctx := context.Background()

	dbPool, err := postgres.NewPool(ctx, cfg.GetString("db.url"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}
	defer dbPool.Close()

	if err := postgres.InitSchema(ctx, dbPool); err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db schema")
	}

	db, err := postgres.NewDB(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db")
	}

	coord, err := coordinator.NewCoordinator(db)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init coordinator")
	}
	data.Coordinator = coord
	data.Users = db

	data.MsgSender, err = postgres.NewSender(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init gue sender")
	}

	wsh := annotatorservice.NewWSConnKeeper()
	data.WSHandler = wsh

	hData := &annotatorservice.HandlerData{}
	hData.Coordinator = coord
	hData.Users = db
	hData.WorkerCount = cfg.GetInt("worker.count")
	hData.WSHandler = wsh
	hData.GueClient, err = gue.NewClient(pgxv5.NewConnPool(dbPool))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init gue")
	}

	go utils.RunPerfEndpoint()

	goapp.Log.Info().Msg("starting progress handler")
	ctx, cancelFunc := context.WithCancel(context.Background())
	doneCh, err := annotatorservice.StartProgressHandler(ctx, hData)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start progress handler")
	}

	goapp.Log.Info().Msg("starting web service")
	if err := annotatorservice.StartWebServer(data); err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start web server")
	}
	goapp.Log.Info().Msg("exit web service")
	cancelFunc()
	select {
	case <-doneCh:
		goapp.Log.Info().Msg("All code returned. Now exit. Bye")
	case <-time.After(time.Second * 15):
		goapp.Log.Warn().Msg("Timeout gracefull shutdown")
	}
}

var (
	version = "DEV"
)

func printBanner() {
	banner := `
    ___    _   ___   ____  __
   /   |  / | / / | / / \/ /
  / /| | /  |/ /  |/ / \  /
 / ___ |/ /|  / /|  /  / /
/_/  |_/_/ |_/_/ |_/  /_/   v: %s

%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("https://github.com/annolab/anny"))
}
