package main

import (
	"context"
	"time"

	aclean "github.com/airenas/async-api/pkg/clean"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/annolab/anny/internal/pkg/archive"
	"github.com/annolab/anny/internal/pkg/postgres"
	"github.com/labstack/gommon/color"
)

func main() {
	goapp.StartWithDefault()
	cfg := goapp.Config

	data := &archive.Data{}
	data.Port = cfg.GetInt("port")

	ctx := context.Background()

	dbPool, err := postgres.NewPool(ctx, cfg.GetString("db.url"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}
	defer dbPool.Close()

	archiver, err := postgres.NewArchiver(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init archiver")
	}

	tData := aclean.TimerData{}
	tData.IDsProvider, err = postgres.NewIdleJobsProvider(dbPool, cfg.GetDuration("timer.expire"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init IDs provider")
	}

	printBanner()

	cleaner := &aclean.CleanerGroup{}
	cleaner.Jobs = append(cleaner.Jobs, archiver)

	data.Archiver = cleaner

	tData.RunEvery = cfg.GetDuration("timer.runEvery")
	tData.Cleaner = cleaner

	goapp.Log.Info().Dur("duration", cfg.GetDuration("timer.expire")).Msg("expire")

	ctxTimer, cancelFunc := context.WithCancel(ctx)
	doneCh, err := aclean.StartCleanTimer(ctxTimer, &tData)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start timer")
	}
	err = archive.StartWebServer(data)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start web server")
	}
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
/_/  |_/_/ |_/_/ |_/  /_/
        __
  _____/ /__  ____ _____
 / ___/ / _ \/ __ ` + "`" + `/ __ \
/ /__/ /  __/ /_/ / / / /
\___/_/\___/\__,_/_/ /_/   v: %s

%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("https://github.com/annolab/anny"))
}
