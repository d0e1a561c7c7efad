package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"autotrader/internal/app"
	"autotrader/internal/config"
	"autotrader/internal/scheduler"
	"autotrader/internal/util"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("initializing: %v", err)
	}
	defer a.Close()
	// Headless: nobody subscribes to the hub here.
	a.Engine.SetNotifier(nil)

	sched := scheduler.New(ctx, logger)
	job := scheduler.NewSweepJob(a.Engine)

	if *once {
		if err := sched.RunNow(job); err != nil {
			logger.Error("sweep failed", "error", err)
		}
		return
	}

	if err := sched.AddJob(cfg.Trading.SweepSchedule, job); err != nil {
		log.Fatalf("scheduling sweep: %v", err)
	}

	logger.Info("autotrader-trader starting",
		"paper_mode", cfg.Trading.PaperMode,
		"sweep_schedule", cfg.Trading.SweepSchedule,
		"market", a.Calendar.Status(a.Engine.Now()).Phase,
	)
	sched.Start()
	<-ctx.Done()
	logger.Info("shutting down")
	sched.Stop()
}
