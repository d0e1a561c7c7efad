package main

import (
	"context"
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
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("closing", "error", err)
		}
	}()

	sched := scheduler.New(ctx, logger)
	if err := sched.AddJob(cfg.Trading.SweepSchedule, scheduler.NewSweepJob(a.Engine)); err != nil {
		log.Fatalf("scheduling sweep: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	logger.Info("autotrader-server starting",
		"port", cfg.Server.Port,
		"grpc_port", cfg.Server.GRPCPort,
		"paper_mode", cfg.Trading.PaperMode,
		"sweep_schedule", cfg.Trading.SweepSchedule,
	)
	if err := a.APIServer().ListenAndServe(ctx); err != nil {
		logger.Error("server error", "error", err)
	}
}
