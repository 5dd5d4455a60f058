// cmd/worker/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tendant/proof-converter/internal/app"
	"github.com/tendant/proof-converter/internal/config"
	"github.com/tendant/proof-converter/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	log := app.NewLogger(cfg, "proof-converter-worker")
	defer log.Close()

	// A second signal is ignored; shutdown always drains.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return fatal(log, "initialize pipeline", err)
	}
	defer a.Close()

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := a.Metrics.Serve(ctx, cfg.Metrics.Addr, log); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	log.WithFields(logger.Fields{
		"input_dir":         cfg.InputDir,
		"output_dir":        cfg.OutputDir,
		"scratch_dir":       cfg.ScratchDir,
		"max_processes":     cfg.MaxProcesses,
		"max_inflight_jobs": cfg.MaxInFlightJobs,
		"transcoders":       cfg.Transcoder.Candidates,
		"nats_subject":      cfg.NATS.Subject,
	}).Info("worker starting")

	if err := a.Service.Run(ctx); err != nil {
		return fatal(log, "worker stopped", err)
	}
	log.Info("worker stopped")
	return 0
}

func fatal(log *logger.Logger, msg string, err error) int {
	log.WithError(err).Error(msg)
	return 1
}
