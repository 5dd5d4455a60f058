// cmd/backfill/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tendant/proof-converter/internal/app"
	"github.com/tendant/proof-converter/internal/artifact"
	"github.com/tendant/proof-converter/internal/config"
	"github.com/tendant/proof-converter/internal/logger"
	"github.com/tendant/proof-converter/internal/watch"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	inputDir := flag.String("input", "", "override the input directory")
	dryRun := flag.Bool("dry-run", false, "list the artifacts that would be converted and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if *inputDir != "" {
		cfg.InputDir = *inputDir
	}

	log := app.NewLogger(cfg, "proof-converter-backfill")
	defer log.Close()

	log.WithFields(logger.Fields{
		"input_dir":     cfg.InputDir,
		"output_dir":    cfg.OutputDir,
		"max_processes": cfg.MaxProcesses,
		"dry_run":       *dryRun,
	}).Info("backfill starting")

	if *dryRun {
		return listBacklog(cfg, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("initialize pipeline")
		return 1
	}
	defer a.Close()

	if err := a.Service.Backfill(ctx); err != nil {
		log.WithError(err).Error("backfill failed")
		return 1
	}
	log.Info("backfill complete")
	return 0
}

func listBacklog(cfg *config.Config, log *logger.Logger) int {
	pattern, err := artifact.NewPattern(cfg.Artifact.Delimiter, cfg.Artifact.Extension)
	if err != nil {
		log.WithError(err).Error("invalid artifact pattern")
		return 1
	}
	paths, err := watch.New(cfg.InputDir, pattern, log).Backlog()
	if err != nil {
		log.WithError(err).Error("scan input directory")
		return 1
	}
	for _, p := range paths {
		ref, err := pattern.Parse(filepath.Base(p))
		if err != nil {
			continue
		}
		fmt.Printf("%s -> %s\n", p, pattern.OutputName(ref, cfg.Artifact.ResultExt))
	}
	log.WithField("count", len(paths)).Info("dry run: nothing converted")
	return 0
}
