// Package app wires the pipeline from configuration. It is shared by the
// worker and backfill commands.
package app

import (
	"context"
	"fmt"

	"github.com/tendant/proof-converter/internal/artifact"
	"github.com/tendant/proof-converter/internal/bus"
	"github.com/tendant/proof-converter/internal/config"
	"github.com/tendant/proof-converter/internal/dispatch"
	"github.com/tendant/proof-converter/internal/engine"
	"github.com/tendant/proof-converter/internal/logger"
	"github.com/tendant/proof-converter/internal/metrics"
	"github.com/tendant/proof-converter/internal/output"
	"github.com/tendant/proof-converter/internal/pipeline"
	"github.com/tendant/proof-converter/internal/transcode"
	"github.com/tendant/proof-converter/internal/upload"
)

type App struct {
	Service    *pipeline.Service
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Metrics
	publisher  bus.Publisher
}

// NewLogger builds the process logger from the log section of cfg.
func NewLogger(cfg *config.Config, service string) *logger.Logger {
	lc := logger.DefaultConfig()
	lc.Level = cfg.Log.Level
	lc.Format = cfg.Log.Format
	lc.File = cfg.Log.File
	lc.ServiceName = service
	return logger.New(lc)
}

// Build assembles the pipeline. The caller must Close the returned App.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	pattern, err := artifact.NewPattern(cfg.Artifact.Delimiter, cfg.Artifact.Extension)
	if err != nil {
		return nil, err
	}

	resolver := transcode.NewResolver(cfg.Transcoder.Candidates, log)
	transcoder := transcode.New(transcode.Config{
		ScratchDir: cfg.ScratchDir,
		Timeout:    cfg.Transcoder.Timeout,
	}, resolver, pattern, log)

	eng, err := engine.NewCommand(engine.Config{Command: cfg.Engine.Command, Workers: cfg.Engine.Workers}, log)
	if err != nil {
		return nil, err
	}
	dispatcher := dispatch.New(dispatch.Config{Slots: cfg.MaxProcesses, Timeout: cfg.Engine.Timeout}, eng, log)

	var publisher bus.Publisher = bus.Nop{}
	if cfg.NATS.URL != "" {
		client, err := bus.Connect(cfg.NATS.URL, log)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS %s: %w", cfg.NATS.URL, err)
		}
		log.WithField("nats_url", cfg.NATS.URL).Info("connected to NATS")
		publisher = client
	}

	var mirror pipeline.Mirror
	if cfg.Mirror.Enabled() {
		store, err := upload.NewS3Storage(ctx, upload.S3Config{
			Endpoint:  cfg.Mirror.Endpoint,
			AccessKey: cfg.Mirror.AccessKey,
			SecretKey: cfg.Mirror.SecretKey,
			UseSSL:    cfg.Mirror.UseSSL,
			Bucket:    cfg.Mirror.Bucket,
			Region:    cfg.Mirror.Region,
		})
		if err != nil {
			publisher.Close()
			return nil, fmt.Errorf("create output mirror: %w", err)
		}
		mirror = upload.NewMirror(store, cfg.Mirror.Prefix)
		log.WithField("bucket", cfg.Mirror.Bucket).Info("mirroring results to object storage")
	}

	m := metrics.New()
	m.Gauge("conversions_in_flight", "Conversions currently holding an engine slot", func() float64 {
		return float64(dispatcher.Active())
	})
	m.Gauge("conversion_slots", "Configured engine slots", func() float64 {
		return float64(dispatcher.Slots())
	})

	svc, err := pipeline.New(pipeline.Config{
		InputDir:        cfg.InputDir,
		OutputDir:       cfg.OutputDir,
		ScratchDir:      cfg.ScratchDir,
		MaxInFlightJobs: cfg.MaxInFlightJobs,
		SettleInterval:  cfg.SettleInterval,
	}, pipeline.Deps{
		Pattern:    pattern,
		Transcoder: transcoder,
		Converter:  dispatcher,
		Writer:     output.NewWriter(cfg.OutputDir, pattern, cfg.Artifact.ResultExt),
		Events:     bus.NewEvents(publisher, cfg.NATS.Subject, log),
		Mirror:     mirror,
		Metrics:    m,
	}, log)
	if err != nil {
		publisher.Close()
		return nil, err
	}
	m.Gauge("ledger_entries", "Artifacts currently held in the job ledger", func() float64 {
		return float64(svc.LedgerSize())
	})

	return &App{Service: svc, Dispatcher: dispatcher, Metrics: m, publisher: publisher}, nil
}

// Close flushes pending events.
func (a *App) Close() {
	a.publisher.Close()
}
