// Package pipeline runs proof artifacts from the input directory through
// transcoding, conversion and output, one job per artifact.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tendant/proof-converter/internal/artifact"
	"github.com/tendant/proof-converter/internal/bus"
	"github.com/tendant/proof-converter/internal/ledger"
	"github.com/tendant/proof-converter/internal/logger"
	"github.com/tendant/proof-converter/internal/metrics"
	"github.com/tendant/proof-converter/internal/output"
	"github.com/tendant/proof-converter/internal/process"
	"github.com/tendant/proof-converter/internal/watch"
	"github.com/tendant/proof-converter/pkg/schema"
)

type State string

const (
	StateInitializing     State = "initializing"
	StateBackfillScanning State = "backfill_scanning"
	StateWatching         State = "watching"
	StateDraining         State = "draining"
	StateStopped          State = "stopped"
)

var (
	ErrDuplicate    = errors.New("artifact already accepted")
	ErrShuttingDown = errors.New("service is shutting down")
)

type Transcoder interface {
	Transcode(ctx context.Context, path string) (*schema.IntermediateDocument, error)
}

type Converter interface {
	Convert(ctx context.Context, ref artifact.Ref, doc *schema.IntermediateDocument) (*schema.ConvertedArtifact, error)
	Terminate() error
}

type Mirror interface {
	Put(ctx context.Context, localPath string) (string, error)
}

type Config struct {
	InputDir        string
	OutputDir       string
	ScratchDir      string
	MaxInFlightJobs int
	SettleInterval  time.Duration
	MirrorTimeout   time.Duration
}

// Deps are the collaborators a Service drives. Events, Mirror and Metrics are
// optional.
type Deps struct {
	Pattern    *artifact.Pattern
	Transcoder Transcoder
	Converter  Converter
	Writer     *output.Writer
	Events     *bus.Events
	Mirror     Mirror
	Metrics    *metrics.Metrics
}

type Service struct {
	cfg        Config
	pattern    *artifact.Pattern
	watcher    *watch.Watcher
	ledger     *ledger.Ledger
	transcoder Transcoder
	converter  Converter
	writer     *output.Writer
	events     *bus.Events
	mirror     Mirror
	metrics    *metrics.Metrics
	log        *logger.Logger

	state        atomic.Value
	shuttingDown atomic.Bool

	// jobSlots bounds how many jobs run their stage sequence at once. Jobs
	// waiting for a slot give up when slotCtx is cancelled at drain.
	jobSlots    *semaphore.Weighted
	slotCtx     context.Context
	cancelSlots context.CancelFunc

	mu      sync.Mutex
	baseCtx context.Context
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps, log *logger.Logger) (*Service, error) {
	if deps.Pattern == nil || deps.Transcoder == nil || deps.Converter == nil || deps.Writer == nil {
		return nil, fmt.Errorf("pipeline: pattern, transcoder, converter and writer are required")
	}
	if cfg.MaxInFlightJobs <= 0 {
		cfg.MaxInFlightJobs = 4
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = 2 * time.Minute
	}
	if log == nil {
		log = logger.Discard()
	}
	log = log.Component("pipeline")
	if deps.Events == nil {
		deps.Events = bus.NewEvents(nil, "", log)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	s := &Service{
		cfg:        cfg,
		pattern:    deps.Pattern,
		watcher:    watch.New(cfg.InputDir, deps.Pattern, log),
		ledger:     ledger.New(),
		transcoder: deps.Transcoder,
		converter:  deps.Converter,
		writer:     deps.Writer,
		events:     deps.Events,
		mirror:     deps.Mirror,
		metrics:    deps.Metrics,
		log:        log,
		jobSlots:   semaphore.NewWeighted(int64(cfg.MaxInFlightJobs)),
		baseCtx:    context.Background(),
	}
	s.slotCtx, s.cancelSlots = context.WithCancel(context.Background())
	s.watcher.OnError = func(error) { s.metrics.WatchErrorsTotal.Inc() }
	s.state.Store(StateInitializing)
	return s, nil
}

// LedgerSize reports how many artifacts the ledger currently holds.
func (s *Service) LedgerSize() int { return s.ledger.Len() }

func (s *Service) State() State { return s.state.Load().(State) }

func (s *Service) setState(st State) {
	s.state.Store(st)
	s.log.WithField("state", st).Info("service state changed")
}

// Run processes the backlog, then new files as they appear, until ctx is
// cancelled. It returns after every accepted job has finished.
func (s *Service) Run(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}

	s.setState(StateBackfillScanning)
	sub, err := s.watcher.Subscribe(ctx)
	if err != nil {
		s.log.WithError(&process.Error{Kind: process.KindDirectoryIOFailed, Op: "subscribe", Err: err}).
			Error("live watch unavailable; only the backlog will be processed")
	}
	s.scanBacklog(ctx)

	s.setState(StateWatching)
	var events <-chan string
	if sub != nil {
		events = sub.Events()
	}
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case path, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := s.submit(path, true); err != nil {
				s.logRejected(path, err)
			}
		}
	}

	return s.drain(sub)
}

// Backfill processes the current backlog and returns once it is done or ctx
// is cancelled. No live watch is started.
func (s *Service) Backfill(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}

	s.setState(StateBackfillScanning)
	s.scanBacklog(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Info("backfill interrupted")
	}
	return s.drain(nil)
}

// Submit offers one artifact to the pipeline. It fails for invalid names,
// artifacts already accepted and while shutting down.
func (s *Service) Submit(path string) error {
	return s.submit(path, false)
}

func (s *Service) start(ctx context.Context) error {
	s.setState(StateInitializing)
	for _, dir := range []string{s.cfg.InputDir, s.cfg.OutputDir, s.cfg.ScratchDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.setState(StateStopped)
			return &process.Error{Kind: process.KindDirectoryIOFailed, Op: "create directory", Err: err}
		}
	}
	s.mu.Lock()
	s.baseCtx = s.log.WithContext(context.WithoutCancel(ctx))
	s.mu.Unlock()
	return nil
}

func (s *Service) scanBacklog(ctx context.Context) {
	paths, err := s.watcher.Backlog()
	if err != nil {
		s.log.WithError(&process.Error{Kind: process.KindDirectoryIOFailed, Op: "list backlog", Err: err}).
			Error("backlog scan failed")
		s.metrics.BacklogFiles.Set(0)
		return
	}
	s.metrics.BacklogFiles.Set(float64(len(paths)))
	s.log.WithField(logger.FieldCount, len(paths)).Info("backlog scanned")

	for i, path := range paths {
		if ctx.Err() != nil {
			s.log.WithField(logger.FieldCount, len(paths)-i).Info("backlog scan stopped by shutdown")
			return
		}
		if err := s.submit(path, false); err != nil {
			s.logRejected(path, err)
		}
	}
}

func (s *Service) submit(path string, live bool) error {
	name := filepath.Base(path)
	ref, err := s.pattern.Parse(name)
	if err != nil {
		s.metrics.JobsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return &process.Error{Kind: process.KindInvalidArtifactName, Op: "submit", File: name, Err: err}
	}

	s.mu.Lock()
	if s.shuttingDown.Load() {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	if !s.ledger.TryAccept(name) {
		s.mu.Unlock()
		s.metrics.JobsTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		return ErrDuplicate
	}
	s.wg.Add(1)
	ctx := s.baseCtx
	s.mu.Unlock()

	job := process.NewJob(ref, path)
	_ = job.Advance(process.JobStateAccepted)
	s.publishStage(job)
	s.metrics.JobsInFlight.Inc()

	go s.runJob(ctx, job, live)
	return nil
}

func (s *Service) logRejected(path string, err error) {
	entry := s.log.WithField(logger.FieldFile, filepath.Base(path))
	switch {
	case errors.Is(err, ErrDuplicate):
		entry.Debug("artifact already accepted")
	case errors.Is(err, ErrShuttingDown):
		entry.Debug("artifact ignored during shutdown")
	default:
		entry.WithError(err).Warn("artifact rejected")
	}
}

func (s *Service) runJob(ctx context.Context, job *process.Job, live bool) {
	defer s.wg.Done()
	defer s.metrics.JobsInFlight.Dec()

	log := logger.FromContext(ctx, s.log).WithFields(logger.Fields{
		logger.FieldJobID:      job.ID,
		logger.FieldFile:       job.Ref.Name,
		logger.FieldStartBlock: job.Ref.Start,
		logger.FieldEndBlock:   job.Ref.End,
	})
	ctx = log.WithContext(ctx)

	if err := s.jobSlots.Acquire(s.slotCtx, 1); err != nil {
		s.fail(job, log, &process.Error{Kind: process.KindAbandoned, Op: "abandoned at shutdown", File: job.Ref.Name, Err: err})
		return
	}
	defer s.jobSlots.Release(1)
	log.Info("job started")

	if live && s.cfg.SettleInterval > 0 {
		if err := waitForStableSize(ctx, job.Path, s.cfg.SettleInterval); err != nil {
			s.fail(job, log, &process.Error{Kind: process.KindDirectoryIOFailed, Op: "settle", File: job.Ref.Name, Err: err})
			return
		}
	}

	_ = job.Advance(process.JobStateTranscoding)
	s.publishStage(job)
	stageStart := time.Now()
	doc, err := s.transcoder.Transcode(ctx, job.Path)
	s.metrics.ObserveStage(string(schema.StageTranscoding), time.Since(stageStart))
	if err != nil {
		s.fail(job, log, err)
		return
	}

	_ = job.Advance(process.JobStateConverting)
	s.publishStage(job)
	stageStart = time.Now()
	converted, err := s.converter.Convert(ctx, job.Ref, doc)
	s.metrics.ObserveStage(string(schema.StageConverting), time.Since(stageStart))
	if err != nil {
		s.fail(job, log, err)
		return
	}

	stageStart = time.Now()
	outPath, err := s.writer.Write(job.Ref, converted)
	s.metrics.ObserveStage(string(schema.StageWritten), time.Since(stageStart))
	if err != nil {
		s.fail(job, log, err)
		return
	}
	_ = job.Advance(process.JobStateWritten)
	s.publishStage(job)

	done := s.completion(job)
	done.OutputPath = outPath
	if s.mirror != nil {
		mctx, cancel := context.WithTimeout(ctx, s.cfg.MirrorTimeout)
		key, err := s.mirror.Put(mctx, outPath)
		cancel()
		if err != nil {
			s.metrics.MirrorUploads.WithLabelValues("failed").Inc()
			done.MirrorError = err.Error()
			log.WithError(err).Warn("mirror upload failed")
		} else {
			s.metrics.MirrorUploads.WithLabelValues("ok").Inc()
			done.ObjectKey = key
		}
	}
	s.events.Completed(done)

	s.metrics.JobsTotal.WithLabelValues(metrics.OutcomeWritten).Inc()
	log.WithFields(logger.Fields{
		logger.FieldPath:       outPath,
		logger.FieldDurationMs: job.Duration().Milliseconds(),
	}).Info("job completed")
}

// fail records a failed job and releases its ledger entry so a later
// rediscovery of the same file is processed again.
func (s *Service) fail(job *process.Job, log *logger.Logger, err error) {
	job.Fail(err)
	s.ledger.Release(job.Ref.Name)

	kind := process.KindOf(err)
	outcome := metrics.OutcomeFailed
	if kind == process.KindAbandoned {
		outcome = metrics.OutcomeAbandoned
	}
	s.metrics.JobsTotal.WithLabelValues(outcome).Inc()
	s.metrics.FailuresTotal.WithLabelValues(string(kind)).Inc()
	log.WithError(err).WithFields(logger.Fields{
		"error_kind":           kind,
		"failure_type":         process.Classify(err),
		logger.FieldDurationMs: job.Duration().Milliseconds(),
	}).Error("job failed")

	s.publishStage(job)
	done := s.completion(job)
	done.Error = err.Error()
	done.ErrorKind = string(kind)
	done.FailureType = process.Classify(err)
	s.events.Completed(done)
}

func (s *Service) publishStage(job *process.Job) {
	if ev, ok := job.LastEvent(); ok {
		s.events.Lifecycle(ev)
	}
}

func (s *Service) completion(job *process.Job) schema.ProofConverted {
	return schema.ProofConverted{
		ID:               job.ID,
		SourcePath:       job.Path,
		OriginalFile:     job.Ref.Name,
		StartBlock:       job.Ref.Start,
		EndBlock:         job.Ref.End,
		ProcessingTimeMs: job.Duration().Milliseconds(),
		Lifecycle:        append([]schema.JobLifecycleEvent(nil), job.Lifecycle...),
		HappenedAt:       time.Now().Unix(),
	}
}

func (s *Service) drain(sub *watch.Subscription) error {
	s.setState(StateDraining)

	s.mu.Lock()
	s.shuttingDown.Store(true)
	s.mu.Unlock()
	s.ledger.Close()

	if sub != nil {
		if err := sub.Close(); err != nil {
			s.log.WithError(err).Warn("closing watch failed")
		}
	}
	s.cancelSlots()

	s.log.Info("waiting for accepted jobs to finish")
	s.wg.Wait()

	err := s.converter.Terminate()
	if err != nil {
		s.log.WithError(err).Error("terminating conversion engine failed")
	}
	s.setState(StateStopped)
	return err
}

// waitForStableSize returns once two consecutive stats, interval apart, agree
// on size and modification time.
func waitForStableSize(ctx context.Context, path string, interval time.Duration) error {
	prev, err := os.Stat(path)
	if err != nil {
		return err
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		cur, err := os.Stat(path)
		if err != nil {
			return err
		}
		if cur.Size() == prev.Size() && cur.ModTime().Equal(prev.ModTime()) {
			return nil
		}
		prev = cur
	}
}
