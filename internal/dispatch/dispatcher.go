// Package dispatch bounds how many conversions run against the engine at once.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tendant/proof-converter/internal/artifact"
	"github.com/tendant/proof-converter/internal/engine"
	"github.com/tendant/proof-converter/internal/logger"
	"github.com/tendant/proof-converter/internal/process"
	"github.com/tendant/proof-converter/pkg/schema"
)

var ErrTerminated = errors.New("dispatcher terminated")

type Config struct {
	Slots   int
	Timeout time.Duration
}

// Dispatcher hands documents to the engine through a fixed number of slots.
// Convert blocks while every slot is busy.
type Dispatcher struct {
	engine  engine.Engine
	sem     *semaphore.Weighted
	slots   int
	timeout time.Duration
	log     *logger.Logger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	active   atomic.Int64

	once    sync.Once
	termErr error
}

func New(cfg Config, eng engine.Engine, log *logger.Logger) *Dispatcher {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Dispatcher{
		engine:  eng,
		sem:     semaphore.NewWeighted(int64(cfg.Slots)),
		slots:   cfg.Slots,
		timeout: cfg.Timeout,
		log:     log.Component("dispatcher"),
	}
}

func (d *Dispatcher) Slots() int { return d.slots }

// Active is the number of conversions currently holding a slot.
func (d *Dispatcher) Active() int { return int(d.active.Load()) }

// Convert waits for a free slot and runs one conversion in it. The timeout
// starts once the slot is held.
func (d *Dispatcher) Convert(ctx context.Context, ref artifact.Ref, doc *schema.IntermediateDocument) (*schema.ConvertedArtifact, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, &process.Error{Kind: process.KindConversionFailed, Op: "convert", File: ref.Name, Err: ErrTerminated}
	}
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, &process.Error{Kind: process.KindConversionFailed, Op: "wait for slot", File: ref.Name, Err: err}
	}
	defer d.sem.Release(1)
	d.active.Add(1)
	defer d.active.Add(-1)

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	payload, err := d.engine.Convert(ctx, doc)
	if err != nil {
		return nil, &process.Error{Kind: process.KindConversionFailed, Op: "convert", File: ref.Name, Err: err}
	}
	return &schema.ConvertedArtifact{
		OriginalFile: ref.Name,
		Payload:      payload,
		ConvertedAt:  time.Now().UTC(),
	}, nil
}

// Terminate rejects new conversions, waits for the ones already submitted and
// closes the engine. Later calls return the first call's result.
func (d *Dispatcher) Terminate() error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		d.log.WithField(logger.FieldCount, d.Active()).Info("waiting for in-flight conversions")
		d.inflight.Wait()
		d.termErr = d.engine.Close()
		d.log.Info("engine terminated")
	})
	return d.termErr
}
