package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tendant/proof-converter/internal/artifact"
	"github.com/tendant/proof-converter/internal/process"
	"github.com/tendant/proof-converter/pkg/schema"
)

type fakeEngine struct {
	current atomic.Int32
	peak    atomic.Int32
	closes  atomic.Int32
	gate    chan struct{}
	fail    func(doc *schema.IntermediateDocument) error
}

func (f *fakeEngine) Convert(ctx context.Context, doc *schema.IntermediateDocument) (json.RawMessage, error) {
	n := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(doc); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(fmt.Sprintf(`{"file":%q}`, doc.Metadata.OriginalFile)), nil
}

func (f *fakeEngine) Close() error {
	f.closes.Add(1)
	return nil
}

func docFor(name string) (artifact.Ref, *schema.IntermediateDocument) {
	doc := &schema.IntermediateDocument{}
	doc.Metadata.OriginalFile = name
	return artifact.Ref{Name: name}, doc
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConvertRespectsSlotLimit(t *testing.T) {
	eng := &fakeEngine{gate: make(chan struct{})}
	d := New(Config{Slots: 2}, eng, nil)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, doc := docFor(fmt.Sprintf("%d-%d.proof", i, i))
			if _, err := d.Convert(context.Background(), ref, doc); err != nil {
				t.Errorf("Convert: %v", err)
			}
		}(i)
	}

	waitFor(t, func() bool { return eng.current.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	if d.Active() != 2 {
		t.Fatalf("Active = %d, want 2", d.Active())
	}
	close(eng.gate)
	wg.Wait()

	if eng.peak.Load() != 2 {
		t.Fatalf("peak concurrency = %d, want 2", eng.peak.Load())
	}
}

func TestConvertFailureIsIsolated(t *testing.T) {
	eng := &fakeEngine{fail: func(doc *schema.IntermediateDocument) error {
		if doc.Metadata.OriginalFile == "1-1.proof" {
			return errors.New("engine crashed")
		}
		return nil
	}}
	d := New(Config{Slots: 1}, eng, nil)

	ref, doc := docFor("1-1.proof")
	_, err := d.Convert(context.Background(), ref, doc)
	if !errors.Is(err, process.ErrConversionFailed) {
		t.Fatalf("expected ErrConversionFailed, got %v", err)
	}

	ref, doc = docFor("2-2.proof")
	out, err := d.Convert(context.Background(), ref, doc)
	if err != nil {
		t.Fatalf("second conversion failed: %v", err)
	}
	if out.OriginalFile != "2-2.proof" || string(out.Payload) != `{"file":"2-2.proof"}` {
		t.Fatalf("unexpected artifact %+v", out)
	}
	if out.ConvertedAt.IsZero() {
		t.Fatal("ConvertedAt not set")
	}
}

func TestConvertTimeout(t *testing.T) {
	eng := &fakeEngine{gate: make(chan struct{})}
	d := New(Config{Slots: 1, Timeout: 50 * time.Millisecond}, eng, nil)

	ref, doc := docFor("1-1.proof")
	_, err := d.Convert(context.Background(), ref, doc)
	if !errors.Is(err, process.ErrConversionFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timed out conversion failure, got %v", err)
	}
}

func TestTerminateWaitsForOccupiedSlots(t *testing.T) {
	eng := &fakeEngine{gate: make(chan struct{})}
	d := New(Config{Slots: 1}, eng, nil)

	done := make(chan error, 1)
	go func() {
		ref, doc := docFor("1-1.proof")
		_, err := d.Convert(context.Background(), ref, doc)
		done <- err
	}()
	waitFor(t, func() bool { return d.Active() == 1 })

	terminated := make(chan struct{})
	go func() {
		_ = d.Terminate()
		close(terminated)
	}()

	select {
	case <-terminated:
		t.Fatal("Terminate returned while a conversion was running")
	case <-time.After(50 * time.Millisecond):
	}
	if eng.closes.Load() != 0 {
		t.Fatal("engine closed before in-flight work finished")
	}

	close(eng.gate)
	if err := <-done; err != nil {
		t.Fatalf("in-flight conversion failed: %v", err)
	}
	<-terminated
	if eng.closes.Load() != 1 {
		t.Fatalf("engine closed %d times, want 1", eng.closes.Load())
	}
}

func TestTerminateIsIdempotentAndRejectsNewWork(t *testing.T) {
	eng := &fakeEngine{}
	d := New(Config{Slots: 2}, eng, nil)

	if err := d.Terminate(); err != nil {
		t.Fatal(err)
	}
	if err := d.Terminate(); err != nil {
		t.Fatal(err)
	}
	if eng.closes.Load() != 1 {
		t.Fatalf("engine closed %d times, want 1", eng.closes.Load())
	}

	ref, doc := docFor("1-1.proof")
	_, err := d.Convert(context.Background(), ref, doc)
	if !errors.Is(err, ErrTerminated) || !errors.Is(err, process.ErrConversionFailed) {
		t.Fatalf("expected terminated conversion failure, got %v", err)
	}
}
