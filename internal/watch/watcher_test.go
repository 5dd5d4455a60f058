package watch

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/tendant/proof-converter/internal/artifact"
)

func newTestWatcher(t *testing.T, dir string) *Watcher {
	t.Helper()
	pattern, err := artifact.NewPattern("-", ".proof")
	if err != nil {
		t.Fatal(err)
	}
	return New(dir, pattern, nil)
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBacklogFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"10-20.proof", "2-3.proof", "2-10.proof", ".1-2.proof", "notes.txt", "3-4.result"} {
		touch(t, filepath.Join(dir, name))
	}
	if err := os.Mkdir(filepath.Join(dir, "5-6.proof"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := newTestWatcher(t, dir).Backlog()
	if err != nil {
		t.Fatalf("Backlog returned error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "2-3.proof"),
		filepath.Join(dir, "2-10.proof"),
		filepath.Join(dir, "10-20.proof"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Backlog = %v, want %v", got, want)
	}
}

func TestBacklogMissingDirectory(t *testing.T) {
	if _, err := newTestWatcher(t, filepath.Join(t.TempDir(), "missing")).Backlog(); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestSubscribeDeliversMatchingCreates(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir)
	sub, err := w.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer sub.Close()

	touch(t, filepath.Join(dir, "ignore-me.txt"))
	touch(t, filepath.Join(dir, "100-200.proof"))

	select {
	case path := <-sub.Events():
		if path != filepath.Join(dir, "100-200.proof") {
			t.Fatalf("event path = %s", path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event for created artifact")
	}
}

func TestSubscribeDeliversMovedInFiles(t *testing.T) {
	dir := t.TempDir()
	staging := t.TempDir()
	w := newTestWatcher(t, dir)
	sub, err := w.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	src := filepath.Join(staging, "7-8.proof")
	touch(t, src)
	if err := os.Rename(src, filepath.Join(dir, "7-8.proof")); err != nil {
		t.Fatal(err)
	}

	select {
	case path := <-sub.Events():
		if filepath.Base(path) != "7-8.proof" {
			t.Fatalf("event path = %s", path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event for moved-in artifact")
	}
}

func TestSubscriptionCloseEndsEvents(t *testing.T) {
	sub, err := newTestWatcher(t, t.TempDir()).Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = sub.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestSubscribeMissingDirectory(t *testing.T) {
	if _, err := newTestWatcher(t, filepath.Join(t.TempDir(), "missing")).Subscribe(context.Background()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
