// Package watch finds proof artifacts in the input directory, both those
// already present at startup and those created while the service runs.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tendant/proof-converter/internal/artifact"
	"github.com/tendant/proof-converter/internal/logger"
)

type Watcher struct {
	dir     string
	pattern *artifact.Pattern
	log     *logger.Logger

	// OnError, when set, is called for every error the live watch reports.
	OnError func(error)
}

func New(dir string, pattern *artifact.Pattern, log *logger.Logger) *Watcher {
	if log == nil {
		log = logger.Discard()
	}
	return &Watcher{dir: dir, pattern: pattern, log: log.Component("watcher")}
}

// Backlog returns the absolute paths of matching regular files in the input
// directory, ordered by block range.
func (w *Watcher) Backlog() ([]string, error) {
	dir, err := filepath.Abs(w.dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	refs := make([]artifact.Ref, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		ref, err := w.pattern.Parse(entry.Name())
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End < b.End
		}
		return a.Name < b.Name
	})

	paths := make([]string, len(refs))
	for i, ref := range refs {
		paths[i] = filepath.Join(dir, ref.Name)
	}
	return paths, nil
}

// Subscription delivers paths of matching files created in the directory.
type Subscription struct {
	fw     *fsnotify.Watcher
	events chan string
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	err    error
}

// Subscribe starts watching the directory. Events are queued without bound
// until read, so a slow consumer never stalls the kernel watch.
func (w *Watcher) Subscribe(ctx context.Context) (*Subscription, error) {
	dir, err := filepath.Abs(w.dir)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	s := &Subscription{
		fw:     fw,
		events: make(chan string),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.run(ctx, s)
	w.log.WithField(logger.FieldPath, dir).Info("watching for new artifacts")
	return s, nil
}

func (w *Watcher) run(ctx context.Context, s *Subscription) {
	defer close(s.done)
	defer close(s.events)

	var queue []string
	for {
		var out chan string
		var next string
		if len(queue) > 0 {
			out = s.events
			next = queue[0]
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case out <- next:
			queue = queue[1:]
		case ev, ok := <-s.fw.Events:
			if !ok {
				return
			}
			if path, ok := w.accept(ev); ok {
				queue = append(queue, path)
			}
		case err, ok := <-s.fw.Errors:
			if !ok {
				return
			}
			entry := w.log.WithError(err)
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				entry.Warn("watch queue overflowed; some new files may need a restart to be picked up")
			} else {
				entry.Error("watch error")
			}
			if w.OnError != nil {
				w.OnError(err)
			}
		}
	}
}

func (w *Watcher) accept(ev fsnotify.Event) (string, bool) {
	if !ev.Has(fsnotify.Create) {
		return "", false
	}
	name := filepath.Base(ev.Name)
	if !w.pattern.Match(name) {
		w.log.WithField(logger.FieldFile, name).Debug("ignoring non-artifact file")
		return "", false
	}
	info, err := os.Lstat(ev.Name)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return ev.Name, true
}

// Events yields absolute paths. It is closed when the subscription stops.
func (s *Subscription) Events() <-chan string { return s.events }

// Close stops the watch. Undelivered events are dropped.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		s.err = s.fw.Close()
	})
	return s.err
}
