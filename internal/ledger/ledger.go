// Package ledger records which artifacts have been accepted for processing.
// It is the only place that decides whether a file may start a new job.
package ledger

import "sync"

type Ledger struct {
	mu      sync.Mutex
	members map[string]struct{}
	closed  bool
}

func New() *Ledger {
	return &Ledger{members: make(map[string]struct{})}
}

// TryAccept inserts id and returns true, unless id is already a member or the
// ledger has been closed for shutdown.
func (l *Ledger) TryAccept(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	if _, ok := l.members[id]; ok {
		return false
	}
	l.members[id] = struct{}{}
	return true
}

// Release removes id so a later rediscovery of the same file can retry it.
func (l *Ledger) Release(id string) {
	l.mu.Lock()
	delete(l.members, id)
	l.mu.Unlock()
}

// Close stops all further accepts. Existing members are kept.
func (l *Ledger) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *Ledger) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.members[id]
	return ok
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.members)
}
