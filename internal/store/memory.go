package store

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Memory is an in-process document store. One mutex serializes every
// write, so two read-modify-write operations on the same document are
// totally ordered — this is the serialization the coin ledger's
// collect path depends on.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]Doc
	watchers map[int]*watcher
	nextID   int
	closed   bool
}

type watcher struct {
	path   string
	prefix bool
	fn     func(Snapshot)
}

func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]Doc),
		watchers: make(map[int]*watcher),
	}
}

func (m *Memory) Get(_ context.Context, path string) (Doc, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	d, ok := m.docs[path]
	if !ok {
		return nil, false, nil
	}
	return deepCopy(d), true, nil
}

func (m *Memory) Set(_ context.Context, path string, doc Doc) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if nd, ok := normalize(doc).(map[string]any); ok {
		m.docs[path] = Doc(nd)
	} else {
		m.docs[path] = Doc{}
	}
	snap, targets := m.snapshotLocked(path)
	m.mu.Unlock()
	notify(snap, targets)
	return nil
}

func (m *Memory) Merge(_ context.Context, path string, fields Doc) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	d, ok := m.docs[path]
	if !ok {
		d = Doc{}
		m.docs[path] = d
	}
	applyMerge(d, fields)
	snap, targets := m.snapshotLocked(path)
	m.mu.Unlock()
	notify(snap, targets)
	return nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.docs[path]; !ok {
		// deleting an absent document is a no-op, not an error
		m.mu.Unlock()
		return nil
	}
	delete(m.docs, path)
	snap, targets := m.snapshotLocked(path)
	m.mu.Unlock()
	notify(snap, targets)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) (map[string]Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]Doc)
	for p, d := range m.docs {
		if strings.HasPrefix(p, prefix) {
			out[p] = deepCopy(d)
		}
	}
	return out, nil
}

func (m *Memory) Watch(path string, fn func(Snapshot)) CancelFunc {
	return m.watch(&watcher{path: path, fn: fn})
}

func (m *Memory) WatchPrefix(prefix string, fn func(Snapshot)) CancelFunc {
	return m.watch(&watcher{path: prefix, prefix: true, fn: fn})
}

func (m *Memory) watch(w *watcher) CancelFunc {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}
	id := m.nextID
	m.nextID++
	m.watchers[id] = w

	// deliver the current state once so late subscribers converge
	var initial []Snapshot
	if w.prefix {
		for p, d := range m.docs {
			if strings.HasPrefix(p, w.path) {
				initial = append(initial, Snapshot{Path: p, Doc: deepCopy(d), Exists: true})
			}
		}
	} else if d, ok := m.docs[w.path]; ok {
		initial = append(initial, Snapshot{Path: w.path, Doc: deepCopy(d), Exists: true})
	}
	m.mu.Unlock()

	for _, snap := range initial {
		w.fn(snap)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
}

// snapshotLocked builds the change snapshot for path and collects the
// watchers it matches. Callbacks run after the lock is released so a
// watcher may re-enter the store.
func (m *Memory) snapshotLocked(path string) (Snapshot, []func(Snapshot)) {
	snap := Snapshot{Path: path}
	if d, ok := m.docs[path]; ok {
		snap.Doc = deepCopy(d)
		snap.Exists = true
	}
	var targets []func(Snapshot)
	for _, w := range m.watchers {
		if w.prefix && strings.HasPrefix(path, w.path) {
			targets = append(targets, w.fn)
		} else if !w.prefix && w.path == path {
			targets = append(targets, w.fn)
		}
	}
	return snap, targets
}

func notify(snap Snapshot, targets []func(Snapshot)) {
	for _, fn := range targets {
		fn(snap)
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.watchers = map[int]*watcher{}
	log.Debug().Str("module", "store.memory").Int("docs", len(m.docs)).Msg("store closed")
	return nil
}
