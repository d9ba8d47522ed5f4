package engine

import (
	"context"
	"sync"
)

// memStore is an in-memory Store used by the engine tests. It mirrors the
// SQLite store's semantics: staged and committed records per key, and atomic
// promotion that clears all candidates.
type memStore struct {
	mu         sync.Mutex
	memos      map[string]map[string]*MemoEntry   // app -> site
	tracked    map[string]map[string]*trackedSlot // app -> path+key
	components map[string]map[string]string       // app -> path -> parent
}

type trackedSlot struct {
	path      string
	key       string
	committed []TrackingRecord
	staged    []TrackingRecord
}

func newMemStore() *memStore {
	return &memStore{
		memos:      make(map[string]map[string]*MemoEntry),
		tracked:    make(map[string]map[string]*trackedSlot),
		components: make(map[string]map[string]string),
	}
}

func slotKey(path, key string) string { return path + "\x1f" + key }

func (m *memStore) GetMemo(_ context.Context, app, site string) (*MemoEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.memos[app][site]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) PutMemo(_ context.Context, app string, entry *MemoEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memos[app] == nil {
		m.memos[app] = make(map[string]*MemoEntry)
	}
	cp := *entry
	m.memos[app][entry.Site] = &cp
	return nil
}

func (m *memStore) GetTracked(_ context.Context, app, componentPath, key string) (*TrackedTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.tracked[app][slotKey(componentPath, key)]
	if !ok {
		return nil, nil
	}
	return s.view(), nil
}

func (s *trackedSlot) view() *TrackedTarget {
	return &TrackedTarget{
		ComponentPath: s.path,
		Key:           s.key,
		Records:       append([]TrackingRecord(nil), s.committed...),
		Staged:        append([]TrackingRecord(nil), s.staged...),
	}
}

func (m *memStore) ListTracked(_ context.Context, app, componentPath string) ([]TrackedTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TrackedTarget
	for _, s := range m.tracked[app] {
		if s.path == componentPath {
			out = append(out, *s.view())
		}
	}
	return out, nil
}

func (m *memStore) ListAllTracked(_ context.Context, app string) ([]TrackedTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TrackedTarget
	for _, s := range m.tracked[app] {
		out = append(out, *s.view())
	}
	return out, nil
}

func (m *memStore) StageTracking(_ context.Context, app, componentPath, key string, rec TrackingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tracked[app] == nil {
		m.tracked[app] = make(map[string]*trackedSlot)
	}
	sk := slotKey(componentPath, key)
	s, ok := m.tracked[app][sk]
	if !ok {
		s = &trackedSlot{path: componentPath, key: key}
		m.tracked[app][sk] = s
	}
	s.staged = append(s.staged, rec)
	return nil
}

func (m *memStore) PromoteTracking(_ context.Context, app, componentPath, key string, rec *TrackingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sk := slotKey(componentPath, key)
	if rec == nil {
		delete(m.tracked[app], sk)
		return nil
	}
	if m.tracked[app] == nil {
		m.tracked[app] = make(map[string]*trackedSlot)
	}
	m.tracked[app][sk] = &trackedSlot{
		path:      componentPath,
		key:       key,
		committed: []TrackingRecord{*rec},
	}
	return nil
}

func (m *memStore) PutComponent(_ context.Context, app, path, parentPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.components[app] == nil {
		m.components[app] = make(map[string]string)
	}
	m.components[app][path] = parentPath
	return nil
}

func (m *memStore) DeleteComponent(_ context.Context, app, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.components[app], path)
	return nil
}

func (m *memStore) ListChildComponents(_ context.Context, app, parentPath string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p, parent := range m.components[app] {
		if parent == parentPath {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) ListApps(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for a := range m.memos {
		seen[a] = true
	}
	for a := range m.tracked {
		seen[a] = true
	}
	for a := range m.components {
		seen[a] = true
	}
	var out []string
	for a := range seen {
		out = append(out, a)
	}
	return out, nil
}

func (m *memStore) DropApp(_ context.Context, app string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.memos, app)
	delete(m.tracked, app)
	delete(m.components, app)
	return nil
}
