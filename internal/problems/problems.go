// Package problems tracks the current set of warnings and errors surfaced to
// the user during playback. Problems are keyed by a stable string so a
// condition that is detected repeatedly (a bad topic seen on every tick, a
// reconnecting source) overwrites its existing entry instead of accumulating
// duplicates.
package problems

import "sync"

type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Problem is a single degraded condition reported to the user.
type Problem struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Tip      string   `json:"tip,omitempty"`
}

// Manager is a keyed registry of current problems. Safe for concurrent use.
type Manager struct {
	mu    sync.RWMutex
	byKey map[string]Problem
	order []string
}

func NewManager() *Manager {
	return &Manager{byKey: map[string]Problem{}}
}

// Add upserts the problem for key. A re-add of an existing key replaces the
// problem in place and keeps its original position.
func (m *Manager) Add(key string, p Problem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[key]; !ok {
		m.order = append(m.order, key)
	}
	m.byKey[key] = p
}

// Remove drops the problem for key if present.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[key]; !ok {
		return
	}
	delete(m.byKey, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Clear drops every problem.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey = map[string]Problem{}
	m.order = nil
}

// List returns the current problems in first-insertion order.
func (m *Manager) List() []Problem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Problem, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.byKey[k])
	}
	return out
}

// Len returns the number of current problems.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}
