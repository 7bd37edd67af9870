package trigger

import (
	"log"
	"sync"
)

// Callback receives the context that made a trigger fire plus whatever
// payload the trigger published (nil when it publishes nothing).
type Callback func(ctx *Context, payload any)

// Manager runs a bank of triggers over every observation and dispatches
// action callbacks. One-shot triggers fire at most once per (name,
// action) pair until Reset.
type Manager struct {
	mu        sync.Mutex
	triggers  []Trigger
	callbacks map[Action][]Callback
	fired     map[string]struct{}
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{
		callbacks: make(map[Action][]Callback),
		fired:     make(map[string]struct{}),
	}
}

// Add appends triggers to the bank. Check order follows Add order.
func (m *Manager) Add(ts ...Trigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers = append(m.triggers, ts...)
}

// On registers a callback for an action.
func (m *Manager) On(action Action, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[action] = append(m.callbacks[action], cb)
}

// Check runs every enabled trigger against the context and invokes the
// callbacks of each one that fires. Returns the number of triggers that
// fired.
func (m *Manager) Check(ctx *Context) int {
	m.mu.Lock()
	triggers := make([]Trigger, len(m.triggers))
	copy(triggers, m.triggers)
	m.mu.Unlock()

	fired := 0
	for _, t := range triggers {
		if !t.Enabled() || !t.Check(ctx) {
			continue
		}
		key := t.Name() + "/" + string(t.Action())

		m.mu.Lock()
		if t.Once() {
			if _, done := m.fired[key]; done {
				m.mu.Unlock()
				continue
			}
			m.fired[key] = struct{}{}
		}
		cbs := make([]Callback, len(m.callbacks[t.Action()]))
		copy(cbs, m.callbacks[t.Action()])
		m.mu.Unlock()

		fired++
		if len(cbs) == 0 {
			log.Printf("[Trigger] %s fired %s with no callbacks", t.Name(), t.Action())
			continue
		}
		payload := t.Payload()
		for _, cb := range cbs {
			cb(ctx, payload)
		}
	}
	return fired
}

// Reset clears the one-shot fired set so every trigger may fire again.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fired = make(map[string]struct{})
}
