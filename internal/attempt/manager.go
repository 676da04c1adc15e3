package attempt

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager is the registry of live attempt runtimes on this instance. One
// controller exists per active attempt; finished runtimes are reaped
// periodically.
type Manager struct {
	mu          sync.Mutex
	controllers map[uuid.UUID]*Controller
}

// NewManager creates an empty registry and starts the reaper loop.
func NewManager() *Manager {
	m := &Manager{controllers: make(map[uuid.UUID]*Controller)}
	go m.reapLoop()
	return m
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		m.reap()
	}
}

func (m *Manager) reap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.controllers {
		select {
		case <-c.Done():
			delete(m.controllers, id)
		default:
		}
	}
}

// Get returns the live controller for an attempt, if one is registered.
func (m *Manager) Get(attemptID uuid.UUID) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[attemptID]
	return c, ok
}

// Put registers a controller, returning the existing one instead when the
// attempt already has a live runtime (concurrent opens resolve to one).
func (m *Manager) Put(attemptID uuid.UUID, c *Controller) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.controllers[attemptID]; ok {
		select {
		case <-existing.Done():
			// Stale runtime; replace it.
		default:
			return existing, false
		}
	}
	m.controllers[attemptID] = c
	return c, true
}

// Close tears down and deregisters an attempt's runtime. The persisted
// anchor survives, so the attempt remains resumable. Idempotent.
func (m *Manager) Close(attemptID uuid.UUID) {
	m.mu.Lock()
	c, ok := m.controllers[attemptID]
	if ok {
		delete(m.controllers, attemptID)
	}
	m.mu.Unlock()
	if ok {
		c.Close()
	}
}

// CloseAll tears down every registered runtime; used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	controllers := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		controllers = append(controllers, c)
	}
	m.controllers = make(map[uuid.UUID]*Controller)
	m.mu.Unlock()

	for _, c := range controllers {
		c.Close()
	}
}
