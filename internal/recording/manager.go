package recording

import (
	"sync"

	"github.com/acolita/tuibridge/internal/ports"
)

// Manager creates and tracks one recorder per session.
type Manager struct {
	mu        sync.RWMutex
	recorders map[string]*Recorder
	dir       string
	enabled   bool
	fs        ports.FileSystem
	clock     ports.Clock
}

// NewManager creates a new recording manager.
func NewManager(dir string, enabled bool, fs ports.FileSystem, clock ports.Clock) *Manager {
	return &Manager{
		recorders: make(map[string]*Recorder),
		dir:       dir,
		enabled:   enabled,
		fs:        fs,
		clock:     clock,
	}
}

// Enabled reports whether sessions are recorded.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Start begins recording a session. It returns nil, nil when recording is disabled.
func (m *Manager) Start(sessionID string, meta Meta) (*Recorder, error) {
	if !m.enabled {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.recorders[sessionID]; ok {
		existing.Close()
	}

	recorder, err := NewRecorder(m.dir, sessionID, meta, m.fs, m.clock)
	if err != nil {
		return nil, err
	}
	m.recorders[sessionID] = recorder
	return recorder, nil
}

// Stop closes and forgets the recorder of a session.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if recorder, ok := m.recorders[sessionID]; ok {
		delete(m.recorders, sessionID)
		return recorder.Close()
	}
	return nil
}

// Path returns the recording file of a session, or "" if it is not recorded.
func (m *Manager) Path(sessionID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if recorder, ok := m.recorders[sessionID]; ok {
		return recorder.Path()
	}
	return ""
}

// CloseAll closes all recorders.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, recorder := range m.recorders {
		recorder.Close()
		delete(m.recorders, id)
	}
}
