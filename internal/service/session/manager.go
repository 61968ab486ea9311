// Package session owns per-session affect state and serializes its mutation.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/empath/backend/internal/analysis/fusion"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrSuperseded marks a completion whose request was replaced or cancelled.
	ErrSuperseded = errors.New("reading superseded")
	// ErrStaleReading marks a reading already outside the staleness window.
	ErrStaleReading   = errors.New("reading is stale")
	ErrInvalidReading = errors.New("invalid reading")
	// ErrBusy means a classification for the modality is already in flight.
	ErrBusy = errors.New("classification already in flight")
)

const (
	DefaultHistoryCapacity  = 32
	DefaultPushDelta        = 0.1
	defaultSubscriberBuffer = 16
)

// Config tunes every session created by a Manager.
type Config struct {
	Engine          *fusion.Engine
	HistoryCapacity int
	PushDelta       float64
	Clock           func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Engine == nil {
		c.Engine = fusion.New(fusion.DefaultConfig())
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = DefaultHistoryCapacity
	}
	if c.PushDelta <= 0 {
		c.PushDelta = DefaultPushDelta
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Manager is the registry of live sessions.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty registry.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg.withDefaults(), sessions: make(map[string]*Session)}
}

// Create opens a fresh session. Its context outlives the caller's request and
// is cancelled when the session ends.
func (m *Manager) Create(_ context.Context) *Session {
	s := newSession(uuid.NewString(), m.cfg)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	log.Printf("[session] created session=%s", s.id)
	return s
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// End removes and tears down a session.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.end()
	log.Printf("[session] ended session=%s", id)
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close ends every session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.end()
	}
}
