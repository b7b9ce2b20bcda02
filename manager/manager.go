// Package manager handles session lifecycle across concurrent conversations.
//
// Each conversation gets its own Session with isolated ledger, consent and
// routing state. The manager owns the id-to-session map; sessions never learn
// about each other.
package manager

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/zhubert/veil-core/config"
	"github.com/zhubert/veil-core/logger"
	"github.com/zhubert/veil-core/session"
)

// SessionFactory creates a session. Tests inject fakes here.
type SessionFactory func(cfg *config.Config, prompt session.ConsentPrompter) *session.Session

// Manager owns the live sessions. Safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	cfg      *config.Config
	sessions map[string]*session.Session
	factory  SessionFactory
	prompt   session.ConsentPrompter
	log      *slog.Logger
}

// New creates a manager. prompt is handed to every session it creates.
func New(cfg *config.Config, prompt session.ConsentPrompter) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*session.Session),
		factory:  session.New,
		prompt:   prompt,
		log:      logger.WithComponent("manager"),
	}
}

// Create starts a new session and registers it under its id.
func (m *Manager) Create() *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.factory(m.cfg, m.prompt)
	m.sessions[s.ID()] = s
	m.log.Info("session registered", "sessionID", s.ID(), "count", len(m.sessions))
	return s
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove closes a session and forgets it. Removing an unknown id is a no-op.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		s.Close()
		m.log.Info("session removed", "sessionID", id)
	}
}

// List returns the registered session ids, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SetConfig replaces the configuration used for sessions created from now
// on. Existing sessions keep their endpoints; they pick up changes through
// their own config watchers.
func (m *Manager) SetConfig(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// CloseAll closes every session and empties the registry.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session.Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	m.log.Info("all sessions closed", "count", len(sessions))
}
