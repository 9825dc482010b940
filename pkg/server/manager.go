package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SessionManager tracks every live and detached session. Detached sessions
// are destroyed after the grace window by the cleanup loop, which is what
// guarantees a closed session's presence entries are cleaned up exactly
// once even after an abrupt disconnect.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	config      *SessionConfig
	maxSessions int

	// onExpired destroys a session whose grace window lapsed. Wired by the
	// server to the full cleanup path.
	onExpired func(*Session)

	cleanupInterval time.Duration
	done            chan struct{}
	cleanupDone     chan struct{}

	logger *slog.Logger
}

// NewSessionManager creates a manager and starts its cleanup loop.
func NewSessionManager(config *SessionConfig, maxSessions int, onExpired func(*Session), logger *slog.Logger) *SessionManager {
	if config == nil {
		config = DefaultSessionConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	sm := &SessionManager{
		sessions:        make(map[string]*Session),
		config:          config,
		maxSessions:     maxSessions,
		onExpired:       onExpired,
		cleanupInterval: 15 * time.Second,
		done:            make(chan struct{}),
		cleanupDone:     make(chan struct{}),
		logger:          logger.With("component", "session_manager"),
	}
	go sm.cleanupLoop()
	return sm
}

// Add registers a new session, enforcing the session limit.
func (sm *SessionManager) Add(s *Session) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		return ErrMaxSessionsReached
	}
	sm.sessions[s.ID] = s
	return nil
}

// Get returns a session by id, or nil.
func (sm *SessionManager) Get(id string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[id]
}

// Remove drops a session from the manager. The caller owns the rest of the
// teardown.
func (sm *SessionManager) Remove(id string) {
	sm.mu.Lock()
	delete(sm.sessions, id)
	sm.mu.Unlock()
}

// Count returns the number of tracked sessions, attached or detached.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Detach marks a session's connection as lost, starting the grace window.
// A stale detach (the session already reattached a newer connection) is
// ignored.
func (sm *SessionManager) Detach(s *Session, conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn.Close()
	s.detachedAt = time.Now()
	s.mu.Unlock()
	sm.logger.Info("session detached", "session_id", s.ID, "grace_window", sm.config.GraceWindow)
}

// Resume reattaches conn to a resumable session. It fails when the id is
// unknown, the session was destroyed, or the grace window lapsed.
func (sm *SessionManager) Resume(id, userID string, conn *websocket.Conn) (*Session, error) {
	s := sm.Get(id)
	if s == nil || s.closed.Load() {
		return nil, ErrSessionNotFound
	}
	if s.UserID != userID {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.detachedAt.IsZero() && time.Since(s.detachedAt) > sm.config.GraceWindow {
		return nil, ErrSessionNotFound
	}
	// Replace any previous connection; a half-open one will fail its read
	// and the stale detach is ignored.
	if s.conn != nil && s.conn != conn {
		s.conn.Close()
	}
	s.conn = conn
	s.detachedAt = time.Time{}
	return s, nil
}

// cleanupLoop destroys detached sessions whose grace window lapsed.
func (sm *SessionManager) cleanupLoop() {
	defer close(sm.cleanupDone)
	ticker := time.NewTicker(sm.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sm.expireDetached()
		case <-sm.done:
			return
		}
	}
}

func (sm *SessionManager) expireDetached() {
	now := time.Now()

	sm.mu.RLock()
	var expired []*Session
	for _, s := range sm.sessions {
		s.mu.Lock()
		lapsed := !s.detachedAt.IsZero() && now.Sub(s.detachedAt) > sm.config.GraceWindow
		s.mu.Unlock()
		if lapsed {
			expired = append(expired, s)
		}
	}
	sm.mu.RUnlock()

	for _, s := range expired {
		sm.logger.Info("session grace window lapsed", "session_id", s.ID)
		if sm.onExpired != nil {
			sm.onExpired(s)
		}
	}
}

// Shutdown stops the cleanup loop and destroys every session.
func (sm *SessionManager) Shutdown() {
	close(sm.done)
	<-sm.cleanupDone

	sm.mu.RLock()
	all := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		all = append(all, s)
	}
	sm.mu.RUnlock()

	for _, s := range all {
		if sm.onExpired != nil {
			sm.onExpired(s)
		}
	}
}
