package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vec-tools/toolhub/internal/authz"
	"go.uber.org/zap"
)

const sweepInterval = time.Minute

// Manager owns the live sessions, keyed by opaque token. Sessions are
// created on login, destroyed on logout, and swept after their TTL.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	logger   *zap.Logger
	done     chan struct{}
	swept    chan struct{}
}

// NewManager creates a Manager and starts its expiry sweeper.
func NewManager(ttl time.Duration, logger *zap.Logger) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		logger:   logger,
		done:     make(chan struct{}),
		swept:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Create registers a new session for the authenticated identity and returns
// it. The token is the caller's bearer credential for subsequent requests.
func (m *Manager) Create(identity authz.Identity) *Session {
	s := &Session{
		Token:     uuid.NewString(),
		Identity:  identity,
		expiresAt: time.Now().Add(m.ttl),
	}
	m.mu.Lock()
	m.sessions[s.Token] = s
	m.mu.Unlock()
	return s
}

// Lookup resolves a token to its session. Expired sessions are destroyed on
// access and reported as absent.
func (m *Manager) Lookup(token string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[token]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.expired(time.Now()) {
		m.Destroy(token)
		return nil, false
	}
	return s, true
}

// Destroy removes a session, canceling any in-flight run.
func (m *Manager) Destroy(token string) {
	m.mu.Lock()
	s, ok := m.sessions[token]
	delete(m.sessions, token)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// DestroyForUser removes every session belonging to a user id. Called when
// an administrator deletes the account.
func (m *Manager) DestroyForUser(userID int64) {
	m.mu.Lock()
	var victims []*Session
	for token, s := range m.sessions {
		if s.Identity.UserID == userID {
			victims = append(victims, s)
			delete(m.sessions, token)
		}
	}
	m.mu.Unlock()
	for _, s := range victims {
		s.Close()
	}
}

// Close stops the sweeper. Live sessions are dropped with the process.
func (m *Manager) Close() {
	close(m.done)
	<-m.swept
}

func (m *Manager) sweepLoop() {
	defer close(m.swept)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	m.mu.Lock()
	var expired []*Session
	for token, s := range m.sessions {
		if s.expired(now) {
			expired = append(expired, s)
			delete(m.sessions, token)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.Close()
	}
	if len(expired) > 0 {
		m.logger.Info("swept expired sessions", zap.Int("count", len(expired)))
	}
}
