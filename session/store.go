// Package session implements the engine's session table: explicit
// insertion on first use and eviction by idle timeout.
package session

import (
	"sync"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
)

// Session identifies one ongoing agent interaction and owns its
// conversation state.
type Session struct {
	ID           string
	OwnerID      string
	Conversation *core.Conversation
	Created      time.Time
	lastActive   time.Time
	mu           sync.Mutex
}

// Touch records activity, deferring idle eviction.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// LastActive returns the time of the most recent activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Store is a process-local session table. Sessions are inserted on first
// use and evicted by a background sweep once idle longer than the
// configured timeout. It is safe for concurrent access.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	convOptFns  []func(o *core.ConversationOptions)
	logger      logging.Logger
	stop        chan struct{}
	stopOnce    sync.Once
}

// StoreOptions configures the session table.
type StoreOptions struct {
	// IdleTimeout evicts sessions with no activity for this long
	// (default 30m). Zero disables eviction.
	IdleTimeout time.Duration
	// SweepInterval controls how often the eviction sweep runs
	// (default 1m).
	SweepInterval time.Duration
	// ConversationOptions is applied to every conversation the store creates.
	ConversationOptions []func(o *core.ConversationOptions)
	Logger              logging.Logger
}

// NewStore constructs an empty session table and starts the eviction sweep.
func NewStore(optFns ...func(o *StoreOptions)) *Store {
	opts := StoreOptions{
		IdleTimeout:   30 * time.Minute,
		SweepInterval: time.Minute,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Store{
		sessions:    make(map[string]*Session),
		idleTimeout: opts.IdleTimeout,
		convOptFns:  opts.ConversationOptions,
		logger:      opts.Logger,
		stop:        make(chan struct{}),
	}

	if opts.IdleTimeout > 0 {
		go s.sweep(opts.SweepInterval)
	}

	return s
}

// Ensure returns the session with the given id, creating it on first use.
func (s *Store) Ensure(sessionID, ownerID string) *Session {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		sess.Touch()
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[sessionID]; ok {
		sess.Touch()
		return sess
	}

	now := time.Now()
	sess = &Session{
		ID:           sessionID,
		OwnerID:      ownerID,
		Conversation: core.NewConversation(s.convOptFns...),
		Created:      now,
		lastActive:   now,
	}
	s.sessions[sessionID] = sess
	s.logger.Debug("session.created", "session_id", sessionID)

	return sess
}

// Get returns an existing session without creating one.
func (s *Store) Get(sessionID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// Delete removes a session explicitly.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close stops the eviction sweep.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Store) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

// EvictIdle removes sessions idle longer than the configured timeout and
// returns how many were evicted. Exposed for deterministic tests; the
// background sweep calls it periodically.
func (s *Store) EvictIdle() int { return s.evictIdle() }

func (s *Store) evictIdle() int {
	cutoff := time.Now().Add(-s.idleTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, sess := range s.sessions {
		if sess.LastActive().Before(cutoff) {
			delete(s.sessions, id)
			evicted++
			s.logger.Info("session.evicted", "session_id", id, "idle_timeout", s.idleTimeout.String())
		}
	}
	return evicted
}
