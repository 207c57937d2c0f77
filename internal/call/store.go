package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSessionExists is returned when creating a session for a call ID that
// already has one.
var ErrSessionExists = errors.New("session already exists for call")

// connectTimeout is how long a session may sit in AwaitingConnect before
// the sweep gives up on its connect confirmation ever arriving.
const connectTimeout = 10 * time.Minute

// Store is the process-wide registry of in-flight call sessions, keyed by
// the external call identifier. Terminated sessions linger for a grace
// period so trailing duplicate events are still recognized and discarded,
// then a background sweep evicts them.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	grace    time.Duration
	logger   *slog.Logger
}

// NewStore creates a session store. Terminated sessions are evicted once
// they have been terminal for at least grace.
func NewStore(grace time.Duration, logger *slog.Logger) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		grace:    grace,
		logger:   logger.With("subsystem", "session_store"),
	}
}

// Create registers a new session in AwaitingConnect for an outbound call.
func (s *Store) Create(callID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[callID]; ok {
		return nil, ErrSessionExists
	}
	sess := NewSession(callID)
	s.sessions[callID] = sess
	return sess, nil
}

// GetOrCreate returns the session for a call ID, lazily creating one for
// inbound calls first seen through their connect confirmation. The second
// return value is true if the session was created by this call.
func (s *Store) GetOrCreate(callID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[callID]; ok {
		return sess, false
	}
	sess := NewSession(callID)
	s.sessions[callID] = sess
	return sess, true
}

// Get returns the session for a call ID, if present.
func (s *Store) Get(callID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[callID]
	return sess, ok
}

// ActiveCount returns the number of sessions that have not terminated.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if state, _ := sess.lifecycle(); state != StateTerminated {
			n++
		}
	}
	return n
}

// Len returns the total number of tracked sessions, terminated or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// StartCleanup launches a background sweep that evicts terminated sessions
// past their grace period. It stops when ctx is cancelled.
func (s *Store) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed, abandoned := 0, 0
	for id, sess := range s.sessions {
		state, endedAt := sess.lifecycle()
		switch {
		case state == StateTerminated && now.Sub(endedAt) >= s.grace:
			delete(s.sessions, id)
			removed++
		case state == StateAwaitingConnect && now.Sub(sess.StartedAt) >= connectTimeout:
			// The platform never confirmed the call; without eviction a
			// dial that goes unanswered would be tracked forever.
			delete(s.sessions, id)
			abandoned++
		}
	}
	if removed > 0 || abandoned > 0 {
		s.logger.Debug("evicted sessions",
			"terminated", removed,
			"never_connected", abandoned,
			"remaining", len(s.sessions),
		)
	}
}
