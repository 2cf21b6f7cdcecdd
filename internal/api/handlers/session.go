// Package handlers provides HTTP handlers for the scan API.
package handlers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/okusuri/go-rxscan/internal/domain/prescription"
	"github.com/okusuri/go-rxscan/internal/observability/metrics"
)

// HistoryLister rehydrates a session's committed history from the durable
// store.
type HistoryLister interface {
	ListBySession(ctx context.Context, sessionID string) ([]*prescription.Prescription, error)
}

// Session binds one workflow to one X-Session-ID.
type Session struct {
	ID       string
	Workflow *prescription.Workflow

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// SessionManager owns the workflows, one per session ID. A session created
// while a durable store is configured is seeded with the history rows
// previously committed under the same ID.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store   HistoryLister
	ids     prescription.IDGenerator
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewSessionManager creates a session manager. store and metrics may be nil.
func NewSessionManager(store HistoryLister, ids prescription.IDGenerator, m *metrics.Metrics, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		sessions: make(map[string]*Session),
		store:    store,
		ids:      ids,
		metrics:  m,
		logger:   logger,
	}
}

// Get returns the session for the given ID, creating and rehydrating it on
// first use.
func (m *SessionManager) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		m.mu.Unlock()
		sess.touch()
		return sess, nil
	}

	sess = &Session{
		ID:       sessionID,
		Workflow: prescription.NewWorkflow(m.ids, m.logger.With(zap.String("session_id", sessionID))),
		lastSeen: time.Now(),
	}
	m.sessions[sessionID] = sess
	count := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Set(float64(count))
	}

	if m.store != nil {
		history, err := m.store.ListBySession(ctx, sessionID)
		if err != nil {
			m.logger.Warn("history rehydration failed, session starts empty",
				zap.String("session_id", sessionID),
				zap.Error(err))
		} else if len(history) > 0 {
			if err := sess.Workflow.Restore(history); err != nil {
				m.logger.Warn("history restore rejected",
					zap.String("session_id", sessionID),
					zap.Error(err))
			} else {
				m.logger.Info("session rehydrated",
					zap.String("session_id", sessionID),
					zap.Int("prescriptions", len(history)))
			}
		}
	}

	return sess, nil
}

// Sweep drops sessions idle longer than maxIdle and returns how many were
// removed. Durable history survives a sweep; the next request under the same
// ID rehydrates it.
func (m *SessionManager) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	removed := 0
	for id, sess := range m.sessions {
		if sess.idleSince().Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Set(float64(count))
	}
	if removed > 0 {
		m.logger.Info("idle sessions swept", zap.Int("removed", removed))
	}
	return removed
}

// SweepLoop runs Sweep on the given interval until ctx is done.
func (m *SessionManager) SweepLoop(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(maxIdle)
		}
	}
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
