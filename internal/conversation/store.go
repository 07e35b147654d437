// Package conversation keeps bounded per-session chat history and usage
// statistics in memory.
package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chat-relay/internal/domain"
)

const (
	defaultMaxHistoryTurns = 10
	maxResponseTimes       = 100
)

// FetchRecentFunc reads up to limit recent platform messages for a session,
// oldest first.
type FetchRecentFunc func(ctx context.Context, limit int) ([]domain.Turn, error)

type session struct {
	history          []domain.Turn
	contextPreloaded bool
	stats            domain.SessionStats
	lastActivity     time.Time

	// exchange serializes append, stream and update for one session.
	exchange sync.Mutex
}

// Store owns every session's history. It is safe for concurrent use; callers
// that need append/stream/update to run as a unit take Lock first.
type Store struct {
	mu           sync.Mutex
	sessions     map[string]*session
	maxTurns     int
	contextDepth int
	now          func() time.Time
	logger       *slog.Logger
}

type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a Store keeping at most 2*maxHistoryTurns entries per
// session and preloading up to contextDepth platform messages.
func NewStore(maxHistoryTurns, contextDepth int, opts ...Option) *Store {
	if maxHistoryTurns <= 0 {
		maxHistoryTurns = defaultMaxHistoryTurns
	}
	if contextDepth < 0 {
		contextDepth = 0
	}
	s := &Store{
		sessions:     make(map[string]*session),
		maxTurns:     maxHistoryTurns,
		contextDepth: contextDepth,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxEntries is the history bound per session.
func (s *Store) MaxEntries() int {
	return 2 * s.maxTurns
}

// get returns the session, creating it lazily. Callers hold s.mu.
func (s *Store) get(id string) *session {
	sess, ok := s.sessions[id]
	if !ok {
		now := s.now()
		sess = &session{
			stats:        domain.SessionStats{StartTime: now},
			lastActivity: now,
		}
		s.sessions[id] = sess
	}
	return sess
}

func (s *Store) bound(history []domain.Turn) []domain.Turn {
	limit := s.MaxEntries()
	if len(history) <= limit {
		return history
	}
	trimmed := make([]domain.Turn, limit)
	copy(trimmed, history[len(history)-limit:])
	return trimmed
}

// Lock acquires the per-session exchange mutex and returns its release func.
// It counts as activity so that Sweep does not evict a session about to be
// used.
func (s *Store) Lock(id string) func() {
	s.mu.Lock()
	sess := s.get(id)
	sess.lastActivity = s.now()
	s.mu.Unlock()
	sess.exchange.Lock()
	return sess.exchange.Unlock
}

// Append inserts turn at the tail, discarding the oldest entries beyond the
// bound.
func (s *Store) Append(id string, turn domain.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(id)
	sess.history = s.bound(append(sess.history, turn))
	sess.lastActivity = s.now()
}

// History returns a copy of the session history.
func (s *Store) History(id string) []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	return append([]domain.Turn(nil), sess.history...)
}

// PreloadContextIfNeeded seeds an empty session with recent platform
// messages exactly once. A fetch failure leaves the flag unset so a later
// exchange may try again.
func (s *Store) PreloadContextIfNeeded(ctx context.Context, id string, fetch FetchRecentFunc) {
	if fetch == nil || s.contextDepth <= 0 {
		return
	}
	s.mu.Lock()
	sess := s.get(id)
	if len(sess.history) > 0 || sess.contextPreloaded {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	turns, err := fetch(ctx, s.contextDepth)
	if err != nil {
		s.logger.Warn("context preload failed", "session", id, "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.contextPreloaded {
		return
	}
	merged := make([]domain.Turn, 0, len(turns)+len(sess.history))
	merged = append(merged, turns...)
	merged = append(merged, sess.history...)
	sess.history = s.bound(merged)
	sess.contextPreloaded = true
}

// DropLastExchange removes up to two trailing user/assistant turns and
// reports how many were removed.
func (s *Store) DropLastExchange(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return 0
	}
	removed := 0
	for removed < 2 && len(sess.history) > 0 {
		last := sess.history[len(sess.history)-1]
		if last.Role != domain.RoleUser && last.Role != domain.RoleAssistant {
			break
		}
		sess.history = sess.history[:len(sess.history)-1]
		removed++
	}
	return removed
}

// DropPendingUser removes the trailing turn only when it is a user turn.
func (s *Store) DropPendingUser(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || len(sess.history) == 0 {
		return false
	}
	if sess.history[len(sess.history)-1].Role != domain.RoleUser {
		return false
	}
	sess.history = sess.history[:len(sess.history)-1]
	return true
}

// Clear empties history, re-arms the preload flag and resets stats.
func (s *Store) Clear(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(id)
	sess.history = nil
	sess.contextPreloaded = false
	sess.stats = domain.SessionStats{StartTime: s.now()}
}

// Update records one completed exchange.
func (s *Store) Update(id, userText, assistantText string, elapsedSeconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(id)
	now := s.now()
	st := &sess.stats
	st.TotalMessages += 2
	st.EstimatedTokens += EstimateTokens(userText) + EstimateTokens(assistantText)
	st.ResponseTimes = append(st.ResponseTimes, elapsedSeconds)
	if over := len(st.ResponseTimes) - maxResponseTimes; over > 0 {
		st.ResponseTimes = append([]float64(nil), st.ResponseTimes[over:]...)
	}
	st.LastMessageTime = &now
	sess.lastActivity = now
}

// Stats returns a copy of the session statistics.
func (s *Store) Stats(id string) domain.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id).stats.Clone()
}

func (s *Store) ResetStats(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(id).stats = domain.SessionStats{StartTime: s.now()}
}

// StatsSnapshot copies the stats of every session that has recorded at
// least one exchange.
func (s *Store) StatsSnapshot() map[string]domain.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.SessionStats, len(s.sessions))
	for id, sess := range s.sessions {
		if sess.stats.TotalMessages == 0 {
			continue
		}
		out[id] = sess.stats.Clone()
	}
	return out
}

// RestoreStats installs previously persisted stats. History is untouched.
func (s *Store) RestoreStats(stats map[string]domain.SessionStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range stats {
		sess := s.get(id)
		sess.stats = st.Clone()
		if st.LastMessageTime != nil {
			sess.lastActivity = *st.LastMessageTime
		}
	}
}

// Sweep evicts sessions idle for longer than threshold and returns their ids.
// Sessions with an exchange in flight are kept.
func (s *Store) Sweep(threshold time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-threshold)
	var evicted []string
	for id, sess := range s.sessions {
		if !sess.lastActivity.Before(cutoff) {
			continue
		}
		if !sess.exchange.TryLock() {
			continue
		}
		sess.exchange.Unlock()
		delete(s.sessions, id)
		evicted = append(evicted, id)
	}
	return evicted
}

// EstimateTokens is a rough len/4 estimate, not a tokenizer count.
func EstimateTokens(text string) int {
	return len(text) / 4
}
