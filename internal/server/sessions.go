package server

import (
	"sync"
	"time"

	"github.com/oakheim/docbase/internal/answer"
)

// Session memory bounds.
const (
	maxSessionTurns   = 20
	DefaultSessionTTL = time.Hour
)

type session struct {
	turns    []answer.Turn
	lastUsed time.Time
}

// Sessions is the in-memory conversation store. Sessions that go unused past
// the TTL are dropped by Sweep.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewSessions creates an empty session store.
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*session)}
}

// History returns the conversation so far. An empty session id has no
// memory.
func (s *Sessions) History(sessionID string) []answer.Turn {
	if sessionID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	sess.lastUsed = time.Now()
	out := make([]answer.Turn, len(sess.turns))
	copy(out, sess.turns)
	return out
}

// Append records one question/answer exchange, keeping only the most recent
// turns.
func (s *Sessions) Append(sessionID, question, answerText string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{}
		s.sessions[sessionID] = sess
	}
	sess.turns = append(sess.turns,
		answer.Turn{Role: answer.RoleUser, Content: question},
		answer.Turn{Role: answer.RoleAssistant, Content: answerText},
	)
	if len(sess.turns) > maxSessionTurns {
		sess.turns = sess.turns[len(sess.turns)-maxSessionTurns:]
	}
	sess.lastUsed = time.Now()
}

// Sweep drops sessions idle longer than maxAge and reports how many were
// removed.
func (s *Sessions) Sweep(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, sess := range s.sessions {
		if sess.lastUsed.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
