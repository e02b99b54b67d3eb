package gateway

import (
	"log/slog"
	"sync"
)

// Session holds the state needed to resume a gateway session. It's only
// mutated by the [Manager] loop; other goroutines read it via [Session.Snapshot].
type Session struct {
	mu         sync.RWMutex
	defaultURL string
	id         string
	seq        int64
	hasSeq     bool
	resumeURL  string
}

// SessionSnapshot is a point-in-time copy of [Session].
type SessionSnapshot struct {
	ID          string `json:"session_id"`
	Sequence    int64  `json:"sequence"`
	HasSequence bool   `json:"has_sequence"`
	ResumeURL   string `json:"resume_url"`
}

func (s SessionSnapshot) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("session_id", s.ID),
		slog.String("resume_url", s.ResumeURL),
	}
	if s.HasSequence {
		attrs = append(attrs, slog.Int64("sequence", s.Sequence))
	}
	return slog.GroupValue(attrs...)
}

func newSession(defaultURL string) *Session {
	return &Session{defaultURL: defaultURL, resumeURL: defaultURL}
}

// RecordReady stores the session ID and resume URL from a READY dispatch.
// An empty resumeURL leaves the default gateway URL in place.
func (s *Session) RecordReady(sessionID string, resumeURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = sessionID
	if resumeURL != "" {
		s.resumeURL = resumeURL
	} else {
		s.resumeURL = s.defaultURL
	}
}

// RecordSequence sets the last seen sequence number. Values lower than
// the current sequence are ignored, and false is returned.
func (s *Session) RecordSequence(n int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasSeq && n < s.seq {
		return false
	}
	s.seq = n
	s.hasSeq = true
	return true
}

// Reset clears the session, so the next connection identifies fresh
// against the default gateway URL.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	s.seq = 0
	s.hasSeq = false
	s.resumeURL = s.defaultURL
}

// Valid reports whether a session ID is present (a resume is possible).
func (s *Session) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id != ""
}

// Sequence returns the last sequence number, and false if none has been
// seen yet.
func (s *Session) Sequence() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq, s.hasSeq
}

// URL returns the gateway URL the next connection should dial.
func (s *Session) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resumeURL
}

func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionSnapshot{
		ID:          s.id,
		Sequence:    s.seq,
		HasSequence: s.hasSeq,
		ResumeURL:   s.resumeURL,
	}
}
