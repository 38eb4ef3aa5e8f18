package chat

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duckmesh/duckchat/internal/observability"
)

// Registry owns the live sessions. Each session has its own lock so that one
// input is fully processed before the next is accepted.
type Registry struct {
	MaxSessions int
	IdleTTL     time.Duration
	Logger      *slog.Logger
	Clock       func() time.Time
	NewID       func() string

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	mu       sync.Mutex
	session  *Session
	lastUsed time.Time
}

func (r *Registry) ensureDefaults() {
	if r.Clock == nil {
		r.Clock = time.Now
	}
	if r.NewID == nil {
		r.NewID = uuid.NewString
	}
	if r.MaxSessions <= 0 {
		r.MaxSessions = 1000
	}
	if r.IdleTTL <= 0 {
		r.IdleTTL = 30 * time.Minute
	}
	if r.Logger == nil {
		r.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.sessions == nil {
		r.sessions = make(map[string]*entry)
	}
}

func (r *Registry) Create() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureDefaults()

	if len(r.sessions) >= r.MaxSessions {
		return "", ErrTooManySessions
	}
	now := r.Clock()
	id := r.NewID()
	r.sessions[id] = &entry{session: NewSession(id, now), lastUsed: now}
	observability.SetActiveSessions(len(r.sessions))
	return id, nil
}

// With runs fn while holding the session's lock.
func (r *Registry) With(id string, fn func(*Session) error) error {
	r.mu.Lock()
	r.ensureDefaults()
	e, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !r.contains(id, e) {
		return ErrSessionNotFound
	}
	e.lastUsed = r.Clock()
	return fn(e.session)
}

func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureDefaults()

	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	observability.SetActiveSessions(len(r.sessions))
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep evicts sessions idle for longer than IdleTTL. Busy sessions are skipped.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureDefaults()

	evicted := 0
	for id, e := range r.sessions {
		if !e.mu.TryLock() {
			continue
		}
		if now.Sub(e.lastUsed) > r.IdleTTL {
			delete(r.sessions, id)
			evicted++
		}
		e.mu.Unlock()
	}
	if evicted > 0 {
		observability.SetActiveSessions(len(r.sessions))
	}
	return evicted
}

func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	r.mu.Lock()
	r.ensureDefaults()
	r.mu.Unlock()
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if evicted := r.Sweep(r.Clock()); evicted > 0 {
			r.Logger.InfoContext(ctx, "evicted idle sessions", slog.Int("count", evicted))
		}
	}
}

func (r *Registry) contains(id string, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id] == e
}
