// Package registry implements the process-wide session directory: a
// concurrent map of session_id -> *session.Session with admission
// control and orphan reaping, grounded in the same
// sync.RWMutex-guarded-map plus background-sweep shape
// loqalabs-loqa-core's capability.Registry uses for its node directory.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/wstts/gateway/internal/logx"
	"github.com/wstts/gateway/internal/session"
	"golang.org/x/time/rate"
)

var (
	// ErrDuplicateSession is returned by Create when session_id is
	// already active, per spec.md §4.6 ("fails if duplicate active").
	ErrDuplicateSession = errors.New("registry: session_id already active")
	// ErrSessionNotFound is returned by Lookup/Adopt when session_id
	// isn't known, or is already gone.
	ErrSessionNotFound = errors.New("registry: session not found")
	// ErrNotOrphan is returned by Adopt when the session exists but
	// isn't ORPHAN — resume is only valid against an orphaned session.
	ErrNotOrphan = errors.New("registry: session is not orphaned")
	// ErrCapacityExhausted is returned by Admit when a cap is hit.
	ErrCapacityExhausted = errors.New("registry: capacity exhausted")
)

// entry pairs a Session with the bookkeeping the registry needs that
// doesn't belong on Session itself: which API key owns it (for the
// per-key cap) and when it became ORPHAN (for grace-window reaping).
type entry struct {
	sess       *session.Session
	apiKey     string
	orphanedAt time.Time
}

// Config holds the registry's admission-control tunables, sourced from
// SPEC_FULL.md §6 / config.Config.
type Config struct {
	MaxSessions         int
	MaxSessionsPerKey   int
	AdmissionsPerSecond float64
	ResumeGrace         time.Duration
}

// Registry is the process-wide session directory. All methods are safe
// for concurrent use.
type Registry struct {
	cfg Config
	log *logx.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
	perKey   map[string]int

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	stop chan struct{}
	done chan struct{}
}

// New constructs a Registry. Call Reap in a background goroutine (or
// let it be driven by StartReaper) to sweep expired orphans.
func New(cfg Config, log *logx.Logger) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1000
	}
	if cfg.MaxSessionsPerKey <= 0 {
		cfg.MaxSessionsPerKey = 50
	}
	if cfg.AdmissionsPerSecond <= 0 {
		cfg.AdmissionsPerSecond = 5
	}
	if cfg.ResumeGrace <= 0 {
		cfg.ResumeGrace = 30 * time.Second
	}
	return &Registry{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*entry),
		perKey:   make(map[string]int),
		limiters: make(map[string]*rate.Limiter),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Admit enforces admission control for a new session from apiKey,
// ahead of Create: the global cap, the per-key cap, and a per-key
// token-bucket rate limiter so a key opening sessions faster than
// AdmissionsPerSecond is rejected before any session is allocated.
// apiKey may be "" when auth is disabled; the caps and limiter still
// apply, keyed on the empty string, which simply becomes a shared
// bucket for all anonymous connections.
func (r *Registry) Admit(apiKey string) error {
	if !r.limiterFor(apiKey).Allow() {
		return ErrCapacityExhausted
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sessions) >= r.cfg.MaxSessions {
		return ErrCapacityExhausted
	}
	if r.perKey[apiKey] >= r.cfg.MaxSessionsPerKey {
		return ErrCapacityExhausted
	}
	return nil
}

func (r *Registry) limiterFor(apiKey string) *rate.Limiter {
	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()
	l, ok := r.limiters[apiKey]
	if !ok {
		// Burst tracks the configured rate (min 1) rather than a flat 1,
		// so a generous AdmissionsPerSecond doesn't also impose a
		// surprise one-at-a-time bottleneck on bursty legitimate traffic.
		burst := int(r.cfg.AdmissionsPerSecond)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(r.cfg.AdmissionsPerSecond), burst)
		r.limiters[apiKey] = l
	}
	return l
}

// Create registers a new Session under sess.ID, attributing it to
// apiKey for the per-key cap. Fails with ErrDuplicateSession if the ID
// is already active — Admit does not reserve a slot, so a caller must
// treat a Create failure as a race loss, not a capacity problem.
func (r *Registry) Create(sess *session.Session, apiKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[sess.ID]; exists {
		return ErrDuplicateSession
	}
	r.sessions[sess.ID] = &entry{sess: sess, apiKey: apiKey}
	r.perKey[apiKey]++
	return nil
}

// Lookup returns the Session for id, or ErrSessionNotFound.
func (r *Registry) Lookup(id string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e.sess, nil
}

// MarkOrphan records that id's transport is gone, starting its grace
// timer. It does not itself transition the Session's state — the
// caller (the pipeline, observing a write/read failure) owns that via
// session.Session.Transition; MarkOrphan only starts the registry-side
// clock Reap checks.
func (r *Registry) MarkOrphan(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	e.orphanedAt = time.Now()
	return nil
}

// Adopt reattaches a new transport to an orphaned session, rejecting
// the attempt atomically if the session isn't currently ORPHAN — two
// concurrent resume attempts for the same session_id must not both
// succeed.
func (r *Registry) Adopt(id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	// A cleared orphanedAt marks a session an earlier Adopt already took;
	// its state stays ORPHAN until the resume handler transitions it.
	if e.sess.State() != session.StateOrphan || e.orphanedAt.IsZero() {
		return nil, ErrNotOrphan
	}
	e.orphanedAt = time.Time{}
	return e.sess, nil
}

// Remove drops id from the registry, releasing its per-key admission
// slot. Called once a session reaches CLOSED.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	r.perKey[e.apiKey]--
	if r.perKey[e.apiKey] <= 0 {
		delete(r.perKey, e.apiKey)
	}
}

// Len reports the number of currently registered sessions, active or
// orphaned, for the /healthz and metrics snapshot.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Reap sweeps once for orphans whose grace window has expired,
// transitioning each to CLOSED and removing it from the registry.
// Safe to call directly (e.g. from a test) or let StartReaper drive it
// on a ticker.
func (r *Registry) Reap() {
	now := time.Now()

	r.mu.Lock()
	var expired []string
	for id, e := range r.sessions {
		if e.sess.State() != session.StateOrphan || e.orphanedAt.IsZero() {
			continue
		}
		if now.Sub(e.orphanedAt) >= r.cfg.ResumeGrace {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.mu.RLock()
		e, ok := r.sessions[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if err := e.sess.Transition(session.StateClosed, "resume grace expired"); err != nil {
			r.log.Warn("reap: transition to CLOSED failed", "session_id", id, "error", err.Error())
		}
		r.Remove(id)
		r.log.Info("reaped expired orphan", "session_id", id)
	}
}

// StartReaper runs Reap on interval until Stop is called.
func (r *Registry) StartReaper(interval time.Duration) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Reap()
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the background reaper started by StartReaper and waits
// for it to exit.
func (r *Registry) Stop() {
	close(r.stop)
	<-r.done
}
