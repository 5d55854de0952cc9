// Package session implements the per-connection state machine, chunk
// retention, and task-pair orchestration of spec.md §3-§5: a Session
// owns the AudioSpec negotiation, the synthesis/send task pair, and the
// bookkeeping (chunk_seq, unit_index, retention ring, cancellation
// latch) that governs a single client's stream from start to tts_end.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wstts/gateway/internal/audio"
	"github.com/wstts/gateway/internal/logx"
)

// State is one of the session lifecycle states spec.md §4.3 names.
type State string

const (
	StateIdle       State = "IDLE"
	StateRunning    State = "RUNNING"
	StateDraining   State = "DRAINING"
	StateCancelling State = "CANCELLING"
	StateClosed     State = "CLOSED"
	StateOrphan     State = "ORPHAN"
)

// validTransitions enumerates the edges spec.md §4.3 allows. Anything
// not listed here is rejected by Transition.
var validTransitions = map[State]map[State]bool{
	StateIdle:       {StateRunning: true, StateCancelling: true, StateOrphan: true},
	StateRunning:    {StateDraining: true, StateCancelling: true, StateOrphan: true},
	StateDraining:   {StateClosed: true, StateCancelling: true, StateOrphan: true},
	StateCancelling: {StateClosed: true},
	StateOrphan:     {StateRunning: true, StateDraining: true, StateClosed: true, StateCancelling: true},
	StateClosed:     {},
}

// TransitionHook is invoked after every successful state transition, for
// audit-ledger and event-bus publication. Both are best-effort: a hook
// that errors or panics never blocks or reverts the transition. A panic
// is recovered and logged by the Session; hooks log their own errors.
type TransitionHook func(sessionID string, from, to State, reason string)

// Session is the unit of work spec.md §3 describes. Its counters and
// retention ring are mutated only by the owning synthesis task. Its
// state is moved mostly by the synthesis task; the send task moves it to
// ORPHAN on a write failure, and the gateway and registry move it on
// resume and on grace expiry.
type Session struct {
	ID string

	Declared   audio.Spec // what the client asked for
	Negotiated audio.Spec // what is actually emitted (== Declared, since the core never resamples)

	LastAckedUnitIndex int

	CreatedAt time.Time
	UpdatedAt time.Time

	Retention *RetentionRing

	mu    sync.Mutex
	state State

	chunkSeq  int64
	serverSeq int64

	cancelled atomic.Bool
	cancelCh  chan struct{}
	closeOnce sync.Once

	orphanCh   chan struct{}
	orphanOnce sync.Once
	preOrphan  State // state to resume into, captured on the edge into ORPHAN

	pipelineMu     sync.Mutex
	activePipeline *Pipeline // the Pipeline currently (or most recently) bound to this Session, for Rebind on resume

	onTransition TransitionHook
	log          *logx.Logger
}

// bindPipeline records p as the Session's active Pipeline. Called by
// NewPipeline/Rebind; gateway code should use Pipeline() to retrieve it
// rather than constructing a Pipeline directly when resuming.
func (s *Session) bindPipeline(p *Pipeline) {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()
	s.activePipeline = p
}

// Pipeline returns the Session's currently bound Pipeline, or nil if
// none has ever been bound. A resume handler calls Rebind on the result
// rather than constructing a fresh Pipeline, so the segmenter's pending
// text buffer and the emitter's in-flight chunk accumulation survive
// the transport swap.
func (s *Session) Pipeline() *Pipeline {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()
	return s.activePipeline
}

// Config bundles the tunables a Session needs at construction that come
// from the process Config rather than the wire start message.
type Config struct {
	RetentionSize int
	RetentionAge  time.Duration
}

// New constructs an IDLE session for id with the given declared/negotiated
// AudioSpec. hook may be nil (no audit/event publication).
func New(id string, declared, negotiated audio.Spec, cfg Config, hook TransitionHook) *Session {
	now := time.Now()
	s := &Session{
		ID:           id,
		Declared:     declared,
		Negotiated:   negotiated,
		CreatedAt:    now,
		UpdatedAt:    now,
		Retention:    NewRetentionRing(cfg.RetentionSize, cfg.RetentionAge),
		state:        StateIdle,
		cancelCh:     make(chan struct{}),
		orphanCh:     make(chan struct{}),
		preOrphan:    StateRunning,
		onTransition: hook,
		log:          logx.Default().With(map[string]interface{}{"session_id": id}),
	}
	return s
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to `to`, rejecting edges not in
// validTransitions. Every successful transition updates UpdatedAt and
// fires the (best-effort) TransitionHook.
func (s *Session) Transition(to State, reason string) error {
	s.mu.Lock()
	from := s.state
	allowed := validTransitions[from][to]
	if !allowed && from != to {
		s.mu.Unlock()
		return fmt.Errorf("session: invalid transition %s -> %s (%s)", from, to, reason)
	}
	if from == to {
		s.mu.Unlock()
		return nil
	}
	if to == StateOrphan && (from == StateRunning || from == StateDraining) {
		s.preOrphan = from
	}
	s.state = to
	s.UpdatedAt = time.Now()
	s.mu.Unlock()

	if to == StateOrphan {
		s.orphanOnce.Do(func() { close(s.orphanCh) })
	}

	s.log.Info("state transition", "from", string(from), "to", string(to), "reason", reason)
	s.fireHook(from, to, reason)
	return nil
}

// OrphanChan returns a channel that is closed the first time the
// session enters ORPHAN, suitable for use in a select alongside
// transport and engine operations so in-flight work can stop promptly
// once the transport is known gone rather than timing out through
// backpressure.
func (s *Session) OrphanChan() <-chan struct{} {
	return s.orphanCh
}

// ResumeState reports the state a successful Adopt should transition
// back into: whichever of RUNNING/DRAINING the session was in right
// before it became ORPHAN.
func (s *Session) ResumeState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preOrphan
}

func (s *Session) fireHook(from, to State, reason string) {
	if s.onTransition == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("transition hook panicked", "panic", r)
		}
	}()
	s.onTransition(s.ID, from, to, reason)
}

// Cancel sets the cancellation latch. Idempotent: the second and later
// calls are no-ops, and the channel returned by CancelChan is closed
// exactly once.
func (s *Session) Cancel() {
	if s.cancelled.CompareAndSwap(false, true) {
		s.closeOnce.Do(func() { close(s.cancelCh) })
	}
}

// IsCancelled reports whether Cancel has been called.
func (s *Session) IsCancelled() bool {
	return s.cancelled.Load()
}

// CancelChan returns a channel that is closed once Cancel has been
// called, suitable for use in a select alongside transport and engine
// operations.
func (s *Session) CancelChan() <-chan struct{} {
	return s.cancelCh
}

// NextChunkSeq returns the next dense, 1-based chunk_seq.
func (s *Session) NextChunkSeq() int64 {
	s.chunkSeq++
	return s.chunkSeq
}

// NextServerSeq returns the next per-session server-message sequence
// number (distinct from chunk_seq, per spec.md §6).
func (s *Session) NextServerSeq() int64 {
	seq := s.serverSeq
	s.serverSeq++
	return seq
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *logx.Logger {
	return s.log
}

// ComposeHooks fans a single transition out to several hooks, in order,
// skipping nil entries. Used to wire the registry's orphan bookkeeping
// alongside the audit ledger and event bus without any of the three
// knowing about the others.
func ComposeHooks(hooks ...TransitionHook) TransitionHook {
	return func(sessionID string, from, to State, reason string) {
		for _, h := range hooks {
			if h != nil {
				h(sessionID, from, to, reason)
			}
		}
	}
}
