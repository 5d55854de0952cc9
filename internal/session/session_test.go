package session

import (
	"testing"
	"time"

	"github.com/wstts/gateway/internal/audio"
)

func testSpec() audio.Spec {
	return audio.Spec{SampleRate: 24000, Channels: 1, Codec: audio.CodecPCM16Raw}
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	return New("sess-1", testSpec(), testSpec(), Config{RetentionSize: 256, RetentionAge: 30 * time.Second}, nil)
}

func TestSessionStartsIdle(t *testing.T) {
	s := newTestSession(t)
	if s.State() != StateIdle {
		t.Fatalf("expected IDLE, got %s", s.State())
	}
}

func TestSessionValidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
	}{
		{"normal lifecycle", []State{StateRunning, StateDraining, StateClosed}},
		{"cancel from idle", []State{StateCancelling, StateClosed}},
		{"cancel mid-run", []State{StateRunning, StateCancelling, StateClosed}},
		{"orphan then resume then drain", []State{StateRunning, StateOrphan, StateDraining, StateClosed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t)
			for _, to := range tt.path {
				if err := s.Transition(to, "test"); err != nil {
					t.Fatalf("transition to %s failed: %v", to, err)
				}
			}
			if s.State() != tt.path[len(tt.path)-1] {
				t.Fatalf("expected final state %s, got %s", tt.path[len(tt.path)-1], s.State())
			}
		})
	}
}

func TestSessionRejectsInvalidTransitions(t *testing.T) {
	s := newTestSession(t)
	if err := s.Transition(StateClosed, "skip states"); err == nil {
		t.Fatal("expected error transitioning IDLE -> CLOSED directly")
	}
	if s.State() != StateIdle {
		t.Fatalf("state should be unchanged after rejected transition, got %s", s.State())
	}

	_ = s.Transition(StateCancelling, "cancel")
	_ = s.Transition(StateClosed, "close")
	if err := s.Transition(StateRunning, "resurrect"); err == nil {
		t.Fatal("expected CLOSED to be terminal")
	}
}

func TestSessionTransitionFiresHook(t *testing.T) {
	var calls []string
	hook := func(id string, from, to State, reason string) {
		calls = append(calls, string(from)+"->"+string(to))
	}
	s := New("sess-2", testSpec(), testSpec(), Config{}, hook)

	_ = s.Transition(StateRunning, "first text")
	_ = s.Transition(StateDraining, "text end")

	want := []string{"IDLE->RUNNING", "RUNNING->DRAINING"}
	if len(calls) != len(want) {
		t.Fatalf("expected %d hook calls, got %d (%v)", len(want), len(calls), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d: expected %q, got %q", i, want[i], calls[i])
		}
	}
}

func TestSessionTransitionHookPanicDoesNotAbortTransition(t *testing.T) {
	hook := func(id string, from, to State, reason string) {
		panic("boom")
	}
	s := New("sess-3", testSpec(), testSpec(), Config{}, hook)

	if err := s.Transition(StateRunning, "first text"); err != nil {
		t.Fatalf("transition should still succeed despite panicking hook: %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("expected RUNNING, got %s", s.State())
	}
}

func TestSessionCancelIsIdempotent(t *testing.T) {
	s := newTestSession(t)
	if s.IsCancelled() {
		t.Fatal("should not be cancelled initially")
	}

	s.Cancel()
	s.Cancel() // must not panic on double-close of cancelCh

	if !s.IsCancelled() {
		t.Fatal("expected cancelled")
	}
	select {
	case <-s.CancelChan():
	default:
		t.Fatal("expected CancelChan to be closed")
	}
}

func TestSessionChunkAndServerSeqAreDenseAndMonotonic(t *testing.T) {
	s := newTestSession(t)
	for i := int64(1); i <= 5; i++ {
		if got := s.NextChunkSeq(); got != i {
			t.Fatalf("chunk_seq[%d]: expected %d, got %d", i, i, got)
		}
	}
	for i := int64(0); i < 3; i++ {
		if got := s.NextServerSeq(); got != i {
			t.Fatalf("server seq: expected %d, got %d", i, got)
		}
	}
}
