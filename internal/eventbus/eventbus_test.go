package eventbus

import (
	"testing"

	"github.com/wstts/gateway/internal/logx"
	"github.com/wstts/gateway/internal/session"
)

func TestDisabledPublisherIsSafeNoOp(t *testing.T) {
	p := Disabled(logx.Default())
	if p.Healthy() {
		t.Fatal("expected a disabled publisher to never report healthy")
	}

	// None of these should panic or block.
	p.Publish(TransitionEvent{SessionID: "s1", From: "IDLE", To: "RUNNING"})
	hook := p.Hook()
	hook("s1", session.StateIdle, session.StateRunning, "first text_delta")
	p.Close()
}

func TestNilPublisherIsSafeNoOp(t *testing.T) {
	var p *Publisher
	if p.Healthy() {
		t.Fatal("expected a nil publisher to never report healthy")
	}
	p.Publish(TransitionEvent{SessionID: "s1"})
	p.Close()
}
