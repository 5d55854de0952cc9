// Package eventbus publishes session state transitions onto NATS for
// external subscribers (SPEC_FULL.md §6, WS_TTS_NATS_URL), grounded in
// loqalabs-loqa-core's internal/bus.Client: a thin wrapper around
// *nats.Conn with a Connect constructor and a nil-safe Close/Healthy so
// callers don't need their own has-a-bus branch.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wstts/gateway/internal/logx"
	"github.com/wstts/gateway/internal/session"
)

// subjectTransitions is the NATS subject every transition is published
// on; subscribers can filter client-side on the payload's SessionID.
const subjectTransitions = "ws_tts.session.transition"

// TransitionEvent is the JSON body published for each state change.
type TransitionEvent struct {
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Publisher wraps a NATS connection. A Publisher with a nil conn (built
// by Disabled) is a valid no-op, matching bus.Client's nil-safe methods.
type Publisher struct {
	conn *nats.Conn
	log  *logx.Logger
}

// Connect dials url and returns a Publisher. An empty url disables the
// bus entirely per SPEC_FULL.md §6 ("empty disables the event bus") —
// callers should use Disabled in that case rather than calling Connect.
func Connect(url string, log *logx.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("ws-tts-gateway"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect to nats: %w", err)
	}
	log.Info("connected to NATS", "url", url)
	return &Publisher{conn: conn, log: log}, nil
}

// Disabled returns a no-op Publisher, for when WS_TTS_NATS_URL is empty.
func Disabled(log *logx.Logger) *Publisher {
	return &Publisher{log: log}
}

// Close drains and closes the underlying connection. Safe on a disabled
// Publisher.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.log.Info("closing NATS connection")
	_ = p.conn.Drain()
	p.conn.Close()
}

// Healthy reports whether the bus is connected. A disabled Publisher is
// never "healthy" but also never errors — callers treat it the same as
// a real but momentarily disconnected bus.
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Publish sends evt on subjectTransitions. A failure is logged, not
// returned — publishing is best-effort, same contract as
// session.TransitionHook.
func (p *Publisher) Publish(evt TransitionEvent) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		p.log.Warn("eventbus: marshal event failed", "error", err.Error())
		return
	}
	if err := p.conn.Publish(subjectTransitions, data); err != nil {
		p.log.Warn("eventbus: publish failed", "error", err.Error())
	}
}

// Hook adapts Publish to session.TransitionHook.
func (p *Publisher) Hook() session.TransitionHook {
	return func(sessionID string, from, to session.State, reason string) {
		p.Publish(TransitionEvent{
			SessionID: sessionID,
			From:      string(from),
			To:        string(to),
			Reason:    reason,
			At:        time.Now(),
		})
	}
}
