package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wstts/gateway/internal/audio"
	"github.com/wstts/gateway/internal/engine"
	"github.com/wstts/gateway/internal/protocol"
	"github.com/wstts/gateway/internal/segmenter"
)

// fakeTransport is an in-memory Transport: the test pushes client
// frames onto toServer, and ReadMessage blocks on it the same way a
// real *websocket.Conn blocks on the socket. Writes are captured in
// order for assertion.
type fakeTransport struct {
	toServer chan []byte

	mu      sync.Mutex
	written [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{toServer: make(chan []byte, 16)}
}

func (t *fakeTransport) send(msgType protocol.MessageType, payload interface{}) {
	msg, err := protocol.Marshal(msgType, payload)
	if err != nil {
		panic(err)
	}
	t.toServer <- msg
}

func (t *fakeTransport) ReadMessage() (int, []byte, error) {
	msg, ok := <-t.toServer
	if !ok {
		return 0, nil, errFakeTransportClosed
	}
	return wsTextMessage, msg, nil
}

func (t *fakeTransport) WriteMessage(_ int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	t.written = append(t.written, cp)
	return nil
}

func (t *fakeTransport) SetReadDeadline(time.Time) error  { return nil }
func (t *fakeTransport) SetWriteDeadline(time.Time) error { return nil }
func (t *fakeTransport) Close() error                     { return nil }

func (t *fakeTransport) messages() []fakeDecoded {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]fakeDecoded, 0, len(t.written))
	for _, raw := range t.written {
		msgType, payload, err := protocol.Unmarshal(raw)
		if err != nil {
			panic(err)
		}
		out = append(out, fakeDecoded{msgType: msgType, payload: payload})
	}
	return out
}

type fakeDecoded struct {
	msgType protocol.MessageType
	payload []byte
}

var errFakeTransportClosed = &fakeClosedError{}

type fakeClosedError struct{}

func (*fakeClosedError) Error() string { return "fake transport closed" }

func testPCMSpec() audio.Spec {
	return audio.Spec{SampleRate: 24000, Channels: 1, Codec: audio.CodecPCM16Raw}
}

func newTestPipeline(t *testing.T, transport *fakeTransport, eng engine.Engine) (*Session, *Pipeline) {
	t.Helper()
	sess := New("sess-pipeline", testPCMSpec(), testPCMSpec(), Config{RetentionSize: 256, RetentionAge: 30 * time.Second}, nil)
	seg := segmenter.New(segmenter.DefaultConfig())
	cfg := PipelineConfig{
		QueueCapacity:       16,
		WriteTimeout:        time.Second,
		BackpressureTimeout: time.Second,
		IdleReadTimeout:     5 * time.Second,
		ChunkMaxBytesMillis: 20,
	}
	p := NewPipeline(sess, transport, eng, seg, cfg)
	return sess, p
}

// TestPipelineBaselineLifecycle exercises the S1 seed scenario: start
// (implicit — the session is still IDLE when Pipeline.Run is invoked in
// this harness, as the gateway layer owns start_ack), text_delta,
// text_end, expect a run of audio_chunk messages followed
// by exactly one tts_end{cancelled:false}.
func TestPipelineBaselineLifecycle(t *testing.T) {
	transport := newFakeTransport()
	eng := engine.NewDummyEngine(engine.DummyConfig{SampleRate: 24000, Channels: 1, BytesPerUnitChar: 64, FrameSize: 960})
	sess, p := newTestPipeline(t, transport, eng)

	transport.send(protocol.MsgTextDelta, protocol.TextDeltaPayload{Text: "Hello world."})
	transport.send(protocol.MsgTextEnd, protocol.TextEndPayload{})

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not finish within timeout")
	}

	if sess.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", sess.State())
	}

	msgs := transport.messages()
	if len(msgs) == 0 {
		t.Fatal("expected at least one outbound message")
	}
	last := msgs[len(msgs)-1]
	if last.msgType != protocol.MsgTTSEnd {
		t.Fatalf("expected last message to be tts_end, got %s", last.msgType)
	}
	end, err := protocol.UnmarshalPayload[protocol.TTSEndPayload](last.payload)
	if err != nil {
		t.Fatalf("unmarshal tts_end: %v", err)
	}
	if end.Cancelled {
		t.Fatal("expected cancelled=false for a normal finish")
	}

	var ttsEndCount int
	for _, m := range msgs {
		if m.msgType == protocol.MsgTTSEnd {
			ttsEndCount++
		}
	}
	if ttsEndCount != 1 {
		t.Fatalf("expected exactly one tts_end, got %d", ttsEndCount)
	}
}

// TestPipelineCancelMidStreamStopsPromptly exercises the S2 seed
// scenario: a cancel arrives while the engine is still mid-synthesis
// for the current unit. It must be observed immediately rather than
// after the unit finishes — this is the behavior the read pump exists
// to make possible (see Pipeline's doc comment).
func TestPipelineCancelMidStreamStopsPromptly(t *testing.T) {
	transport := newFakeTransport()
	// A small frame size and nonzero per-char byte budget make a long,
	// punctuation-free unit take many frame sends (each with a short
	// simulated synthesis latency), giving cancel a wide window to land
	// mid-unit instead of racing the unit to completion.
	eng := engine.NewDummyEngine(engine.DummyConfig{SampleRate: 24000, Channels: 1, BytesPerUnitChar: 64, FrameSize: 32})
	sess, p := newTestPipeline(t, transport, eng)

	// No terminal punctuation and >= the default FlushMinChars (12), so
	// the segmenter flushes this as a single long unit on this one Feed.
	longText := ""
	for i := 0; i < 200; i++ {
		longText += "a"
	}
	transport.send(protocol.MsgTextDelta, protocol.TextDeltaPayload{Text: longText})

	done := make(chan struct{})
	start := time.Now()
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	// Give synthesis time to begin before cancelling.
	time.Sleep(2 * time.Millisecond)
	transport.send(protocol.MsgCancel, protocol.CancelPayload{})

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("cancel did not stop the pipeline within 500ms")
	}
	elapsed := time.Since(start)

	if sess.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", sess.State())
	}
	if !sess.IsCancelled() {
		t.Fatal("expected session to be marked cancelled")
	}

	// With 200 chars * 64 bytes/char of audio at a 32-byte frame budget
	// and no cancel, this unit would take roughly 400 * 200us = 80ms to
	// fully synthesize. Finishing well under that confirms cancel
	// interrupted mid-unit rather than waiting for it to drain.
	if elapsed > 60*time.Millisecond {
		t.Fatalf("expected prompt cancellation, took %s", elapsed)
	}

	msgs := transport.messages()
	if len(msgs) == 0 {
		t.Fatal("expected at least the terminal tts_end message")
	}
	last := msgs[len(msgs)-1]
	if last.msgType != protocol.MsgTTSEnd {
		t.Fatalf("expected last message to be tts_end, got %s", last.msgType)
	}
	end, err := protocol.UnmarshalPayload[protocol.TTSEndPayload](last.payload)
	if err != nil {
		t.Fatalf("unmarshal tts_end: %v", err)
	}
	if !end.Cancelled {
		t.Fatal("expected cancelled=true after a cancel message")
	}
}

// TestPipelineProtocolErrorEmitsErrorThenTTSEnd exercises the error
// path from spec.md §7: malformed JSON produces a protocol_error
// followed by the mandatory terminal tts_end{cancelled:true}.
func TestPipelineProtocolErrorEmitsErrorThenTTSEnd(t *testing.T) {
	transport := newFakeTransport()
	eng := engine.NewDummyEngine(engine.DefaultDummyConfig())
	sess, p := newTestPipeline(t, transport, eng)

	transport.toServer <- []byte("not json")

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not finish within timeout")
	}

	if sess.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", sess.State())
	}

	msgs := transport.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected exactly 2 messages (error, tts_end), got %d", len(msgs))
	}
	if msgs[0].msgType != protocol.MsgError {
		t.Fatalf("expected first message to be error, got %s", msgs[0].msgType)
	}
	errPayload, err := protocol.UnmarshalPayload[protocol.ErrorPayload](msgs[0].payload)
	if err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if errPayload.Kind != protocol.ErrProtocolError {
		t.Fatalf("expected protocol_error, got %s", errPayload.Kind)
	}
	if msgs[1].msgType != protocol.MsgTTSEnd {
		t.Fatalf("expected second message to be tts_end, got %s", msgs[1].msgType)
	}
	endPayload, err := protocol.UnmarshalPayload[protocol.TTSEndPayload](msgs[1].payload)
	if err != nil {
		t.Fatalf("unmarshal tts_end: %v", err)
	}
	if !endPayload.Cancelled {
		t.Fatal("expected cancelled=true after a protocol error")
	}
}
