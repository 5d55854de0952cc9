package session

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/wstts/gateway/internal/audio"
	"github.com/wstts/gateway/internal/engine"
	"github.com/wstts/gateway/internal/protocol"
	"github.com/wstts/gateway/internal/segmenter"
)

// Transport is the minimal duck-typed surface Pipeline needs from a
// connection; *websocket.Conn satisfies it without an adapter.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const wsTextMessage = 1 // matches gorilla/websocket.TextMessage's wire value

var (
	errBackpressure = errors.New("session: outbound queue backpressure timeout exceeded")
	errCancelled    = errors.New("session: cancelled")
	errOrphaned     = errors.New("session: transport lost")
)

// PipelineConfig holds the per-session tunables the synthesis/send task
// pair needs, sourced from the process Config (SPEC_FULL.md §6).
type PipelineConfig struct {
	QueueCapacity       int
	WriteTimeout        time.Duration
	BackpressureTimeout time.Duration
	IdleReadTimeout     time.Duration
	ChunkMaxBytesMillis int
	// EngineSem, if non-nil, bounds how many Synthesize calls run at once
	// across all sessions sharing it to its capacity; a capacity of 1
	// serializes them for a single-threaded engine (spec.md §5).
	EngineSem chan struct{}
	// Metrics, if non-nil, receives per-session synthesis instrumentation
	// (time-to-first-audio, error/backpressure counts). Nil disables it.
	Metrics Metrics
}

// Metrics is the per-session instrumentation surface Pipeline reports
// through, kept small and local (rather than importing internal/metrics
// directly) so this package has no dependency on how metrics are
// exported. internal/metrics.Metrics implements this structurally.
type Metrics interface {
	FirstAudioEmitted(sessionID string, latency time.Duration)
	ErrorOccurred(sessionID string, kind string)
	BackpressureEngaged(sessionID string)
}

type noopMetrics struct{}

func (noopMetrics) FirstAudioEmitted(string, time.Duration) {}
func (noopMetrics) ErrorOccurred(string, string)            {}
func (noopMetrics) BackpressureEngaged(string)              {}

// inboundEnvelope is one decoded client message, or the terminal
// problem that ended the read pump. readErr is a transport-level
// failure (socket error, idle timeout) and marks the session ORPHAN;
// decodeErr is a malformed envelope and is a protocol_error — the two
// are kept distinct because they end the session differently.
type inboundEnvelope struct {
	msgType   protocol.MessageType
	raw       []byte
	readErr   error
	decodeErr error
}

// Pipeline owns the two long-running tasks spec.md §5 names: the
// synthesis task (Run's caller goroutine) and the send task (spawned by
// Run). A blocking transport read can't itself be a select case, so the
// synthesis task pumps it through readPump into inbound — that pump is
// plumbing to make the read selectable, not a third logical task: it
// owns no state and makes no decisions. This lets a cancel message
// arriving mid-unit interrupt synthesis immediately instead of waiting
// for the current unit to finish (a text_end is held until the unit
// completes; see processUnit), per spec.md §5's cancellation
// latch semantics ("checked between every emitted frame").
type Pipeline struct {
	sess      *Session
	transport Transport
	engine    engine.Engine
	seg       *segmenter.Segmenter
	emitter   *Emitter
	cfg       PipelineConfig

	inbound  chan inboundEnvelope
	outbound chan []byte
	sendDone chan struct{}

	// pending holds an envelope processUnit read from inbound but
	// couldn't act on (anything but cancel), so runSynthesis's next
	// iteration sees it instead of it being lost. At most one is ever
	// pending: processUnit stops reading inbound while one is held.
	pending *inboundEnvelope

	sentWAVHeader  bool
	startedAt      time.Time
	firstAudioSent bool
}

// NewPipeline wires a Session to a live Transport, Engine and Segmenter.
func NewPipeline(sess *Session, transport Transport, eng engine.Engine, seg *segmenter.Segmenter, cfg PipelineConfig) *Pipeline {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	p := &Pipeline{
		sess:      sess,
		transport: transport,
		engine:    eng,
		seg:       seg,
		emitter:   NewEmitter(sess.Negotiated, cfg.ChunkMaxBytesMillis),
		cfg:       cfg,
		inbound:   make(chan inboundEnvelope),
		outbound:  make(chan []byte, cfg.QueueCapacity),
		sendDone:  make(chan struct{}),
		startedAt: time.Now(),
	}
	sess.bindPipeline(p)
	return p
}

// Rebind constructs a fresh Pipeline for the same Session, Engine,
// Segmenter and Emitter against a newly adopted Transport, for resume
// (spec.md §4.1/§4.6). The segmenter's pending-buffer state and the
// emitter's in-flight chunk accumulation carry over unchanged — only the
// transport and the per-connection task machinery (inbound/outbound
// channels) are new.
func (p *Pipeline) Rebind(transport Transport) *Pipeline {
	np := NewPipeline(p.sess, transport, p.engine, p.seg, p.cfg)
	np.emitter = p.emitter
	np.sentWAVHeader = p.sentWAVHeader
	np.firstAudioSent = p.firstAudioSent
	np.startedAt = p.startedAt
	return np
}

// ReplayRetained writes every retained chunk since lastUnitIndexReceived
// directly to transport, ahead of Run being called on a Rebind'd
// Pipeline. Each replayed chunk keeps the chunk_seq it was stamped with
// when first emitted; its message takes a fresh server seq.
func ReplayRetained(sess *Session, transport Transport, lastUnitIndexReceived int) (bool, error) {
	chunks, ok := sess.Retention.Replay(lastUnitIndexReceived)
	if !ok {
		return false, nil
	}
	for _, chunk := range chunks {
		payload := protocol.AudioChunkPayload{
			Seq:            sess.NextServerSeq(),
			ChunkSeq:       chunk.ChunkSeq,
			UnitIndexStart: chunk.UnitIndexStart,
			UnitIndexEnd:   chunk.UnitIndexEnd,
			AudioBase64:    base64.StdEncoding.EncodeToString(chunk.AudioBytes),
		}
		if chunk.WAVHeader != nil {
			payload.WAVHeaderBase64 = base64.StdEncoding.EncodeToString(chunk.WAVHeader)
		}
		msg, err := protocol.Marshal(protocol.MsgAudioChunk, payload)
		if err != nil {
			return true, err
		}
		_ = transport.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := transport.WriteMessage(wsTextMessage, msg); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Run drives the synthesis task until the session reaches CLOSED or
// ORPHAN, having first spawned the send task and the read pump. It
// blocks until then. Resume replay (re-sending retained chunks to a
// newly adopted transport) is the caller's responsibility, performed
// before Run is called again on the same Session with the new
// Transport.
func (p *Pipeline) Run(ctx context.Context) {
	go p.runSend()
	go p.readPump()
	p.runSynthesis(ctx)
	close(p.outbound)
	<-p.sendDone
}

// readPump is the plumbing described on Pipeline: it blocks in
// transport.ReadMessage so the synthesis task's select loop doesn't have
// to, forwarding every decoded envelope (or the terminal error) onward.
// It exits after the first error or after forwarding text_end/cancel,
// since no further client message is meaningful once either has been
// seen.
func (p *Pipeline) readPump() {
	for {
		_ = p.transport.SetReadDeadline(time.Now().Add(p.cfg.IdleReadTimeout))
		_, data, err := p.transport.ReadMessage()
		if err != nil {
			p.inbound <- inboundEnvelope{readErr: err}
			return
		}

		msgType, raw, err := protocol.Unmarshal(data)
		if err != nil {
			p.inbound <- inboundEnvelope{decodeErr: err}
			return
		}

		p.inbound <- inboundEnvelope{msgType: msgType, raw: raw}
		if msgType == protocol.MsgTextEnd || msgType == protocol.MsgCancel {
			return
		}
	}
}

// runSend is the send task: drains outbound to the transport in order,
// applying the per-write timeout. A write failure marks the session
// ORPHAN (spec.md §4.5) and stops — the synthesis task observes this
// through OrphanChan, in enqueue and in processUnit.
func (p *Pipeline) runSend() {
	defer close(p.sendDone)
	for msg := range p.outbound {
		if err := p.writeDirect(msg); err != nil {
			_ = p.sess.Transition(StateOrphan, "write timeout or transport error: "+err.Error())
			return
		}
	}
}

// nextInbound returns the next client envelope, preferring one
// processUnit already read and handed back over reading a fresh one.
func (p *Pipeline) nextInbound() inboundEnvelope {
	if p.pending != nil {
		env := *p.pending
		p.pending = nil
		return env
	}
	return <-p.inbound
}

func (p *Pipeline) writeDirect(msg []byte) error {
	_ = p.transport.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	return p.transport.WriteMessage(wsTextMessage, msg)
}

// enqueue puts msg on the outbound queue, honoring the backpressure
// timeout and cancellation latch (spec.md §4.5, §5). It also watches
// OrphanChan so a write failure the send task already observed stops
// the synthesis task immediately rather than filling the queue and
// waiting out the full backpressure timeout.
func (p *Pipeline) enqueue(msg []byte) error {
	select {
	case p.outbound <- msg:
		return nil
	case <-time.After(p.cfg.BackpressureTimeout):
		return errBackpressure
	case <-p.sess.CancelChan():
		return errCancelled
	case <-p.sess.OrphanChan():
		return errOrphaned
	}
}

// runSynthesis is the synthesis task: consumes decoded client messages
// from the read pump, feeds the segmenter, drives the engine, hands
// frames to the emitter, and enqueues audio_chunk/tts_end/error
// messages. Per spec.md's race-handling open question, whichever of
// cancel/text_end is read first from inbound is authoritative — the
// read pump only ever forwards one of them (it stops after either), so
// the race is resolved by ordinary message ordering.
func (p *Pipeline) runSynthesis(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.finalizeError(protocol.ErrInternalError, "panic in synthesis task")
		}
	}()
	for {
		env := p.nextInbound()
		if env.readErr != nil {
			_ = p.sess.Transition(StateOrphan, "read error or idle timeout: "+env.readErr.Error())
			return
		}
		if env.decodeErr != nil {
			p.finalizeError(protocol.ErrProtocolError, env.decodeErr.Error())
			return
		}

		switch env.msgType {
		case protocol.MsgTextDelta:
			if !p.handleTextDelta(ctx, env.raw) {
				return
			}
		case protocol.MsgTextEnd:
			p.handleTextEnd(ctx, env.raw)
			return
		case protocol.MsgCancel:
			p.handleCancel()
			return
		default:
			p.finalizeError(protocol.ErrProtocolError, "unexpected message type after session start: "+string(env.msgType))
			return
		}
	}
}

func (p *Pipeline) handleTextDelta(ctx context.Context, raw []byte) bool {
	payload, err := protocol.UnmarshalPayload[protocol.TextDeltaPayload](raw)
	if err != nil {
		p.finalizeError(protocol.ErrProtocolError, err.Error())
		return false
	}

	if p.sess.State() == StateIdle {
		if err := p.sess.Transition(StateRunning, "first text_delta"); err != nil {
			p.finalizeError(protocol.ErrInternalError, err.Error())
			return false
		}
	}

	for _, unit := range p.seg.Feed(payload.Text) {
		if err := p.processUnit(ctx, unit); err != nil {
			return p.handleProcessingError(err)
		}
	}
	return true
}

func (p *Pipeline) handleTextEnd(ctx context.Context, raw []byte) {
	if _, err := protocol.UnmarshalPayload[protocol.TextEndPayload](raw); err != nil {
		p.finalizeError(protocol.ErrProtocolError, err.Error())
		return
	}

	if err := p.sess.Transition(StateDraining, "text_end"); err != nil {
		p.finalizeError(protocol.ErrInternalError, err.Error())
		return
	}

	final := p.seg.End()
	if err := p.processUnit(ctx, final); err != nil {
		p.handleProcessingError(err)
		return
	}

	if cut := p.emitter.Flush(); cut != nil {
		if err := p.emitChunk(*cut); err != nil {
			p.handleProcessingError(err)
			return
		}
	}

	p.finalizeEnd(false)
}

func (p *Pipeline) handleCancel() {
	p.sess.Cancel()
	_ = p.sess.Transition(StateCancelling, "cancel message")
	p.finalizeEnd(true)
}

// handleProcessingError routes an error from processUnit/emitChunk to
// the right terminal path: cancellation is not an error, backpressure
// gets its own error_kind and a direct (queue-bypassing) write, anything
// else is an engine_error.
func (p *Pipeline) handleProcessingError(err error) bool {
	switch {
	case errors.Is(err, errOrphaned):
		// The send task already observed the transport is gone and
		// marked ORPHAN; there's nothing left to write here. Leave the
		// session as-is for Reap or a future Adopt to decide its fate.
	case errors.Is(err, errCancelled):
		_ = p.sess.Transition(StateCancelling, "cancelled mid-unit")
		p.finalizeEnd(true)
	case errors.Is(err, errBackpressure):
		p.sess.Cancel()
		_ = p.sess.Transition(StateCancelling, "backpressure timeout")
		p.cfg.Metrics.BackpressureEngaged(p.sess.ID)
		p.finalizeError(protocol.ErrBackpressure, err.Error())
	default:
		p.sess.Cancel()
		_ = p.sess.Transition(StateCancelling, "engine error: "+err.Error())
		p.finalizeError(protocol.ErrEngineError, err.Error())
	}
	return false
}

// processUnit drives the engine for one unit, feeding every emitted
// frame to the emitter and enqueuing any chunks it cuts. It also
// watches inbound so a cancel arriving mid-unit sets the cancellation
// latch immediately rather than waiting for the unit to finish. A
// non-cancel message (most commonly text_end, which can legitimately
// arrive while a short unit is still synthesizing) isn't this
// function's to handle — it's handed back to inbound for runSynthesis's
// next iteration to process once this unit completes.
func (p *Pipeline) processUnit(ctx context.Context, unit segmenter.Unit) error {
	if p.cfg.EngineSem != nil {
		select {
		case p.cfg.EngineSem <- struct{}{}:
			defer func() { <-p.cfg.EngineSem }()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	frames, errs := p.engine.Synthesize(ctx, unit.Text, unit.Index, p.sess.CancelChan())
	for frames != nil || errs != nil {
		// While an envelope is held in pending, stop reading inbound so a
		// later message cannot overwrite it.
		inbound := p.inbound
		if p.pending != nil {
			inbound = nil
		}
		select {
		case f, ok := <-frames:
			if !ok {
				// A closed frame channel ends the unit; an engine error,
				// if any, was sent before the close.
				select {
				case err := <-errs:
					if err != nil {
						return err
					}
				default:
				}
				return nil
			}
			for _, cut := range p.emitter.Feed(f) {
				if err := p.emitChunk(cut); err != nil {
					return err
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		case env := <-inbound:
			if env.readErr != nil {
				_ = p.sess.Transition(StateOrphan, "read error or idle timeout: "+env.readErr.Error())
				return errOrphaned
			}
			if env.msgType == protocol.MsgCancel {
				p.sess.Cancel()
				return errCancelled
			}
			// Any other concurrent message (e.g. text_end, or a
			// decode error, arriving while a short unit is still
			// synthesizing) is handed back for runSynthesis's next
			// iteration once this unit ends.
			p.pending = &env
		case <-p.sess.CancelChan():
			return errCancelled
		case <-p.sess.OrphanChan():
			return errOrphaned
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// emitChunk stamps a rawChunk with chunk_seq/timestamp/WAV-header,
// retains it, and enqueues the wire message.
func (p *Pipeline) emitChunk(cut rawChunk) error {
	chunk := AudioChunk{
		ChunkSeq:       p.sess.NextChunkSeq(),
		UnitIndexStart: cut.UnitIndexStart,
		UnitIndexEnd:   cut.UnitIndexEnd,
		AudioBytes:     cut.AudioBytes,
		EmittedAt:      time.Now(),
	}

	if !p.sentWAVHeader && p.sess.Negotiated.Codec == audio.CodecPCM16WAV {
		header, err := audio.BuildStreamingWAVHeader(p.sess.Negotiated)
		if err == nil {
			chunk.WAVHeader = header
			p.sentWAVHeader = true
		}
	}

	p.sess.Retention.Add(chunk)

	if !p.firstAudioSent {
		p.firstAudioSent = true
		p.cfg.Metrics.FirstAudioEmitted(p.sess.ID, time.Since(p.startedAt))
	}

	payload := protocol.AudioChunkPayload{
		Seq:            p.sess.NextServerSeq(),
		ChunkSeq:       chunk.ChunkSeq,
		UnitIndexStart: chunk.UnitIndexStart,
		UnitIndexEnd:   chunk.UnitIndexEnd,
		AudioBase64:    base64.StdEncoding.EncodeToString(chunk.AudioBytes),
	}
	if chunk.WAVHeader != nil {
		payload.WAVHeaderBase64 = base64.StdEncoding.EncodeToString(chunk.WAVHeader)
	}

	msg, err := protocol.Marshal(protocol.MsgAudioChunk, payload)
	if err != nil {
		return err
	}
	return p.enqueue(msg)
}

// finalizeEnd enqueues the single terminal tts_end and transitions to
// CLOSED. Per spec.md §4.3, exactly one tts_end is ever emitted.
func (p *Pipeline) finalizeEnd(cancelled bool) {
	msg := mustMarshalTTSEnd(p.sess, cancelled)
	// Not enqueue: its cancel-latch case would drop the tts_end that
	// must follow a cancel.
	select {
	case p.outbound <- msg:
	case <-time.After(p.cfg.BackpressureTimeout):
	case <-p.sess.OrphanChan():
	}
	_ = p.sess.Transition(StateClosed, "tts_end emitted")
}

// finalizeError writes a terminal error directly to the transport
// (bypassing the queue, since the error path doesn't assume the queue
// is healthy), followed by the one mandatory tts_end{cancelled=true}
// per spec.md §7, then closes the transport.
func (p *Pipeline) finalizeError(kind protocol.ErrorKind, message string) {
	p.cfg.Metrics.ErrorOccurred(p.sess.ID, string(kind))
	_ = p.writeDirect(mustMarshalError(p.sess, kind, message))
	_ = p.writeDirect(mustMarshalTTSEnd(p.sess, true))
	_ = p.transport.Close()
	_ = p.sess.Transition(StateCancelling, "error: "+string(kind))
	_ = p.sess.Transition(StateClosed, "error: "+string(kind))
}

func mustMarshalTTSEnd(sess *Session, cancelled bool) []byte {
	msg, _ := protocol.Marshal(protocol.MsgTTSEnd, protocol.TTSEndPayload{
		Seq:       sess.NextServerSeq(),
		Cancelled: cancelled,
	})
	return msg
}

func mustMarshalError(sess *Session, kind protocol.ErrorKind, message string) []byte {
	msg, _ := protocol.Marshal(protocol.MsgError, protocol.ErrorPayload{
		Seq:     sess.NextServerSeq(),
		Kind:    kind,
		Message: message,
	})
	return msg
}
