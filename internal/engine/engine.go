// Package engine defines the abstract TTS synthesis contract the core
// drives, plus a deterministic Dummy implementation used by default and
// in tests. Piper and Riva are out of scope per spec.md §1 ("Piper/Riva
// binary download and invocation details... deliberately out of scope
// and treated as external collaborators") — their constructors exist as
// named seams but return a descriptive error rather than shelling out
// or dialing gRPC.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/wstts/gateway/internal/audio"
)

// PCMFrame is one emitted slice of raw PCM16LE audio, annotated with the
// unit index that produced it so the chunk emitter can track
// unit_index_start/end without re-deriving it from text offsets.
type PCMFrame struct {
	Data      []byte
	UnitIndex int
}

// Engine is the abstract synthesis contract spec.md §2 and §9 describe:
// given a text fragment and a cancellation signal, yield PCM frames;
// report the engine's native sample rate so the gateway can refuse a
// mismatched AudioSpec at start time instead of silently resampling.
type Engine interface {
	// NativeSpec reports the sample rate, channel count and codec this
	// engine actually produces. The gateway never resamples: a session
	// whose requested AudioSpec doesn't match is rejected at start.
	NativeSpec() audio.Spec

	// Synthesize begins producing PCM16LE frames for text tagged with
	// unitIndex. It returns immediately; frames arrive on the first
	// channel until it closes (successful completion) or an error
	// arrives on the second channel, after which the frame channel is
	// also closed. Closing or sending on cancel must stop frame
	// production promptly — this is the hook the session's cancellation
	// latch drives.
	Synthesize(ctx context.Context, text string, unitIndex int, cancel <-chan struct{}) (<-chan PCMFrame, <-chan error)
}

// Kind names the selectable engine backends from WS_TTS_ENGINE.
type Kind string

const (
	KindDummy Kind = "dummy"
	KindPiper Kind = "piper"
	KindRiva  Kind = "riva"
)

// DummyConfig configures DummyEngine.
type DummyConfig struct {
	SampleRate int
	Channels   int
	// BytesPerUnitChar controls how much silence is synthesized per
	// character of input text, so longer units take proportionally
	// longer to "speak" — useful for exercising cancel-mid-stream and
	// backpressure scenarios deterministically in tests.
	BytesPerUnitChar int
	// FrameSize bounds how much PCM is emitted per channel send, so
	// long units still yield control back to the caller (and the
	// cancel check) between sends.
	FrameSize int
}

// DefaultDummyConfig returns sensible defaults: 24kHz mono, matching the
// default engine sample rate original_source's DummyTtsEngine and the
// spec's whitelist both accept.
func DefaultDummyConfig() DummyConfig {
	return DummyConfig{
		SampleRate:       24000,
		Channels:         1,
		BytesPerUnitChar: 64,
		FrameSize:        960,
	}
}

// DummyEngine synthesizes deterministic silence PCM, sized
// proportionally to input text length. It never fails and reacts to
// cancellation between frame sends. Grounded in
// original_source/sglang-server/ws_gateway_tts's DummyTtsEngine, which
// exists there for exactly the same reason: exercising the gateway
// without a real model.
type DummyEngine struct {
	cfg DummyConfig
}

// NewDummyEngine constructs a DummyEngine from cfg, filling in defaults
// for zero fields.
func NewDummyEngine(cfg DummyConfig) *DummyEngine {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.BytesPerUnitChar == 0 {
		cfg.BytesPerUnitChar = 64
	}
	if cfg.FrameSize == 0 {
		cfg.FrameSize = 960
	}
	return &DummyEngine{cfg: cfg}
}

func (e *DummyEngine) NativeSpec() audio.Spec {
	return audio.Spec{SampleRate: e.cfg.SampleRate, Channels: e.cfg.Channels, Codec: audio.CodecPCM16Raw}
}

func (e *DummyEngine) Synthesize(ctx context.Context, text string, unitIndex int, cancel <-chan struct{}) (<-chan PCMFrame, <-chan error) {
	frames := make(chan PCMFrame)
	errs := make(chan error, 1)

	spec := e.NativeSpec()
	total := spec.FrameAlign(len(text) * e.cfg.BytesPerUnitChar)
	if total <= 0 {
		total = spec.BytesPerFrame()
	}
	frameSize := spec.FrameAlign(e.cfg.FrameSize)
	if frameSize <= 0 {
		frameSize = spec.BytesPerFrame()
	}

	go func() {
		defer close(frames)
		remaining := total
		for remaining > 0 {
			select {
			case <-cancel:
				return
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			n := frameSize
			if n > remaining {
				n = remaining
			}
			// simulate synthesis latency proportional to audio produced
			select {
			case <-time.After(time.Microsecond * 200):
			case <-cancel:
				return
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}

			select {
			case frames <- PCMFrame{Data: make([]byte, n), UnitIndex: unitIndex}:
			case <-cancel:
				return
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			remaining -= n
		}
	}()

	return frames, errs
}

// errExternalEngineNotEmbedded is returned by the Piper/Riva
// constructors: the invocation details (subprocess management, gRPC
// dialing) are explicitly out of scope per spec.md §1 and §9. The
// interface seam is real; the plumbing behind it lives outside the
// core, as an external collaborator.
func errExternalEngineNotEmbedded(kind Kind) error {
	return fmt.Errorf("engine: %q is not embedded in the core — it is an external collaborator per spec scope; supply an Engine implementation out-of-process and register it instead", kind)
}

// NewPiperEngine exists so WS_TTS_ENGINE=piper resolves to a named,
// documented failure instead of an unknown-engine error. See
// errExternalEngineNotEmbedded.
func NewPiperEngine(binPath, modelPath string) (Engine, error) {
	return nil, errExternalEngineNotEmbedded(KindPiper)
}

// NewRivaEngine mirrors NewPiperEngine for the Riva backend.
func NewRivaEngine(server string) (Engine, error) {
	return nil, errExternalEngineNotEmbedded(KindRiva)
}

// Resolve builds the Engine for the given kind and config. Unknown kinds
// are a configuration error, not a protocol error — they're caught at
// startup, before any session exists.
func Resolve(kind Kind, dummy DummyConfig, piperBin, piperModel, rivaServer string) (Engine, error) {
	switch kind {
	case KindDummy, "":
		return NewDummyEngine(dummy), nil
	case KindPiper:
		return NewPiperEngine(piperBin, piperModel)
	case KindRiva:
		return NewRivaEngine(rivaServer)
	default:
		return nil, fmt.Errorf("engine: unknown WS_TTS_ENGINE %q", kind)
	}
}
