package session

import (
	"bytes"
	"testing"

	"github.com/wstts/gateway/internal/audio"
	"github.com/wstts/gateway/internal/engine"
)

func frame(unitIndex int, n int) engine.PCMFrame {
	return engine.PCMFrame{Data: bytes.Repeat([]byte{0xAB}, n), UnitIndex: unitIndex}
}

func TestEmitterCutsOnUnitAdvance(t *testing.T) {
	spec := audio.Spec{SampleRate: 24000, Channels: 1, Codec: audio.CodecPCM16Raw}
	e := NewEmitter(spec, 1000) // effectively unbounded chunk size for this test

	var cuts []rawChunk
	cuts = append(cuts, e.Feed(frame(0, 10))...)
	cuts = append(cuts, e.Feed(frame(0, 10))...)
	cuts = append(cuts, e.Feed(frame(1, 5))...)

	if len(cuts) != 1 {
		t.Fatalf("expected exactly 1 cut on unit advance, got %d", len(cuts))
	}
	if cuts[0].UnitIndexStart != 0 || cuts[0].UnitIndexEnd != 0 {
		t.Fatalf("expected cut to cover unit 0 only, got start=%d end=%d", cuts[0].UnitIndexStart, cuts[0].UnitIndexEnd)
	}
	if len(cuts[0].AudioBytes) != 20 {
		t.Fatalf("expected 20 bytes in the unit-0 cut, got %d", len(cuts[0].AudioBytes))
	}

	if final := e.Flush(); final == nil || len(final.AudioBytes) != 5 {
		t.Fatalf("expected a 5-byte residual flush for unit 1, got %+v", final)
	}
}

func TestEmitterCutsOnMaxBytes(t *testing.T) {
	spec := audio.Spec{SampleRate: 24000, Channels: 1, Codec: audio.CodecPCM16Raw}
	e := NewEmitter(spec, 0)
	e.chunkMaxBytes = 10 // force a small, deterministic bound for this test

	cuts := e.Feed(frame(0, 25))
	if len(cuts) != 2 {
		t.Fatalf("expected 2 size-bound cuts from 25 bytes at a 10-byte budget, got %d", len(cuts))
	}
	for _, c := range cuts {
		if len(c.AudioBytes) != 10 {
			t.Errorf("expected each size-bound cut to be exactly 10 bytes, got %d", len(c.AudioBytes))
		}
	}

	final := e.Flush()
	if final == nil || len(final.AudioBytes) != 5 {
		t.Fatalf("expected 5 residual bytes after two 10-byte cuts from 25, got %+v", final)
	}
}

func TestEmitterFlushOnEmptyReturnsNil(t *testing.T) {
	spec := audio.Spec{SampleRate: 24000, Channels: 1, Codec: audio.CodecPCM16Raw}
	e := NewEmitter(spec, 20)
	if got := e.Flush(); got != nil {
		t.Fatalf("expected nil flush on empty emitter, got %+v", got)
	}
}

func TestEmitterPreservesByteOrderAcrossCuts(t *testing.T) {
	spec := audio.Spec{SampleRate: 24000, Channels: 1, Codec: audio.CodecPCM16Raw}
	e := NewEmitter(spec, 0)
	e.chunkMaxBytes = 4

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
	var got []byte
	for _, c := range e.Feed(engine.PCMFrame{Data: data, UnitIndex: 0}) {
		got = append(got, c.AudioBytes...)
	}
	if final := e.Flush(); final != nil {
		got = append(got, final.AudioBytes...)
	}

	if !bytes.Equal(got, data) {
		t.Fatalf("expected reassembled bytes %v, got %v", data, got)
	}
}
