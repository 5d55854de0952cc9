package session

import (
	"github.com/wstts/gateway/internal/audio"
	"github.com/wstts/gateway/internal/engine"
)

// Emitter accumulates engine PCM frames and cuts them into AudioChunks
// per spec.md §4.4's rules: a chunk max byte budget, a cut on unit
// advance, and an explicit Flush for end-of-stream. It carries no
// chunk_seq/timestamp/WAV-header state — Pipeline.emitChunk stamps them
// (chunk_seq from the Session) onto the chunks Feed/Flush return.
type Emitter struct {
	spec          audio.Spec
	chunkMaxBytes int

	buf       []byte
	unitStart int
	unitEnd   int
}

// NewEmitter constructs an Emitter for spec, cutting chunks no larger
// than chunkMaxMillis worth of audio (frame-aligned).
func NewEmitter(spec audio.Spec, chunkMaxMillis int) *Emitter {
	return &Emitter{
		spec:          spec,
		chunkMaxBytes: spec.ChunkMaxBytes(chunkMaxMillis),
		unitStart:     -1,
		unitEnd:       -1,
	}
}

// rawChunk is an emitted chunk before Pipeline.emitChunk stamps chunk_seq/header.
type rawChunk struct {
	UnitIndexStart int
	UnitIndexEnd   int
	AudioBytes     []byte
}

// Feed appends one engine frame and returns zero or more chunks cut as a
// result: one if the frame belongs to a different unit than what's
// buffered (unit-advance cut, rule b), plus as many size-bound cuts
// (rule a) as the now-larger buffer crosses.
func (e *Emitter) Feed(frame engine.PCMFrame) []rawChunk {
	var cuts []rawChunk

	if len(e.buf) > 0 && frame.UnitIndex != e.unitEnd {
		cuts = append(cuts, e.cut())
	}

	if e.unitStart == -1 {
		e.unitStart = frame.UnitIndex
	}
	e.unitEnd = frame.UnitIndex
	e.buf = append(e.buf, frame.Data...)

	for e.chunkMaxBytes > 0 && len(e.buf) >= e.chunkMaxBytes {
		cuts = append(cuts, e.cutN(e.chunkMaxBytes))
	}

	return cuts
}

// Flush cuts and returns any residual buffered audio (rule c: engine
// flush / end of unit stream). Returns nil if nothing is buffered.
func (e *Emitter) Flush() *rawChunk {
	if len(e.buf) == 0 {
		return nil
	}
	c := e.cut()
	return &c
}

func (e *Emitter) cut() rawChunk {
	return e.cutN(len(e.buf))
}

func (e *Emitter) cutN(n int) rawChunk {
	if n > len(e.buf) {
		n = len(e.buf)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	e.buf = e.buf[n:]

	c := rawChunk{UnitIndexStart: e.unitStart, UnitIndexEnd: e.unitEnd, AudioBytes: out}
	if len(e.buf) == 0 {
		e.unitStart = -1
	} else {
		// Residual bytes still belong to the unit that produced them.
		e.unitStart = e.unitEnd
	}
	return c
}
