package session

import (
	"sync"
	"time"
)

// AudioChunk is one emitted frame of audio, as both sent on the wire and
// retained for resume, per spec.md §3.
type AudioChunk struct {
	ChunkSeq       int64
	UnitIndexStart int
	UnitIndexEnd   int
	AudioBytes     []byte
	WAVHeader      []byte // non-nil only for the first chunk of a pcm16_wav session
	EmittedAt      time.Time
}

// RetentionRing holds the most recently emitted chunks of a session, for
// replay on resume. It evicts by both count (at most `size` chunks) and
// age (nothing older than `maxAge`), whichever is tighter, per spec.md
// §3's retention invariant.
type RetentionRing struct {
	mu     sync.Mutex
	items  []AudioChunk
	size   int
	maxAge time.Duration
}

// NewRetentionRing constructs a ring bounded by size and maxAge. A
// non-positive size or maxAge disables that bound (unbounded on that
// axis) — callers should pass the documented defaults (256, 30s) unless
// overridden.
func NewRetentionRing(size int, maxAge time.Duration) *RetentionRing {
	return &RetentionRing{size: size, maxAge: maxAge}
}

// Add appends chunk to the ring and evicts anything now over the
// size/age bound.
func (r *RetentionRing) Add(chunk AudioChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, chunk)
	r.evictLocked(chunk.EmittedAt)
}

func (r *RetentionRing) evictLocked(now time.Time) {
	if r.maxAge > 0 {
		cutoff := now.Add(-r.maxAge)
		start := 0
		for start < len(r.items) && r.items[start].EmittedAt.Before(cutoff) {
			start++
		}
		if start > 0 {
			r.items = append([]AudioChunk{}, r.items[start:]...)
		}
	}
	if r.size > 0 && len(r.items) > r.size {
		r.items = append([]AudioChunk{}, r.items[len(r.items)-r.size:]...)
	}
}

// Replay returns the retained chunks with UnitIndexStart >
// lastUnitIndexReceived, in original emission order, plus a bool
// reporting whether replay is possible at all. Replay is impossible
// (ok=false) when the requested index predates the oldest retained
// chunk by more than one unit — meaning a chunk covering that range was
// already evicted and resuming would silently skip audio.
func (r *RetentionRing) Replay(lastUnitIndexReceived int) (chunks []AudioChunk, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.items) == 0 {
		return nil, true
	}

	oldest := r.items[0]
	if lastUnitIndexReceived < oldest.UnitIndexStart-1 {
		return nil, false
	}

	out := make([]AudioChunk, 0, len(r.items))
	for _, c := range r.items {
		if c.UnitIndexStart > lastUnitIndexReceived {
			out = append(out, c)
		}
	}
	return out, true
}

// Len reports how many chunks are currently retained (test/metrics use).
func (r *RetentionRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
