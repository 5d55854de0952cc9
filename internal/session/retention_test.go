package session

import (
	"testing"
	"time"
)

func chunkAt(seq int64, unitStart, unitEnd int, at time.Time) AudioChunk {
	return AudioChunk{ChunkSeq: seq, UnitIndexStart: unitStart, UnitIndexEnd: unitEnd, EmittedAt: at}
}

func TestRetentionRingReplayFiltersByUnitIndex(t *testing.T) {
	r := NewRetentionRing(256, 30*time.Second)
	now := time.Now()
	r.Add(chunkAt(1, 0, 0, now))
	r.Add(chunkAt(2, 1, 1, now))
	r.Add(chunkAt(3, 2, 3, now))
	r.Add(chunkAt(4, 4, 4, now))

	chunks, ok := r.Replay(1)
	if !ok {
		t.Fatal("expected replay to be possible")
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks after unit_index 1, got %d", len(chunks))
	}
	if chunks[0].ChunkSeq != 3 || chunks[1].ChunkSeq != 4 {
		t.Fatalf("unexpected replay order: %+v", chunks)
	}
}

func TestRetentionRingReplayEmptyRingAlwaysOK(t *testing.T) {
	r := NewRetentionRing(256, 30*time.Second)
	chunks, ok := r.Replay(100)
	if !ok || chunks != nil {
		t.Fatalf("expected (nil, true) for empty ring, got (%v, %v)", chunks, ok)
	}
}

func TestRetentionRingReplayNotAvailableAfterEviction(t *testing.T) {
	r := NewRetentionRing(2, 30*time.Second)
	now := time.Now()
	r.Add(chunkAt(1, 0, 0, now))
	r.Add(chunkAt(2, 1, 1, now))
	r.Add(chunkAt(3, 2, 2, now)) // evicts chunk 1 (size bound = 2)

	if _, ok := r.Replay(-1); ok {
		t.Fatal("expected replay to be unavailable: chunk covering unit_index 0 was evicted")
	}
	if _, ok := r.Replay(0); !ok {
		t.Fatal("expected replay to be available: client already has everything through the evicted chunk")
	}
}

func TestRetentionRingEvictsByAge(t *testing.T) {
	r := NewRetentionRing(256, 10*time.Millisecond)
	old := time.Now().Add(-time.Second)
	r.Add(chunkAt(1, 0, 0, old))
	r.Add(chunkAt(2, 1, 1, time.Now()))

	if got := r.Len(); got != 1 {
		t.Fatalf("expected 1 chunk retained after age eviction, got %d", got)
	}
}

func TestRetentionRingEvictsBySize(t *testing.T) {
	r := NewRetentionRing(3, 0)
	now := time.Now()
	for i := int64(1); i <= 5; i++ {
		r.Add(chunkAt(i, int(i-1), int(i-1), now))
	}
	if got := r.Len(); got != 3 {
		t.Fatalf("expected ring capped at 3, got %d", got)
	}
	chunks, ok := r.Replay(1)
	if !ok {
		t.Fatal("expected replay to be available")
	}
	if chunks[0].ChunkSeq != 3 {
		t.Fatalf("expected oldest retained chunk to be seq 3, got %d", chunks[0].ChunkSeq)
	}
}
