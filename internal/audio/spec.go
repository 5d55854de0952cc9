// Package audio declares the gateway's AudioSpec and PCM16/WAV codec
// helpers. The core never resamples or transcodes between formats; its
// only job is validating the declared spec and framing PCM16 as WAV on
// request.
package audio

import "fmt"

// Codec is the wire-level audio container spec.md §6 allows.
type Codec string

const (
	CodecPCM16Raw Codec = "pcm16_raw"
	CodecPCM16WAV Codec = "pcm16_wav"
)

var allowedSampleRates = map[int]bool{16000: true, 22050: true, 24000: true, 48000: true}
var allowedChannels = map[int]bool{1: true, 2: true}

// Spec declares the wire format a session's audio is emitted in.
type Spec struct {
	SampleRate int
	Channels   int
	Codec      Codec
}

// Validate checks the sample-rate/channel whitelist and codec enum from
// spec.md §4.1. It does not check compatibility with an engine's native
// spec — that's AgainstEngine's job, kept separate because the error
// kinds differ (protocol_error vs unsupported_sample_rate).
func (s Spec) Validate() error {
	if !allowedSampleRates[s.SampleRate] {
		return fmt.Errorf("audio: sample_rate %d not in whitelist {16000,22050,24000,48000}", s.SampleRate)
	}
	if !allowedChannels[s.Channels] {
		return fmt.Errorf("audio: channels %d not in whitelist {1,2}", s.Channels)
	}
	switch s.Codec {
	case CodecPCM16Raw, CodecPCM16WAV:
	default:
		return fmt.Errorf("audio: unknown codec %q", s.Codec)
	}
	return nil
}

// AgainstEngine reports whether this spec's sample rate matches the
// engine's native sample rate. The gateway never resamples (spec.md §1,
// §4.1, §9 Open Questions): a mismatch is always a hard failure at
// start-time, surfaced as error kind unsupported_sample_rate.
func (s Spec) AgainstEngine(engineSampleRate int) error {
	if s.SampleRate != engineSampleRate {
		return fmt.Errorf("audio: requested sample_rate %d does not match engine native sample_rate %d", s.SampleRate, engineSampleRate)
	}
	return nil
}

// BytesPerFrame returns the byte size of one PCM16 sample frame (all
// channels) at this spec.
func (s Spec) BytesPerFrame() int {
	return 2 * s.Channels
}

// FrameAlign rounds n down to the nearest whole-frame boundary so chunk
// cuts never split a sample across channels.
func (s Spec) FrameAlign(n int) int {
	bpf := s.BytesPerFrame()
	if bpf <= 0 {
		return n
	}
	return (n / bpf) * bpf
}

// ChunkMaxBytes returns the byte budget for "ms milliseconds worth of
// audio" at this spec, frame-aligned, per spec.md §4.4's default cut
// rule (20ms).
func (s Spec) ChunkMaxBytes(ms int) int {
	samplesPerMs := s.SampleRate / 1000
	raw := samplesPerMs * ms * s.BytesPerFrame()
	if raw <= 0 {
		raw = s.BytesPerFrame()
	}
	return s.FrameAlign(raw)
}
