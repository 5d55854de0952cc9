package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// StreamingDataSizeSentinel is written into the data subchunk's size
// field for the header accompanying the first chunk of a pcm16_wav
// session, per spec.md §4.4: the true length isn't known until the
// stream ends, so the header declares it as unbounded.
const StreamingDataSizeSentinel = uint32(0xFFFFFFFF)

const wavHeaderSize = 44

// BuildStreamingWAVHeader returns the canonical 44-byte PCM16LE
// RIFF/WAVE header for spec, with the data-length field set to the
// streaming sentinel. The core hand-writes this header directly: the
// go-audio/wav encoder is built around io.WriteSeeker output so it can
// patch real chunk sizes on Close, which doesn't fit a header whose
// data length is deliberately unknown — so only the fixed RIFF/fmt
// layout constants (channel count, sample rate, bits-per-sample) are
// taken from the same conventions go-audio/wav uses when decoding.
func BuildStreamingWAVHeader(spec Spec) ([]byte, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	const bitsPerSample = 16
	blockAlign := spec.Channels * bitsPerSample / 8
	byteRate := spec.SampleRate * blockAlign

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, StreamingDataSizeSentinel) // riff chunk size, also unbounded
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16)) // fmt chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))   // PCM
	binary.Write(buf, binary.LittleEndian, uint16(spec.Channels))
	binary.Write(buf, binary.LittleEndian, uint32(spec.SampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, StreamingDataSizeSentinel)

	if buf.Len() != wavHeaderSize {
		return nil, fmt.Errorf("audio: built WAV header of unexpected size %d", buf.Len())
	}
	return buf.Bytes(), nil
}

// DecodeWAVPCM16 parses a complete RIFF/WAVE byte stream and returns its
// raw PCM16LE payload plus the format it was encoded at. Used
// defensively when an engine hands back WAV-wrapped audio instead of
// raw PCM (Piper's CLI does this by default); grounded in
// original_source's piper.py WAV parser, reimplemented on go-audio/wav
// instead of a hand-rolled chunk walker.
func DecodeWAVPCM16(wavBytes []byte) (pcm []byte, spec Spec, err error) {
	dec := wav.NewDecoder(bytes.NewReader(wavBytes))
	if !dec.IsValidFile() {
		return nil, Spec{}, fmt.Errorf("audio: not a valid RIFF/WAVE file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Spec{}, fmt.Errorf("audio: decode WAV: %w", err)
	}
	if buf.SourceBitDepth != 0 && buf.SourceBitDepth != 16 {
		return nil, Spec{}, fmt.Errorf("audio: unsupported WAV bit depth %d, want 16", buf.SourceBitDepth)
	}
	pcm = intBufferToPCM16LE(buf)
	spec = Spec{
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
		Codec:      CodecPCM16Raw,
	}
	return pcm, spec, nil
}

func intBufferToPCM16LE(buf *goaudio.IntBuffer) []byte {
	out := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(int16(sample)))
	}
	return out
}

// StripWAVHeader extracts the data-subchunk payload from a complete WAV
// byte stream. It runs DecodeWAVPCM16, so the same RIFF/WAVE and 16-bit
// checks apply, but it discards the decoded format instead of returning
// it — for raw bytes an engine promised were already PCM16 at the
// session's spec.
func StripWAVHeader(wavBytes []byte) ([]byte, error) {
	pcm, _, err := DecodeWAVPCM16(wavBytes)
	if err != nil {
		return nil, err
	}
	return pcm, nil
}
