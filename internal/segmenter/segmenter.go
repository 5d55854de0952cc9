// Package segmenter implements the text→unit segmentation pipeline of
// spec.md §4.2: inbound text fragments are accumulated and cut into
// scheduling units at punctuation or length boundaries, in arrival
// order, with the concatenation invariant preserved exactly.
package segmenter

import (
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Config holds the tunables spec.md §4.2 names, with its documented
// defaults.
type Config struct {
	FlushOnPunct  bool
	FlushMinChars int
}

// DefaultConfig matches spec.md §4.2's stated defaults.
func DefaultConfig() Config {
	return Config{FlushOnPunct: true, FlushMinChars: 12}
}

// breakRunes is the exact punctuation set spec.md §4.2 rule 1 names:
// ASCII terminators plus their full-width CJK counterparts (the
// spec's own rendering collapses the full-width glyphs to their
// half-width look-alikes; the full-width code points are what a real
// CJK text stream actually produces, so those are what's matched here).
var breakRunes = map[rune]bool{
	'.': true, '!': true, '?': true, ';': true, ',': true, ':': true,
	'。': true, // 。 ideographic full stop
	'！': true, // ！ full-width exclamation mark
	'？': true, // ？ full-width question mark
	'；': true, // ； full-width semicolon
	'，': true, // ， full-width comma
	'、': true, // 、 ideographic comma
}

// Unit is a segmentation record: a dense, immutable-once-assigned index
// over a text slice, with Terminal set when the unit was flushed by
// text_end rather than a punctuation/length boundary.
type Unit struct {
	Index    int
	Text     string
	Terminal bool
}

// Segmenter consumes text fragments in arrival order and emits Units.
// It is not safe for concurrent use — the session's single synthesis
// task owns it.
type Segmenter struct {
	cfg       Config
	buf       []byte
	nextIndex int
}

// New constructs a Segmenter with cfg, filling zero fields from
// DefaultConfig.
func New(cfg Config) *Segmenter {
	if cfg.FlushMinChars == 0 {
		cfg.FlushMinChars = DefaultConfig().FlushMinChars
	}
	return &Segmenter{cfg: cfg}
}

// Feed appends text to the accumulation buffer, unchanged, and returns
// any units that become flushable as a result, in order. The buffer is
// never normalized: spec.md §4.2/§8 requires the concatenation of all
// unit texts to equal the concatenation of all received text_delta.text
// byte for byte, so altering the bytes of what was received (even to an
// equivalent NFC form) would break that invariant. Normalization is
// applied only transiently, on the full buffer, when deciding whether it
// ends in a break rune — see endsInBreakRune — so a combining mark split
// across two fragments is judged the same way it would be had both
// fragments arrived as one, without ever rewriting what gets emitted.
func (s *Segmenter) Feed(text string) []Unit {
	if text == "" {
		return nil
	}
	s.buf = append(s.buf, text...)
	return s.drain()
}

// End flushes the residual buffer as a single terminal unit, even if
// empty, per spec.md §4.2 rule 4. It is only valid to call once.
func (s *Segmenter) End() Unit {
	u := Unit{Index: s.nextIndex, Text: string(s.buf), Terminal: true}
	s.nextIndex++
	s.buf = s.buf[:0]
	return u
}

// drain repeatedly cuts the buffer against rules 1-2 until neither
// applies. Punctuation takes precedence over length, per the tie-break
// spec.md §4.2 states explicitly: a buffer that is simultaneously
// long enough and ends in punctuation is still cut by rule 1's logic,
// since both rules produce the same cut point (the whole buffer) here —
// the precedence only matters when deciding *whether* to cut at all,
// and rule 1 is checked first.
func (s *Segmenter) drain() []Unit {
	var units []Unit
	for {
		if len(s.buf) == 0 {
			return units
		}
		if s.cfg.FlushOnPunct && s.endsInBreakRune() {
			units = append(units, s.flush(false))
			continue
		}
		if utf8.RuneCount(s.buf) >= s.cfg.FlushMinChars {
			units = append(units, s.flush(false))
			continue
		}
		return units
	}
}

func (s *Segmenter) flush(terminal bool) Unit {
	u := Unit{Index: s.nextIndex, Text: string(s.buf), Terminal: terminal}
	s.nextIndex++
	s.buf = s.buf[:0]
	return u
}

// endsInBreakRune normalizes the whole buffer to NFC (never mutating
// s.buf itself) before checking its trailing rune, so a base character
// and a combining mark that arrived in separate text_delta fragments are
// judged as one composed rune — the same result as if the full text had
// arrived in a single fragment.
func (s *Segmenter) endsInBreakRune() bool {
	normalized := norm.NFC.Bytes(s.buf)
	r, _ := utf8.DecodeLastRune(normalized)
	if r == utf8.RuneError {
		return false
	}
	return breakRunes[r]
}
