package redact

import "strings"

// StreamRedactor applies the detector to an ordered chunk stream. It holds
// back a tail of undecided bytes between calls so that a secret split across
// chunk boundaries is still caught.
//
// Contract: for chunks c1..cn,
//
//	concat(ProcessChunk(c1)..ProcessChunk(cn)) + Flush()
//
// equals Redact(concat(c1..cn)) byte for byte.
type StreamRedactor struct {
	det *Detector
	buf string
	// keep is the undecided tail length; at least the longest possible
	// pattern match so no match can span an emitted prefix and the tail.
	keep int
}

// hardCap bounds buffer growth when the input is one pathological unbroken
// token run. Beyond the cap the redactor cuts anyway and accepts that a run
// longer than any recognizable secret may be split.
const hardCap = 64 * 1024

// NewStreamRedactor wraps det in streaming state.
func NewStreamRedactor(det *Detector) *StreamRedactor {
	keep := maxPatternLen()
	// Encoded candidates are longer than any raw pattern; the tail must
	// cover them too or a split base64 blob would decode differently.
	if c := 512 + 2; c > keep {
		keep = c
	}
	return &StreamRedactor{det: det, keep: keep}
}

// ProcessChunk appends chunk and emits the longest prefix that can no longer
// participate in a match. The emitted prefix is already redacted.
func (r *StreamRedactor) ProcessChunk(chunk string) string {
	r.buf += chunk
	if len(r.buf) <= r.keep {
		return ""
	}

	cut := len(r.buf) - r.keep

	// Never cut inside a detected match. Moving the cut can put it inside an
	// earlier match, so repeat until stable.
	matches := r.det.scan(r.buf)
	for changed := true; changed; {
		changed = false
		for _, m := range matches {
			if m.Offset < cut && m.Offset+m.Length > cut {
				cut = m.Offset
				changed = true
			}
		}
	}

	// Never split an unbroken token run: the two halves could classify
	// differently from the whole (entropy candidates are delimited tokens).
	if len(r.buf) < hardCap {
		for cut > 0 && isTokenChar(r.buf[cut]) && isTokenChar(r.buf[cut-1]) {
			cut--
		}
	}

	if cut <= 0 {
		return ""
	}

	prefix := r.buf[:cut]
	r.buf = r.buf[cut:]
	return r.det.Redact(prefix)
}

// Flush redacts and returns the remaining tail. The redactor is reusable
// afterwards.
func (r *StreamRedactor) Flush() string {
	out := r.det.Redact(r.buf)
	r.buf = ""
	return out
}

// RedactAll is a convenience for non-streaming callers: it redacts the full
// text in one pass, equivalent to a single ProcessChunk + Flush.
func (r *StreamRedactor) RedactAll(s string) string {
	var b strings.Builder
	b.WriteString(r.ProcessChunk(s))
	b.WriteString(r.Flush())
	return b.String()
}
