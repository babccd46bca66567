package toolguard

import (
	"fmt"
	"strings"
)

// DefaultOutputCap is the tool-output size ceiling in bytes.
const DefaultOutputCap = 100_000

// newlineSlack is how far the truncation edges may shift to land on a line
// boundary.
const newlineSlack = 200

// TruncateOutput caps s at max bytes, keeping the head and the tail with a
// visible marker in between. Edges prefer newline boundaries so the cut does
// not land mid-line. max <= 0 selects DefaultOutputCap.
func TruncateOutput(s string, max int) string {
	if max <= 0 {
		max = DefaultOutputCap
	}
	if len(s) <= max {
		return s
	}

	headEnd := max / 2
	tailStart := len(s) - (max - headEnd)

	// Pull the head back to the previous newline when one is close.
	if i := strings.LastIndexByte(s[:headEnd], '\n'); i >= 0 && headEnd-i <= newlineSlack {
		headEnd = i + 1
	}
	// Push the tail forward to the next newline when one is close.
	if i := strings.IndexByte(s[tailStart:], '\n'); i >= 0 && i <= newlineSlack {
		tailStart += i + 1
	}

	dropped := tailStart - headEnd
	return fmt.Sprintf("%s[... truncated %d chars ...]%s", s[:headEnd], dropped, s[tailStart:])
}
