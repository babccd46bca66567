// Package redact detects and removes secret material from text before it
// leaves the process boundary.
//
// # Threat model
//
// Secrets (provider API keys, bot tokens, private keys) must never appear in:
//   - streamed agent output relayed to a chat surface
//   - audit payloads stored in SQLite
//   - log lines emitted by the kernel
//
// Detection runs the compiled pattern set against the raw text, against
// base64- and URL-decoded forms of suspicious substrings, and optionally
// against high-entropy token candidates. Matching bytes are replaced with
// a [REDACTED:<pattern-name>] marker.
package redact

import (
	"encoding/base64"
	"math"
	"net/url"
	"sort"
	"strings"
)

// Match describes one detected secret within the scanned text.
type Match struct {
	Pattern string
	Offset  int
	Length  int
	// Infrastructure marks system-owned secrets; policy treats these as a
	// non-overridable block.
	Infrastructure bool
}

// Result is returned by FilterOutput.
type Result struct {
	Blocked bool
	Matches []Match
}

// Detector scans text for secret material. The zero value is not usable;
// construct with NewDetector.
type Detector struct {
	// EntropyThreshold enables Shannon-entropy detection of opaque token
	// candidates when > 0. Random key material measures well above 4.5
	// bits/char; English prose sits near 4.0.
	entropyThreshold float64
}

// DefaultEntropyThreshold balances catching random key material against
// false positives on long identifiers.
const DefaultEntropyThreshold = 4.7

const (
	entropyMinToken = 24
	entropyMaxToken = 64
)

// NewDetector returns a Detector with entropy detection at threshold.
// Pass 0 to disable entropy detection.
func NewDetector(entropyThreshold float64) *Detector {
	return &Detector{entropyThreshold: entropyThreshold}
}

// FilterOutput scans s without mutating it. Blocked is true when any
// infrastructure pattern matched; policy uses this for the inbound
// hard-block check.
func (d *Detector) FilterOutput(s string) Result {
	matches := d.scan(s)
	res := Result{Matches: matches}
	for _, m := range matches {
		if m.Infrastructure {
			res.Blocked = true
			break
		}
	}
	return res
}

// Redact replaces every detected secret in s with its marker.
func (d *Detector) Redact(s string) string {
	matches := d.scan(s)
	if len(matches) == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, m := range matches {
		if m.Offset < last {
			continue // overlapping match already covered
		}
		b.WriteString(s[last:m.Offset])
		b.WriteString("[REDACTED:" + m.Pattern + "]")
		last = m.Offset + m.Length
	}
	b.WriteString(s[last:])
	return b.String()
}

// scan returns all matches in s, sorted by offset, longest-first on ties.
func (d *Detector) scan(s string) []Match {
	var matches []Match

	for i := range patterns {
		p := &patterns[i]
		for _, loc := range p.re.FindAllStringIndex(s, -1) {
			matches = append(matches, Match{
				Pattern:        p.Name,
				Offset:         loc[0],
				Length:         loc[1] - loc[0],
				Infrastructure: p.Infrastructure,
			})
		}
	}

	// The generic keyword pattern often swallows a more specific match
	// ("token: ghp_..."). Prefer the specific one.
	matches = suppressGeneric(matches)

	matches = append(matches, d.scanEncoded(s)...)

	if d.entropyThreshold > 0 {
		matches = append(matches, d.scanEntropy(s, matches)...)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Offset != matches[j].Offset {
			return matches[i].Offset < matches[j].Offset
		}
		return matches[i].Length > matches[j].Length
	})
	return matches
}

// scanEncoded decodes base64- and URL-encoded candidate substrings and runs
// the pattern set on the decoded bytes. A hit redacts the encoded substring
// itself: the encoded form is what would leak.
func (d *Detector) scanEncoded(s string) []Match {
	var matches []Match

	for _, loc := range base64Candidate.FindAllStringIndex(s, -1) {
		candidate := s[loc[0]:loc[1]]
		decoded, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil {
			if decoded, err = base64.RawStdEncoding.DecodeString(candidate); err != nil {
				continue
			}
		}
		if name, infra := matchAny(string(decoded)); name != "" {
			matches = append(matches, Match{
				Pattern:        name + "_base64",
				Offset:         loc[0],
				Length:         loc[1] - loc[0],
				Infrastructure: infra,
			})
		}
	}

	for _, loc := range urlEncCandidate.FindAllStringIndex(s, -1) {
		candidate := s[loc[0]:loc[1]]
		if !strings.Contains(candidate, "%") {
			continue
		}
		decoded, err := url.QueryUnescape(candidate)
		if err != nil {
			continue
		}
		if name, infra := matchAny(decoded); name != "" {
			matches = append(matches, Match{
				Pattern:        name + "_urlencoded",
				Offset:         loc[0],
				Length:         loc[1] - loc[0],
				Infrastructure: infra,
			})
		}
	}

	return matches
}

// suppressGeneric drops generic_api_key matches that overlap a match from a
// more specific pattern.
func suppressGeneric(matches []Match) []Match {
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		if m.Pattern == "generic_api_key" {
			overlapped := false
			for _, o := range matches {
				if o.Pattern == "generic_api_key" {
					continue
				}
				if m.Offset < o.Offset+o.Length && o.Offset < m.Offset+m.Length {
					overlapped = true
					break
				}
			}
			if overlapped {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// matchAny tests decoded bytes against the raw pattern set.
func matchAny(s string) (name string, infrastructure bool) {
	for i := range patterns {
		if patterns[i].re.MatchString(s) {
			return patterns[i].Name, patterns[i].Infrastructure
		}
	}
	return "", false
}

// scanEntropy flags delimited token candidates whose Shannon entropy exceeds
// the threshold and that are not already covered by a pattern match.
func (d *Detector) scanEntropy(s string, existing []Match) []Match {
	covered := func(off, length int) bool {
		for _, m := range existing {
			if off < m.Offset+m.Length && m.Offset < off+length {
				return true
			}
		}
		return false
	}

	var matches []Match
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		tok := s[start:end]
		if len(tok) >= entropyMinToken && len(tok) <= entropyMaxToken &&
			!covered(start, len(tok)) &&
			charClassCount(tok) >= 3 &&
			shannonEntropy(tok) >= d.entropyThreshold {
			matches = append(matches, Match{
				Pattern: "high_entropy",
				Offset:  start,
				Length:  len(tok),
			})
		}
		start = -1
	}

	for i := 0; i < len(s); i++ {
		if isTokenChar(s[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(s))
	return matches
}

// isTokenChar reports whether c can be part of an opaque credential token.
func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '+' || c == '/' || c == '=' || c == '_' || c == '-':
		return true
	}
	return false
}

// charClassCount counts the distinct character classes (lower, upper, digit,
// symbol) present in tok. Random key material mixes at least three.
func charClassCount(tok string) int {
	var lower, upper, digit, symbol bool
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		switch {
		case c >= 'a' && c <= 'z':
			lower = true
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= '0' && c <= '9':
			digit = true
		default:
			symbol = true
		}
	}
	n := 0
	for _, b := range []bool{lower, upper, digit, symbol} {
		if b {
			n++
		}
	}
	return n
}

// shannonEntropy returns the per-character Shannon entropy of s in bits.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	total := float64(len(s))
	entropy := 0.0
	for _, n := range freq {
		if n == 0 {
			continue
		}
		p := float64(n) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
