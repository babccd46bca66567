package policy

import (
	"fmt"
	"strings"
	"unicode"
)

// maxMessageLen is the structural-check length ceiling; longer messages are
// flagged, not rejected.
const maxMessageLen = 8000

// maxWordRepeat flags a single word repeated more than this many times.
const maxWordRepeat = 20

// zeroWidthRunes are invisible characters used to split keywords past
// pattern matchers.
var zeroWidthRunes = map[rune]bool{
	'\u200b': true, // zero width space
	'\u200c': true, // zero width non-joiner
	'\u200d': true, // zero width joiner
	'\u2060': true, // word joiner
	'\ufeff': true, // BOM
	'\u00ad': true, // soft hyphen
}

// StructuralWarnings inspects text for obfuscation markers: invisible
// characters, flooding repetition, homoglyph script mixing and abnormal
// length. Findings produce WARN-level reasons, never a hard block.
func StructuralWarnings(text string) []string {
	var warnings []string

	if hasZeroWidth(text) {
		warnings = append(warnings, "contains zero-width or invisible characters")
	}
	if word, n := mostRepeatedWord(text); n > maxWordRepeat {
		warnings = append(warnings, fmt.Sprintf("word %q repeated %d times", word, n))
	}
	if hasMixedScriptWord(text) {
		warnings = append(warnings, "mixed-script characters within a single word")
	}
	if len(text) > maxMessageLen {
		warnings = append(warnings, fmt.Sprintf("message length %d exceeds %d", len(text), maxMessageLen))
	}
	return warnings
}

func hasZeroWidth(text string) bool {
	for _, r := range text {
		if zeroWidthRunes[r] {
			return true
		}
	}
	return false
}

func mostRepeatedWord(text string) (string, int) {
	counts := make(map[string]int)
	var topWord string
	var top int
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if len(w) < 2 {
			continue
		}
		counts[w]++
		if counts[w] > top {
			top, topWord = counts[w], w
		}
	}
	return topWord, top
}

// hasMixedScriptWord detects Latin mixed with Cyrillic or Greek inside one
// word, the classic homoglyph-spoofing shape.
func hasMixedScriptWord(text string) bool {
	for _, w := range strings.Fields(text) {
		var latin, confusable bool
		for _, r := range w {
			if !unicode.IsLetter(r) {
				continue
			}
			switch {
			case unicode.Is(unicode.Latin, r):
				latin = true
			case unicode.Is(unicode.Cyrillic, r), unicode.Is(unicode.Greek, r):
				confusable = true
			}
		}
		if latin && confusable {
			return true
		}
	}
	return false
}
