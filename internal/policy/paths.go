package policy

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

// sensitiveBasenames match regardless of directory.
var sensitiveBasenames = []string{
	".env", "id_rsa", "id_ed25519", "id_ecdsa",
	"credentials.json", ".npmrc", ".netrc", ".pgpass",
	"authorized_keys", "known_hosts",
}

// sensitiveSuffixes match file extensions that usually hold key material.
var sensitiveSuffixes = []string{".pem", ".key", ".p12", ".pfx"}

// sensitiveRoots are home-relative directories whose entire subtree is off
// limits.
var sensitiveRoots = []string{".ssh", ".aws", ".gnupg", ".telclaude", ".config/gcloud"}

// sensitivePrefixPaths are home-relative path prefixes, matched as files.
var sensitivePrefixPaths = []string{".claude/settings"}

// IsSensitivePath reports whether s, a path or a command string, touches
// credential material or kernel-owned configuration.
//
// Command strings are tokenized into shell words; every path-like token is
// tested after ~ and $HOME expansion.
func IsSensitivePath(s string) bool {
	for _, tok := range splitShellWords(s) {
		if isPathLike(tok) && sensitivePath(expandHome(tok)) {
			return true
		}
	}
	return false
}

func sensitivePath(p string) bool {
	clean := filepath.Clean(p)
	base := path.Base(clean)
	lower := strings.ToLower(base)

	for _, b := range sensitiveBasenames {
		if lower == b || strings.HasPrefix(lower, b+".") {
			return true
		}
	}
	for _, suf := range sensitiveSuffixes {
		if strings.HasSuffix(lower, suf) {
			return true
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	rel := clean
	if home != "" && strings.HasPrefix(clean, home+string(filepath.Separator)) {
		rel = strings.TrimPrefix(clean, home+string(filepath.Separator))
	}
	rel = filepath.ToSlash(rel)

	for _, root := range sensitiveRoots {
		if rel == root || strings.HasPrefix(rel, root+"/") ||
			strings.Contains(rel, "/"+root+"/") || strings.HasSuffix(rel, "/"+root) {
			return true
		}
	}
	for _, prefix := range sensitivePrefixPaths {
		if strings.HasPrefix(rel, prefix) || strings.Contains(rel, "/"+prefix) {
			return true
		}
	}
	return false
}

// isPathLike filters tokens worth testing: anything with a path separator,
// a home reference, or a leading dot.
func isPathLike(tok string) bool {
	return strings.ContainsAny(tok, "/") ||
		strings.HasPrefix(tok, "~") ||
		strings.HasPrefix(tok, "$HOME") ||
		strings.HasPrefix(tok, ".")
}

// expandHome rewrites ~ and $HOME prefixes to the real home directory.
func expandHome(tok string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return tok
	}
	switch {
	case tok == "~" || tok == "$HOME":
		return home
	case strings.HasPrefix(tok, "~/"):
		return filepath.Join(home, tok[2:])
	case strings.HasPrefix(tok, "$HOME/"):
		return filepath.Join(home, tok[len("$HOME/"):])
	}
	return tok
}

// splitShellWords splits a command string into words, honoring single and
// double quotes so quoted paths stay whole.
func splitShellWords(s string) []string {
	var words []string
	var cur strings.Builder
	var quote byte

	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ' ' || c == '\t' || c == '\n' ||
			c == ';' || c == '|' || c == '&' || c == '<' || c == '>' ||
			c == '(' || c == ')':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return words
}
