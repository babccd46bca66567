package redact

import "regexp"

// Pattern is one compiled secret shape. Infrastructure patterns cover
// system-owned credentials (bot tokens, provider API keys, private keys);
// a match on one of those is a hard policy block that no tier or approval
// can override.
type Pattern struct {
	Name           string
	Infrastructure bool
	re             *regexp.Regexp
	maxLen         int
}

// Every quantifier below is upper-bounded. The streaming redactor relies on
// a bounded maximum match length to pick a safe emit point, so an unbounded
// `+` here would be a correctness bug, not a style choice.
var patterns = []Pattern{
	{
		Name:           "anthropic_api_key",
		Infrastructure: true,
		re:             regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{8,96}`),
		maxLen:         7 + 96,
	},
	{
		Name:           "openai_api_key",
		Infrastructure: true,
		re:             regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9]{20,64}`),
		maxLen:         8 + 64,
	},
	{
		Name:           "google_api_key",
		Infrastructure: true,
		re:             regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),
		maxLen:         4 + 35,
	},
	{
		Name:           "telegram_bot_token",
		Infrastructure: true,
		re:             regexp.MustCompile(`\d{8,10}:[A-Za-z0-9_-]{35}`),
		maxLen:         10 + 1 + 35,
	},
	{
		Name:           "aws_access_key",
		Infrastructure: true,
		re:             regexp.MustCompile(`(?:AKIA|ASIA)[0-9A-Z]{16}`),
		maxLen:         4 + 16,
	},
	{
		Name:           "private_key_pem",
		Infrastructure: true,
		re:             regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |ENCRYPTED |)PRIVATE KEY-----`),
		maxLen:         40,
	},
	{
		Name:   "github_pat",
		re:     regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,80}`),
		maxLen: 4 + 80,
	},
	{
		Name:   "slack_token",
		re:     regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,72}`),
		maxLen: 5 + 72,
	},
	{
		Name:   "stripe_key",
		re:     regexp.MustCompile(`[sr]k_(?:live|test)_[A-Za-z0-9]{16,64}`),
		maxLen: 8 + 64,
	},
	{
		Name:   "generic_api_key",
		re:     regexp.MustCompile(`(?i)(?:api[_-]?key|secret|token)["'\s:=]{1,4}[A-Za-z0-9_\-/+]{20,80}`),
		maxLen: 12 + 80,
	},
}

// encoded-form candidates: substrings that look like base64 or URL-encoded
// payloads get decoded and re-scanned against the pattern set.
var (
	base64Candidate = regexp.MustCompile(`[A-Za-z0-9+/]{24,512}={0,2}`)
	urlEncCandidate = regexp.MustCompile(`(?:%[0-9A-Fa-f][0-9A-Fa-f]|[A-Za-z0-9._~-]){20,512}`)
)

// maxPatternLen is the longest possible raw match across the pattern set.
// The streaming tail buffer must hold at least this many bytes.
func maxPatternLen() int {
	max := 0
	for _, p := range patterns {
		if p.maxLen > max {
			max = p.maxLen
		}
	}
	return max
}
