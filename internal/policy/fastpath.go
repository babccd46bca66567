package policy

import "regexp"

// fastAllow matches known-safe messages that never need the observer.
var fastAllow = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:hi|hello|hey|yo|good (?:morning|afternoon|evening))[!.\s]*$`),
	regexp.MustCompile(`(?i)^(?:thanks|thank you|thx|ty)[!.\s]*$`),
	regexp.MustCompile(`(?i)^(?:ok|okay|yes|no|sure|got it)[!.\s]*$`),
	regexp.MustCompile(`(?i)^what(?:'s| is) the (?:time|date|weather)\b`),
	regexp.MustCompile(`^(?:pwd|whoami|date|uptime)$`),
	regexp.MustCompile(`^ls(?:\s+-[a-zA-Z]+)?$`),
	regexp.MustCompile(`^git (?:status|log|diff|branch)(?:\s+-[a-zA-Z-]+)*$`),
	regexp.MustCompile(`(?i)^(?:help|status|/status|/help)$`),
}

// fastDeny matches known-dangerous commands and prompt-injection phrases.
var fastDeny = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (?:all |your )?(?:previous|prior|above) (?:instructions|prompts?|rules)`),
	regexp.MustCompile(`(?i)disregard (?:all |your )?(?:previous|prior|earlier) (?:instructions|prompts?)`),
	regexp.MustCompile(`(?i)you are now (?:dan|in developer mode|unrestricted|jailbroken)`),
	regexp.MustCompile(`(?i)(?:reveal|print|show|repeat) (?:your |the )?system prompt`),
	regexp.MustCompile(`(?i)pretend (?:you have|there are) no (?:restrictions|rules|guidelines)`),
	regexp.MustCompile(`rm\s+(?:-[a-zA-Z]*[rf][a-zA-Z]*\s+)+(?:/|~|\$HOME)`),
	regexp.MustCompile(`(?:curl|wget)\b[^|;]{0,200}\|\s*(?:sudo\s+)?(?:ba|z|da)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`chmod\s+(?:-[a-zA-Z]+\s+)*777\b`),
	regexp.MustCompile(`\bmkfs(?:\.[a-z0-9]+)?\b`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;:`),
	regexp.MustCompile(`base64\s+(?:-d|--decode)\b[^|;]{0,200}\|\s*(?:ba|z|da)?sh\b`),
	regexp.MustCompile(`>\s*/dev/(?:sd|nvme|vd|mmcblk)`),
	regexp.MustCompile(`dd\s+[^|;]*of=/dev/`),
}

// FastPath classifies text against the allow and deny regex lists. The deny
// list is checked first so a dangerous message can never ride an allow
// pattern. Returns nil when neither list matches; the caller escalates.
func FastPath(text string) *Verdict {
	for _, re := range fastDeny {
		if re.MatchString(text) {
			return &Verdict{
				Classification: Block,
				Confidence:     1,
				Reason:         "matched deny pattern",
				Source:         SourceFastPath,
			}
		}
	}
	for _, re := range fastAllow {
		if re.MatchString(text) {
			return &Verdict{
				Classification: Allow,
				Confidence:     1,
				Source:         SourceFastPath,
			}
		}
	}
	return nil
}
