package policy

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// blockedBasenames are command names the WRITE_LOCAL tier may never run.
var blockedBasenames = map[string]bool{
	"rm": true, "rmdir": true, "mv": true,
	"chmod": true, "chown": true, "chgrp": true,
	"kill": true, "killall": true, "pkill": true,
	"sudo": true, "su": true, "doas": true,
	"shutdown": true, "reboot": true, "halt": true, "poweroff": true,
	"dd": true, "mkfs": true, "shred": true, "fdisk": true,
}

// blockedCommandPatterns catch dangerous constructs that survive tokenizing:
// command substitution, piping downloads into a shell, interpreter one-liners,
// scheduled execution, raw sockets and destructive find.
var blockedCommandPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"command substitution", regexp.MustCompile("\\$\\(|`")},
	{"pipe to shell", regexp.MustCompile(`\|\s*(?:sudo\s+)?(?:ba|z|da|k)?sh\b`)},
	{"interpreter escape", regexp.MustCompile(`\b(?:python3?|perl|ruby|node|php)\b[^|;&]*\s-[ce]\b`)},
	// Command position only; "at" as a plain word inside arguments is fine.
	{"scheduled execution", regexp.MustCompile(`(?:^|[;&|]\s*)(?:crontab|at)\b`)},
	{"raw socket tool", regexp.MustCompile(`\b(?:nc|ncat|netcat|socat)\b`)},
	{"destructive find", regexp.MustCompile(`\bfind\b.*-delete\b`)},
	{"shell eval", regexp.MustCompile(`\beval\b`)},
	{"device write", regexp.MustCompile(`>\s*/dev/(?:sd|nvme|vd|mmcblk)`)},
}

// shellMetaSplit tokenizes a command string on shell meta-characters so that
// chained commands like "ls; rm -rf x" expose every command position.
var shellMetaSplit = regexp.MustCompile(`[\s;|&<>(){}]+`)

// ContainsBlockedCommand checks a shell command against the WRITE_LOCAL
// block list. Returns a human-readable reason, or "" when the command is
// acceptable.
func ContainsBlockedCommand(cmd string) string {
	for _, p := range blockedCommandPatterns {
		if p.re.MatchString(cmd) {
			return fmt.Sprintf("blocked construct: %s", p.name)
		}
	}

	for _, tok := range shellMetaSplit.Split(cmd, -1) {
		if tok == "" {
			continue
		}
		base := strings.ToLower(path.Base(tok))
		if blockedBasenames[base] {
			return fmt.Sprintf("blocked command: %s", base)
		}
	}
	return ""
}
