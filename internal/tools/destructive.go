package tools

import (
	"regexp"
	"strings"
)

// destructivePatterns match shell commands that delete data or force
// history rewrites. Matching is done on a normalized form of the command:
// whitespace runs collapsed, lowercased.
var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+`),
	regexp.MustCompile(`\brmdir\b`),
	regexp.MustCompile(`\bgit\s+push\s+(-f|--force)\b`),
	regexp.MustCompile(`\bgit\s+reset\s+--hard\b`),
	regexp.MustCompile(`\bgit\s+clean\b`),
	regexp.MustCompile(`\bgit\s+checkout\s+\.`),
	regexp.MustCompile(`\bdrop\s+table\b`),
	regexp.MustCompile(`\bdrop\s+database\b`),
	regexp.MustCompile(`\btruncate\s+`),
	regexp.MustCompile(`>\s*/dev/`),
	regexp.MustCompile(`\bchmod\s+777\b`),
	regexp.MustCompile(`\bkill\s+-9\b`),
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func normalizeCommand(command string) string {
	return strings.ToLower(strings.TrimSpace(whitespaceRun.ReplaceAllString(command, " ")))
}

// IsDestructive reports whether a shell command matches a known
// destructive pattern.
func IsDestructive(command string) bool {
	normalized := normalizeCommand(command)
	for _, p := range destructivePatterns {
		if p.MatchString(normalized) {
			return true
		}
	}
	return false
}

// CancelledResult is the tool result returned when the user refuses a
// destructive command. It is a normal result, not an error.
func CancelledResult() map[string]any {
	return map[string]any{
		"error":     "Command cancelled by user",
		"exit_code": -1,
	}
}
