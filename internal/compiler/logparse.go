package compiler

import (
	"regexp"
	"strings"
)

// MaxErrors caps the diagnostic list returned for a failed build.
const MaxErrors = 10

var missingFileRe = regexp.MustCompile("(?i)(file [`'\"]?[^ ]+['\"]? not found|no file [^ ]+\\.|cannot find image file|couldn't find file)")

func isErrorLine(line string) bool {
	if strings.HasPrefix(line, "!") {
		return true
	}
	if strings.Contains(strings.ToLower(line), "undefined control sequence") {
		return true
	}
	return missingFileRe.MatchString(line)
}

// ExtractErrors pulls error lines out of a toolchain log. Each entry is the
// error line plus the following line for context. Entries are deduplicated
// and capped at limit.
func ExtractErrors(log string, limit int) []string {
	if limit <= 0 {
		limit = MaxErrors
	}
	lines := strings.Split(strings.ReplaceAll(log, "\r\n", "\n"), "\n")
	seen := make(map[string]bool)
	var out []string
	for i, line := range lines {
		line = strings.TrimRight(line, " \t")
		if !isErrorLine(line) {
			continue
		}
		entry := line
		if i+1 < len(lines) {
			if next := strings.TrimSpace(lines[i+1]); next != "" {
				entry += "\n" + next
			}
		}
		if seen[entry] {
			continue
		}
		seen[entry] = true
		out = append(out, entry)
		if len(out) == limit {
			break
		}
	}
	return out
}

// LogExcerpt returns the tail of a log, bounded to max bytes.
func LogExcerpt(log string, max int) string {
	if len(log) <= max {
		return log
	}
	return "...(truncated)\n" + log[len(log)-max:]
}
