package lifecycle

import "regexp"

// scrubPatterns redact secret-bearing tokens out of captured stdout/stderr
// before it is appended to a bridge's log ring buffer (§4.8 "Log hygiene").
var scrubPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)TOKEN=\S+`),
	regexp.MustCompile(`(?i)PASSWORD=\S+`),
	regexp.MustCompile(`(?i)CONTROL_PLANE_TOKEN=\S+`),
	regexp.MustCompile(`(?i)Bearer\s+\S+`),
}

// scrubLog replaces the value half of each matched pattern with "***". This
// is a best-effort denylist, not a security boundary — see DESIGN.md's
// open-question note on log scrubbing scope.
func scrubLog(line string) string {
	out := line
	out = scrubPatterns[0].ReplaceAllString(out, "TOKEN=***")
	out = scrubPatterns[1].ReplaceAllString(out, "PASSWORD=***")
	out = scrubPatterns[2].ReplaceAllString(out, "CONTROL_PLANE_TOKEN=***")
	out = scrubPatterns[3].ReplaceAllString(out, "Bearer ***")
	return out
}

// MaxLogLines bounds a bridge's scrubbed ring buffer.
const MaxLogLines = 200

func appendLog(logs []string, line string) []string {
	out := append(append([]string(nil), logs...), scrubLog(line))
	if len(out) > MaxLogLines {
		out = out[len(out)-MaxLogLines:]
	}
	return out
}
