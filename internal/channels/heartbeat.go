package channels

import (
	"regexp"
	"strings"
)

// HeartbeatToken is the literal an agent replies with when a heartbeat
// check found nothing to report. Bare responses of the token are suppressed
// on delivery.
const HeartbeatToken = "HEARTBEAT_OK"

// Matches the token with optional bold, code, or strikethrough wrappers and
// any surrounding whitespace.
var heartbeatPattern = regexp.MustCompile(`\s*(?:\*\*|__|~~|` + "`" + `)*` + HeartbeatToken + `(?:\*\*|__|~~|` + "`" + `)*\s*`)

// StripHeartbeat removes every occurrence of the heartbeat token from text.
// An empty result means the reply was heartbeat-only and should not be
// delivered at all.
func StripHeartbeat(text string) string {
	if !strings.Contains(text, HeartbeatToken) {
		return text
	}
	stripped := heartbeatPattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(stripped)
}
