package agent

import (
	"encoding/base64"
	"strings"
)

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// splitTarget decodes a "channel:userId" delivery target.
func splitTarget(target string) (channel, userID string, ok bool) {
	parts := strings.SplitN(target, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
