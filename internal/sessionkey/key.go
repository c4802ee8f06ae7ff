// Package sessionkey implements the structured session key grammar:
//
//	sessionKey := root ( ":subagent:" id )?
//	root       := "cli:" id | "cron:" id | channel ":" userId
//
// The prefix is load-bearing: routing, prompt mode, and history limits all
// derive from it.
package sessionkey

import (
	"fmt"
	"strings"

	"github.com/chozzz/vargos/pkg/models"
)

const subagentMarker = ":subagent:"

// Key is a parsed session key.
type Key struct {
	Raw        string
	Root       string // root portion, without any subagent suffix
	Channel    string // first segment of the root ("cli", "cron", or channel name)
	UserID     string // second segment of the root
	SubagentID string // non-empty for sub-agent keys
}

// Parse splits a raw session key into its components. It returns an error
// for keys that do not match the grammar.
func Parse(raw string) (Key, error) {
	if raw == "" {
		return Key{}, fmt.Errorf("empty session key")
	}
	k := Key{Raw: raw, Root: raw}
	if idx := strings.Index(raw, subagentMarker); idx >= 0 {
		k.Root = raw[:idx]
		k.SubagentID = raw[idx+len(subagentMarker):]
		if k.SubagentID == "" || strings.Contains(k.SubagentID, ":") {
			return Key{}, fmt.Errorf("invalid subagent id in key %q", raw)
		}
	}
	parts := strings.SplitN(k.Root, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Key{}, fmt.Errorf("invalid session key %q", raw)
	}
	k.Channel = parts[0]
	k.UserID = parts[1]
	return k, nil
}

// IsSubagent reports whether raw names a sub-agent session.
func IsSubagent(raw string) bool {
	return strings.Contains(raw, subagentMarker)
}

// Root returns the root portion of raw, stripping any subagent suffix.
func Root(raw string) string {
	if idx := strings.Index(raw, subagentMarker); idx >= 0 {
		return raw[:idx]
	}
	return raw
}

// Subagent derives a sub-agent key under parent.
func Subagent(parent, id string) string {
	return Root(parent) + subagentMarker + id
}

// Kind derives the session kind from the key prefix.
func Kind(raw string) models.SessionKind {
	switch {
	case IsSubagent(raw):
		return models.SessionKindSubagent
	case strings.HasPrefix(raw, "cron:"):
		return models.SessionKindCron
	default:
		return models.SessionKindMain
	}
}

// IsChannelRooted reports whether the root of raw targets a messaging
// channel (anything other than the cli and cron namespaces).
func IsChannelRooted(raw string) bool {
	root := Root(raw)
	return !strings.HasPrefix(root, "cli:") && !strings.HasPrefix(root, "cron:")
}

// ChannelTarget decodes the root into a (channel, userId) delivery target.
// ok is false for cli- and cron-rooted keys.
func ChannelTarget(raw string) (channel, userID string, ok bool) {
	if !IsChannelRooted(raw) {
		return "", "", false
	}
	k, err := Parse(raw)
	if err != nil {
		return "", "", false
	}
	return k.Channel, k.UserID, true
}

// SafeKey encodes a session key for use as a filesystem path segment.
func SafeKey(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
