package agent

import (
	"strings"

	"github.com/chozzz/vargos/internal/sessionkey"
	"github.com/chozzz/vargos/pkg/models"
)

// Turn caps by session-key prefix. Channel sessions keep the most history;
// sub-agents and cron runs are short-lived and keep the least.
const (
	turnLimitChannel  = 30
	turnLimitCLI      = 50
	turnLimitSubagent = 10
)

const missingToolResultText = "tool did not complete"

// TurnLimitFor derives the user-turn cap from the session key.
func TurnLimitFor(key string) int {
	switch {
	case sessionkey.IsSubagent(key), strings.HasPrefix(key, "cron:"):
		return turnLimitSubagent
	case strings.HasPrefix(key, "cli:"):
		return turnLimitCLI
	default:
		return turnLimitChannel
	}
}

// Sanitize repairs raw session history into a shape the provider's
// tool-calling API accepts: the most recent turn-cap user turns, every
// tool_use paired with a tool result, and consecutive same-role turns
// merged. The result alternates {user | tool-result-group | assistant}.
func Sanitize(key string, history []*models.SessionMessage) []*models.SessionMessage {
	limited := limitTurns(history, TurnLimitFor(key))
	repaired := repairToolPairing(limited)
	return mergeTurns(repaired)
}

// limitTurns keeps the last n user turns with everything between them.
func limitTurns(history []*models.SessionMessage, n int) []*models.SessionMessage {
	if n <= 0 {
		return history
	}
	seen := 0
	start := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] != nil && history[i].Role == models.RoleUser {
			seen++
			if seen == n {
				start = i
				break
			}
		}
	}
	if seen < n {
		return history
	}
	return history[start:]
}

// repairToolPairing enforces the tool_use/toolResult invariant: every
// tool_use in an assistant message gets a matching result in the group
// that follows; missing results are synthesized as errors and orphan
// results are dropped.
func repairToolPairing(history []*models.SessionMessage) []*models.SessionMessage {
	out := make([]*models.SessionMessage, 0, len(history))
	pending := map[string]string{} // toolCallId -> toolName
	var pendingOrder []string

	flushPending := func() {
		for _, id := range pendingOrder {
			name, ok := pending[id]
			if !ok {
				continue
			}
			out = append(out, syntheticToolResult(id, name))
		}
		pending = map[string]string{}
		pendingOrder = nil
	}

	for _, msg := range history {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case models.RoleToolResult:
			if _, ok := pending[msg.ToolCallID]; !ok {
				// Orphan: no preceding tool_use with this id.
				continue
			}
			delete(pending, msg.ToolCallID)
			out = append(out, msg)

		case models.RoleAssistant:
			flushPending()
			out = append(out, msg)
			for _, use := range msg.ToolUses() {
				if use.ID == "" {
					continue
				}
				pending[use.ID] = use.Name
				pendingOrder = append(pendingOrder, use.ID)
			}

		default:
			flushPending()
			out = append(out, msg)
		}
	}
	flushPending()
	return out
}

func syntheticToolResult(toolCallID, toolName string) *models.SessionMessage {
	return &models.SessionMessage{
		SessionKey: "",
		Role:       models.RoleToolResult,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		IsError:    true,
		Content:    missingToolResultText,
		Metadata:   map[string]any{"synthetic": true},
	}
}

// mergeTurns collapses consecutive user messages and consecutive assistant
// messages. Tool results are never merged: each stays individually keyed
// to its call.
func mergeTurns(history []*models.SessionMessage) []*models.SessionMessage {
	out := make([]*models.SessionMessage, 0, len(history))
	for _, msg := range history {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if prev.Role == msg.Role && msg.Role == models.RoleUser {
				merged := *prev
				merged.Content = joinText(prev.TextContent(), msg.TextContent())
				merged.Blocks = nil
				out[len(out)-1] = &merged
				continue
			}
			if prev.Role == msg.Role && msg.Role == models.RoleAssistant {
				merged := *prev
				merged.Blocks = append(append([]models.ContentBlock{}, blocksOf(prev)...), blocksOf(msg)...)
				merged.Content = joinText(prev.Content, msg.Content)
				out[len(out)-1] = &merged
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

func blocksOf(m *models.SessionMessage) []models.ContentBlock {
	if len(m.Blocks) > 0 {
		return m.Blocks
	}
	if m.Content != "" {
		return []models.ContentBlock{{Type: models.BlockText, Text: m.Content}}
	}
	return nil
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n" + b
	}
}
