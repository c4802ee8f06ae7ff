package agent

import (
	"fmt"
	"strings"

	"github.com/chozzz/vargos/pkg/models"
)

// Compaction policy knobs: the soft threshold trims individual oversized
// tool results; the hard threshold replaces a contiguous middle slice of
// history with a summary.
type CompactionPolicy interface {
	// Compact returns the compacted history and, when the hard threshold
	// fired, the summary message to persist. changed is false when the
	// history fit as-is.
	Compact(history []*models.SessionMessage) (compacted []*models.SessionMessage, summary *models.SessionMessage, changed bool)
}

// ThresholdPolicy is the default compaction policy.
type ThresholdPolicy struct {
	// ContextTokens is the model's context size.
	ContextTokens int

	// SoftFraction of context triggers oversized-tool-result trimming.
	SoftFraction float64

	// HardFraction of context triggers middle-slice summarization.
	HardFraction float64

	// MaxToolResultChars bounds one tool result after a soft trim.
	MaxToolResultChars int

	// KeepRecent messages survive at the tail of a hard compaction.
	KeepRecent int
}

// DefaultCompactionPolicy returns the stock thresholds for a model context.
func DefaultCompactionPolicy(contextTokens int) *ThresholdPolicy {
	if contextTokens <= 0 {
		contextTokens = 200_000
	}
	return &ThresholdPolicy{
		ContextTokens:      contextTokens,
		SoftFraction:       0.7,
		HardFraction:       0.85,
		MaxToolResultChars: 8000,
		KeepRecent:         10,
	}
}

const truncationMarker = "\n[...truncated...]\n"

// estimateTokens uses the chars/4 heuristic; the policy interface leaves
// room for a real tokenizer.
func estimateTokens(history []*models.SessionMessage) int {
	chars := 0
	for _, m := range history {
		if m == nil {
			continue
		}
		chars += len(m.Content)
		for _, b := range m.Blocks {
			chars += len(b.Text) + len(b.Input)
		}
	}
	return chars / 4
}

func (p *ThresholdPolicy) Compact(history []*models.SessionMessage) ([]*models.SessionMessage, *models.SessionMessage, bool) {
	before := estimateTokens(history)
	soft := int(float64(p.ContextTokens) * p.SoftFraction)
	hard := int(float64(p.ContextTokens) * p.HardFraction)
	if before <= soft {
		return history, nil, false
	}

	trimmed := p.trimToolResults(history)
	if estimateTokens(trimmed) <= hard {
		return trimmed, nil, true
	}
	return p.summarizeMiddle(trimmed, before)
}

// trimToolResults truncates oversized tool results with a head/tail window.
func (p *ThresholdPolicy) trimToolResults(history []*models.SessionMessage) []*models.SessionMessage {
	out := make([]*models.SessionMessage, len(history))
	for i, m := range history {
		if m != nil && m.Role == models.RoleToolResult && len(m.Content) > p.MaxToolResultChars {
			trimmed := *m
			head := p.MaxToolResultChars * 7 / 10
			tail := p.MaxToolResultChars * 2 / 10
			trimmed.Content = m.Content[:head] + truncationMarker + m.Content[len(m.Content)-tail:]
			out[i] = &trimmed
			continue
		}
		out[i] = m
	}
	return out
}

// summarizeMiddle replaces everything between the first turn and the kept
// tail with a synthetic system message. The cut lands on a user turn so no
// tool_use/result pair is split.
func (p *ThresholdPolicy) summarizeMiddle(history []*models.SessionMessage, tokensBefore int) ([]*models.SessionMessage, *models.SessionMessage, bool) {
	cut := len(history) - p.KeepRecent
	for cut > 1 && (history[cut] == nil || history[cut].Role != models.RoleUser) {
		cut--
	}
	if cut <= 1 {
		return history, nil, true
	}

	dropped := history[1:cut]
	kept := history[cut:]
	firstKeptID := ""
	if len(kept) > 0 {
		firstKeptID = kept[0].ID
	}

	summary := &models.SessionMessage{
		Role:    models.RoleSystem,
		Content: summarizeDropped(dropped),
		Metadata: map[string]any{
			"type":             "compaction",
			"tokensBefore":     tokensBefore,
			"firstKeptEntryId": firstKeptID,
		},
	}

	out := make([]*models.SessionMessage, 0, len(kept)+2)
	out = append(out, history[0], summary)
	out = append(out, kept...)
	return out, summary, true
}

func summarizeDropped(dropped []*models.SessionMessage) string {
	users, toolCalls := 0, 0
	var topics []string
	for _, m := range dropped {
		if m == nil {
			continue
		}
		switch m.Role {
		case models.RoleUser:
			users++
			if len(topics) < 5 {
				topics = append(topics, firstLine(m.TextContent(), 80))
			}
		case models.RoleAssistant:
			toolCalls += len(m.ToolUses())
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Earlier conversation compacted: %d messages dropped (%d user turns, %d tool calls).",
		len(dropped), users, toolCalls)
	if len(topics) > 0 {
		b.WriteString(" Topics included: ")
		b.WriteString(strings.Join(topics, "; "))
		b.WriteString(".")
	}
	return b.String()
}

func firstLine(s string, max int) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > max {
		s = s[:max]
	}
	return strings.TrimSpace(s)
}
