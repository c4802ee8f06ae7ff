package agent

import (
	"strings"
	"testing"

	"github.com/chozzz/vargos/pkg/models"
)

func bulkHistory(turns int, filler string) []*models.SessionMessage {
	var out []*models.SessionMessage
	for i := 0; i < turns; i++ {
		out = append(out, &models.SessionMessage{ID: itoa(i * 2), Role: models.RoleUser, Content: filler})
		out = append(out, &models.SessionMessage{ID: itoa(i*2 + 1), Role: models.RoleAssistant, Content: filler})
	}
	return out
}

func itoa(n int) string {
	return string(rune('a' + n%26))
}

func TestCompactionNoopUnderSoftThreshold(t *testing.T) {
	p := DefaultCompactionPolicy(100_000)
	history := bulkHistory(3, "short")
	got, summary, changed := p.Compact(history)
	if changed || summary != nil {
		t.Error("small history must pass through")
	}
	if len(got) != len(history) {
		t.Error("history length changed")
	}
}

func TestCompactionSoftTrimsOversizedToolResults(t *testing.T) {
	p := &ThresholdPolicy{
		ContextTokens:      1000,
		SoftFraction:       0.5,
		HardFraction:       100, // keep the hard stage out of this test
		MaxToolResultChars: 400,
		KeepRecent:         4,
	}
	big := strings.Repeat("x", 3000)
	history := []*models.SessionMessage{
		{Role: models.RoleUser, Content: "run it"},
		{Role: models.RoleToolResult, ToolCallID: "t1", Content: big},
		{Role: models.RoleAssistant, Content: "done"},
	}
	got, summary, changed := p.Compact(history)
	if !changed || summary != nil {
		t.Fatalf("changed=%v summary=%v", changed, summary)
	}
	trimmed := got[1].Content
	if len(trimmed) >= len(big) {
		t.Error("tool result not trimmed")
	}
	if !strings.Contains(trimmed, "[...truncated...]") {
		t.Error("no truncation marker")
	}
	if !strings.HasPrefix(trimmed, "xxx") || !strings.HasSuffix(trimmed, "xxx") {
		t.Error("head/tail not preserved")
	}
	// Original message untouched.
	if len(history[1].Content) != 3000 {
		t.Error("input history mutated")
	}
}

func TestCompactionHardSummarizesMiddle(t *testing.T) {
	p := &ThresholdPolicy{
		ContextTokens:      100,
		SoftFraction:       0.1,
		HardFraction:       0.2,
		MaxToolResultChars: 100000,
		KeepRecent:         4,
	}
	history := bulkHistory(20, strings.Repeat("w", 50))
	got, summary, changed := p.Compact(history)
	if !changed || summary == nil {
		t.Fatalf("expected hard compaction, changed=%v", changed)
	}
	if summary.Role != models.RoleSystem {
		t.Errorf("summary role = %v", summary.Role)
	}
	if summary.Metadata["type"] != "compaction" {
		t.Errorf("summary metadata = %v", summary.Metadata)
	}
	if summary.Metadata["tokensBefore"].(int) <= 0 {
		t.Error("tokensBefore missing")
	}
	if summary.Metadata["firstKeptEntryId"] == "" {
		t.Error("firstKeptEntryId missing")
	}
	if len(got) >= len(history) {
		t.Errorf("history not shortened: %d -> %d", len(history), len(got))
	}
	// Summary sits second, after the opening turn.
	if got[1] != summary {
		t.Error("summary not placed after the opening message")
	}
	// The cut landed on a user turn.
	if got[2].Role != models.RoleUser {
		t.Errorf("first kept after summary = %v", got[2].Role)
	}
}
