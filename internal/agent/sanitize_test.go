package agent

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/chozzz/vargos/pkg/models"
)

func userMsg(text string) *models.SessionMessage {
	return &models.SessionMessage{Role: models.RoleUser, Content: text, Timestamp: time.Now()}
}

func assistantText(text string) *models.SessionMessage {
	return &models.SessionMessage{Role: models.RoleAssistant, Content: text,
		Blocks: []models.ContentBlock{{Type: models.BlockText, Text: text}}}
}

func assistantToolUse(id, name string) *models.SessionMessage {
	return &models.SessionMessage{Role: models.RoleAssistant,
		Blocks: []models.ContentBlock{{Type: models.BlockToolUse, ID: id, Name: name, Input: json.RawMessage(`{}`)}}}
}

func toolResult(id string) *models.SessionMessage {
	return &models.SessionMessage{Role: models.RoleToolResult, ToolCallID: id, Content: "ok"}
}

func TestTurnLimitFor(t *testing.T) {
	tests := []struct {
		key  string
		want int
	}{
		{"whatsapp:u1", 30},
		{"telegram:42", 30},
		{"cli:main", 50},
		{"cron:daily", 10},
		{"whatsapp:u1:subagent:x", 10},
		{"cli:main:subagent:x", 10},
	}
	for _, tt := range tests {
		if got := TurnLimitFor(tt.key); got != tt.want {
			t.Errorf("TurnLimitFor(%q) = %d, want %d", tt.key, got, tt.want)
		}
	}
}

func TestSanitizeTurnCap(t *testing.T) {
	var history []*models.SessionMessage
	for i := 0; i < 80; i++ {
		history = append(history, userMsg(fmt.Sprintf("turn %d", i)))
		history = append(history, assistantText(fmt.Sprintf("reply %d", i)))
	}

	got := Sanitize("cli:long", history)
	users := 0
	for _, m := range got {
		if m.Role == models.RoleUser {
			users++
		}
	}
	if users != 50 {
		t.Errorf("user turns kept = %d, want 50", users)
	}
	// The slice starts at user turn 30 (0-based), i.e. turn 31..80.
	if got[0].Content != "turn 30" {
		t.Errorf("first kept = %q", got[0].Content)
	}
}

func TestSanitizeInsertsMissingToolResult(t *testing.T) {
	history := []*models.SessionMessage{
		userMsg("read the file"),
		assistantToolUse("t1", "read"),
		// no toolResult for t1
		userMsg("still there?"),
	}
	got := Sanitize("cli:x", history)

	var found *models.SessionMessage
	for i, m := range got {
		if m.Role == models.RoleToolResult && m.ToolCallID == "t1" {
			found = m
			// It must sit between the assistant call and the next user turn.
			if got[i-1].Role != models.RoleAssistant || got[i+1].Role != models.RoleUser {
				t.Errorf("synthetic result badly placed at %d", i)
			}
		}
	}
	if found == nil {
		t.Fatal("no synthetic tool result inserted")
	}
	if !found.IsError || found.Content != "tool did not complete" {
		t.Errorf("synthetic = %+v", found)
	}
}

func TestSanitizeDropsOrphanToolResults(t *testing.T) {
	history := []*models.SessionMessage{
		userMsg("hi"),
		toolResult("ghost"),
		assistantText("hello"),
	}
	got := Sanitize("cli:x", history)
	for _, m := range got {
		if m.Role == models.RoleToolResult {
			t.Errorf("orphan tool result survived: %+v", m)
		}
	}
}

func TestSanitizeKeepsMatchedPairs(t *testing.T) {
	history := []*models.SessionMessage{
		userMsg("go"),
		assistantToolUse("t1", "read"),
		toolResult("t1"),
		assistantText("done"),
	}
	got := Sanitize("cli:x", history)
	if len(got) != 4 {
		t.Fatalf("len = %d: %+v", len(got), got)
	}
	if got[2].Role != models.RoleToolResult || got[2].IsError {
		t.Errorf("matched result altered: %+v", got[2])
	}
}

func TestSanitizeMergesConsecutiveUserTurns(t *testing.T) {
	history := []*models.SessionMessage{
		userMsg("one"),
		userMsg("two"),
		assistantText("reply"),
		assistantText("more"),
		userMsg("three"),
	}
	got := Sanitize("whatsapp:u1", history)
	if len(got) != 3 {
		t.Fatalf("merged len = %d: %+v", len(got), got)
	}
	if got[0].Content != "one\ntwo" {
		t.Errorf("user merge = %q", got[0].Content)
	}
	if got[1].Role != models.RoleAssistant || len(got[1].Blocks) != 2 {
		t.Errorf("assistant merge = %+v", got[1])
	}
}

func TestSanitizeNeverMergesToolResults(t *testing.T) {
	history := []*models.SessionMessage{
		userMsg("go"),
		{Role: models.RoleAssistant, Blocks: []models.ContentBlock{
			{Type: models.BlockToolUse, ID: "t1", Name: "a", Input: json.RawMessage(`{}`)},
			{Type: models.BlockToolUse, ID: "t2", Name: "b", Input: json.RawMessage(`{}`)},
		}},
		toolResult("t1"),
		toolResult("t2"),
	}
	got := Sanitize("cli:x", history)
	results := 0
	for _, m := range got {
		if m.Role == models.RoleToolResult {
			results++
		}
	}
	if results != 2 {
		t.Errorf("tool results = %d, want 2 separate messages", results)
	}
}
