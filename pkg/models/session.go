// Package models provides domain types shared across the Vargos services.
package models

import (
	"encoding/json"
	"time"
)

// SessionKind classifies a session by how it was rooted.
type SessionKind string

const (
	SessionKindMain     SessionKind = "main"
	SessionKindSubagent SessionKind = "subagent"
	SessionKindCron     SessionKind = "cron"
)

// Session is a durable conversation thread. The SessionKey encodes channel,
// user, and optional sub-agent lineage; routing and prompt mode derive from
// its prefix.
type Session struct {
	SessionKey string         `json:"sessionKey"`
	Kind       SessionKind    `json:"kind"`
	Label      string         `json:"label,omitempty"`
	AgentID    string         `json:"agentId,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// MetadataString returns a string metadata value, or "" when absent.
func (s *Session) MetadataString(key string) string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	v, _ := s.Metadata[key].(string)
	return v
}

// Role identifies the author of a session message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleToolResult Role = "toolResult"
)

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockToolUse BlockType = "tool_use"
	BlockImage   BlockType = "image"
)

// ContentBlock is one typed element of a structured message body. Assistant
// messages interleave text and tool_use blocks; tool results may carry text
// and image blocks.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text for BlockText.
	Text string `json:"text,omitempty"`

	// ID, Name, Input for BlockToolUse.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// MimeType and base64 Data for BlockImage.
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// SessionMessage is an append-only entry in a session. Content carries plain
// text; Blocks carries the structured body when the message has one (for
// assistant tool calls, both are populated: Content holds the concatenated
// text blocks).
type SessionMessage struct {
	ID         string         `json:"id"`
	SessionKey string         `json:"sessionKey"`
	Role       Role           `json:"role"`
	Content    string         `json:"content,omitempty"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// Tool result linkage, set when Role is RoleToolResult.
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// ToolUses returns the tool_use blocks of an assistant message.
func (m *SessionMessage) ToolUses() []ContentBlock {
	if m == nil || m.Role != RoleAssistant {
		return nil
	}
	var uses []ContentBlock
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// TextContent returns the message's text, preferring Content and falling
// back to concatenated text blocks.
func (m *SessionMessage) TextContent() string {
	if m == nil {
		return ""
	}
	if m.Content != "" {
		return m.Content
	}
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}
