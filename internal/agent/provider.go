// Package agent implements the Vargos agent runtime: the per-session
// serialized LLM+tool loop, history sanitization and compaction, the
// system prompt pipeline, and the agent service shell on the gateway.
package agent

import (
	"context"

	"github.com/chozzz/vargos/pkg/models"
)

// ToolSpec advertises one tool to the provider in function-calling form.
// Parameters is provider JSON schema, produced by tools.Schema.ToJSON.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// CompletionRequest is one provider call: a system prompt, sanitized
// history, and the advertised tool schemas.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []*models.SessionMessage
	Tools     []ToolSpec
	MaxTokens int
}

// CompletionChunk is one element of a provider's streaming response.
// Delta carries incremental text; ToolCall carries a completed tool_use
// block; Done closes the stream with the terminal stop reason.
type CompletionChunk struct {
	Delta      string
	ToolCall   *models.ContentBlock
	Done       bool
	StopReason string
	Err        error
}

// Provider is the LLM backend interface the runtime consumes.
// Implementations must be safe for concurrent use across sessions.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}
