// Package providers implements LLM backends for the agent runtime.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/chozzz/vargos/internal/agent"
	"github.com/chozzz/vargos/pkg/models"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// AnthropicProvider implements agent.Provider against the Anthropic
// Messages API with streaming.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// NewAnthropicProvider creates a provider from cfg.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: model,
		maxTokens:    maxTokens,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete streams one completion. The returned channel closes after the
// Done chunk (or an Err chunk).
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan *agent.CompletionChunk, 16)
	go func() {
		defer close(chunks)

		var currentTool *models.ContentBlock
		var currentInput strings.Builder
		stopReason := ""

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					currentTool = &models.ContentBlock{
						Type: models.BlockToolUse,
						ID:   toolUse.ID,
						Name: toolUse.Name,
					}
					currentInput.Reset()
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						chunks <- &agent.CompletionChunk{Delta: delta.Text}
					}
				case "input_json_delta":
					currentInput.WriteString(delta.PartialJSON)
				}
			case "content_block_stop":
				if currentTool != nil {
					input := currentInput.String()
					if input == "" {
						input = "{}"
					}
					currentTool.Input = json.RawMessage(input)
					chunks <- &agent.CompletionChunk{ToolCall: currentTool}
					currentTool = nil
				}
			case "message_delta":
				if sr := string(event.AsMessageDelta().Delta.StopReason); sr != "" {
					stopReason = sr
				}
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			chunks <- &agent.CompletionChunk{Err: fmt.Errorf("anthropic: %w", err)}
			return
		}
		chunks <- &agent.CompletionChunk{Done: true, StopReason: stopReason}
	}()
	return chunks, nil
}

// convertMessages maps session history to Anthropic message params.
// System-role history entries (compaction summaries, sub-agent
// announcements) travel as user text; the real system prompt rides the
// request's System field.
func convertMessages(history []*models.SessionMessage) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range history {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			for _, b := range msg.Blocks {
				switch b.Type {
				case models.BlockText:
					if b.Text != "" {
						content = append(content, anthropic.NewTextBlock(b.Text))
					}
				case models.BlockToolUse:
					var input any
					if err := json.Unmarshal(b.Input, &input); err != nil {
						return nil, fmt.Errorf("tool_use %s input: %w", b.ID, err)
					}
					content = append(content, anthropic.NewToolUseBlock(b.ID, input, b.Name))
				}
			}
			if len(msg.Blocks) == 0 && msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			if len(content) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(content...))

		case models.RoleToolResult:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.TextContent(), msg.IsError)))

		case models.RoleUser, models.RoleSystem:
			text := msg.TextContent()
			if text == "" {
				continue
			}
			blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(text)}
			for _, b := range msg.Blocks {
				if b.Type == models.BlockImage && b.Data != "" {
					if mediaType, ok := imageMediaType(b.MimeType); ok {
						blocks = append(blocks, anthropic.NewImageBlockBase64(string(mediaType), b.Data))
					}
				}
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func convertTools(specs []agent.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		tool := anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: spec.Parameters["properties"],
			},
		}
		switch required := spec.Parameters["required"].(type) {
		case []string:
			tool.InputSchema.Required = required
		case []any:
			// Schemas that crossed the wire decode required as []any.
			for _, r := range required {
				if name, ok := r.(string); ok {
					tool.InputSchema.Required = append(tool.InputSchema.Required, name)
				}
			}
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func imageMediaType(mimeType string) (string, bool) {
	switch mimeType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return mimeType, true
	}
	return "", false
}
