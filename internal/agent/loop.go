package agent

import (
	"context"
	"strings"
	"time"

	"github.com/chozzz/vargos/internal/bus"
	"github.com/chozzz/vargos/internal/sessionkey"
	"github.com/chozzz/vargos/internal/tools"
	"github.com/chozzz/vargos/pkg/models"

	agentprompt "github.com/chozzz/vargos/internal/agent/prompt"
)

var (
	errInvalidRun    = bus.Errorf(bus.CodeInvalidArgument, "agent.run requires sessionKey")
	errRuntimeClosed = bus.Errorf(bus.CodeDisconnected, "agent runtime is shutting down")
)

// Tools sub-agents may not call; attempts come back as error tool results,
// never as run failures.
var subagentDeniedTools = map[string]bool{
	"sessions_spawn":   true,
	"sessions_list":    true,
	"sessions_history": true,
	"sessions_send":    true,
}

const subagentDeniedMessage = "session management tools are not available to sub-agents"

const (
	sessionCallTimeout = 30 * time.Second
	toolCallTimeout    = 5 * time.Minute
)

// loop runs the LLM+tool cycle for one popped task. Cancellation
// checkpoints sit before every provider call and before every tool
// invocation.
func (r *Runtime) loop(ctx context.Context, runID string, state *runState, req *RunRequest) *RunResult {
	if err := r.ensureSession(ctx, req.SessionKey); err != nil {
		return &RunResult{Error: "session: " + err.Error()}
	}
	if req.Task != "" {
		if err := r.appendTaskMessage(ctx, req); err != nil {
			return &RunResult{Error: "persist task: " + err.Error()}
		}
	}

	history, err := r.loadHistory(ctx, req.SessionKey)
	if err != nil {
		return &RunResult{Error: "load history: " + err.Error()}
	}
	history = Sanitize(req.SessionKey, history)

	compacted, summary, changed := r.cfg.Compaction.Compact(history)
	if changed {
		history = compacted
		if summary != nil {
			// The summary is appended to the session log for the record;
			// loads do not yet prune by its firstKeptEntryId, so each run
			// re-derives compaction from the full history.
			persisted := *summary
			persisted.SessionKey = req.SessionKey
			if err := r.gateway.CallInto(ctx, "session.addMessage", &persisted, nil, sessionCallTimeout); err != nil {
				r.logger.Warn("compaction summary persist failed", "sessionKey", req.SessionKey, "error", err)
			}
		}
	}

	toolSpecs, promptTools := r.advertisedTools(ctx)
	system := agentprompt.Build(agentprompt.Inputs{
		SessionKey:         req.SessionKey,
		WorkspaceDir:       r.cfg.WorkspaceDir,
		Tools:              promptTools,
		Channel:            req.Channel,
		Model:              r.modelFor(req),
		Now:                time.Now(),
		Timezone:           time.Local,
		BootstrapOverrides: req.BootstrapOverrides,
	})

	isSubagent := sessionkey.IsSubagent(req.SessionKey)
	lastText := ""

	for iteration := 0; iteration < r.cfg.MaxIterations; iteration++ {
		if res := r.checkpoint(state); res != nil {
			return res
		}

		assistant, perr := r.complete(ctx, runID, &CompletionRequest{
			Model:     r.modelFor(req),
			System:    system,
			Messages:  history,
			Tools:     toolSpecs,
			MaxTokens: r.cfg.MaxTokens,
		})
		if perr != nil {
			if state.aborted.Load() {
				return &RunResult{Aborted: true}
			}
			return &RunResult{Error: perr.Error()}
		}

		assistant.SessionKey = req.SessionKey
		if err := r.gateway.CallInto(ctx, "session.addMessage", assistant, nil, sessionCallTimeout); err != nil {
			return &RunResult{Error: "persist assistant: " + err.Error()}
		}
		history = append(history, assistant)
		if text := assistant.TextContent(); text != "" {
			lastText = text
		}

		toolUses := assistant.ToolUses()
		if len(toolUses) == 0 {
			return &RunResult{Success: true, Response: assistant.TextContent()}
		}

		for _, use := range toolUses {
			if res := r.checkpoint(state); res != nil {
				return res
			}
			result := r.invokeTool(ctx, runID, req.SessionKey, isSubagent, use)
			resultMsg := &models.SessionMessage{
				SessionKey: req.SessionKey,
				Role:       models.RoleToolResult,
				ToolCallID: use.ID,
				ToolName:   use.Name,
				IsError:    result.IsError,
				Content:    result.Text(),
				Blocks:     result.Content,
			}
			if err := r.gateway.CallInto(ctx, "session.addMessage", resultMsg, nil, sessionCallTimeout); err != nil {
				return &RunResult{Error: "persist tool result: " + err.Error()}
			}
			history = append(history, resultMsg)
		}
	}

	// Iteration budget exhausted: surface whatever the model said last.
	return &RunResult{Success: true, Response: lastText}
}

// checkpoint returns a terminal aborted result when cancellation was
// requested, nil otherwise.
func (r *Runtime) checkpoint(state *runState) *RunResult {
	if state.aborted.Load() {
		return &RunResult{Aborted: true}
	}
	return nil
}

// complete consumes one provider stream into an assistant message,
// emitting run.delta for each text chunk. Partial output from a dropped
// stream is not persisted.
func (r *Runtime) complete(ctx context.Context, runID string, req *CompletionRequest) (*models.SessionMessage, error) {
	chunks, err := r.cfg.Provider.Complete(ctx, req)
	if err != nil {
		return nil, bus.Errorf(bus.CodeProviderFailure, "%v", err)
	}

	var text strings.Builder
	var blocks []models.ContentBlock
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			return nil, bus.Errorf(bus.CodeProviderFailure, "%v", chunk.Err)
		case chunk.Delta != "":
			text.WriteString(chunk.Delta)
			r.emit(models.EventRunDelta, &models.RunDeltaEvent{RunID: runID, Delta: chunk.Delta})
		case chunk.ToolCall != nil:
			blocks = append(blocks, *chunk.ToolCall)
		}
	}
	if ctx.Err() != nil {
		return nil, bus.Errorf(bus.CodeProviderFailure, "stream canceled: %v", ctx.Err())
	}

	content := text.String()
	assistantBlocks := make([]models.ContentBlock, 0, len(blocks)+1)
	if content != "" {
		assistantBlocks = append(assistantBlocks, models.ContentBlock{Type: models.BlockText, Text: content})
	}
	assistantBlocks = append(assistantBlocks, blocks...)

	return &models.SessionMessage{
		Role:    models.RoleAssistant,
		Content: content,
		Blocks:  assistantBlocks,
	}, nil
}

// invokeTool runs one tool call through the tools service. Tool failures
// and the sub-agent denylist produce error results in the conversation;
// they never fail the run.
func (r *Runtime) invokeTool(ctx context.Context, runID, sessionKey string, isSubagent bool, use models.ContentBlock) *tools.Result {
	r.emit("run.tool", &models.ToolCallEvent{
		RunID: runID, SessionKey: sessionKey,
		ToolName: use.Name, ToolCallID: use.ID, Phase: "start",
	})
	result := r.invokeToolInner(ctx, sessionKey, isSubagent, use)
	r.emit("run.tool", &models.ToolCallEvent{
		RunID: runID, SessionKey: sessionKey,
		ToolName: use.Name, ToolCallID: use.ID, Phase: "end", IsError: result.IsError,
	})
	return result
}

func (r *Runtime) invokeToolInner(ctx context.Context, sessionKey string, isSubagent bool, use models.ContentBlock) *tools.Result {
	if isSubagent && subagentDeniedTools[use.Name] {
		return tools.ErrorResult(subagentDeniedMessage)
	}
	var result tools.Result
	err := r.gateway.CallInto(ctx, "tool.execute", &tools.ExecuteParams{
		Name: use.Name,
		Args: use.Input,
		Context: tools.CallContext{
			SessionKey: sessionKey,
			WorkingDir: r.cfg.WorkspaceDir,
		},
	}, &result, toolCallTimeout)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	return &result
}

func (r *Runtime) ensureSession(ctx context.Context, key string) error {
	err := r.gateway.CallInto(ctx, "session.create", &models.Session{SessionKey: key}, nil, sessionCallTimeout)
	if err != nil && !bus.IsCode(err, bus.CodeAlreadyExists) {
		return err
	}
	return nil
}

func (r *Runtime) appendTaskMessage(ctx context.Context, req *RunRequest) error {
	msg := &models.SessionMessage{
		SessionKey: req.SessionKey,
		Role:       models.RoleUser,
		Content:    req.Task,
	}
	if len(req.Images) > 0 {
		msg.Blocks = append([]models.ContentBlock{{Type: models.BlockText, Text: req.Task}}, req.Images...)
	}
	return r.gateway.CallInto(ctx, "session.addMessage", msg, nil, sessionCallTimeout)
}

func (r *Runtime) loadHistory(ctx context.Context, key string) ([]*models.SessionMessage, error) {
	var out struct {
		Messages []*models.SessionMessage `json:"messages"`
	}
	err := r.gateway.CallInto(ctx, "session.getMessages",
		map[string]string{"sessionKey": key}, &out, sessionCallTimeout)
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// advertisedTools fetches the registry's schemas in function-calling form.
func (r *Runtime) advertisedTools(ctx context.Context) ([]ToolSpec, []agentprompt.ToolInfo) {
	var listed struct {
		Tools []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"tools"`
	}
	if err := r.gateway.CallInto(ctx, "tool.list", nil, &listed, sessionCallTimeout); err != nil {
		r.logger.Warn("tool.list failed, advertising no tools", "error", err)
		return nil, nil
	}

	specs := make([]ToolSpec, 0, len(listed.Tools))
	infos := make([]agentprompt.ToolInfo, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		var described struct {
			Parameters map[string]any `json:"parameters"`
		}
		params := map[string]any{"type": "object", "properties": map[string]any{}}
		err := r.gateway.CallInto(ctx, "tool.describe",
			map[string]string{"name": t.Name}, &described, sessionCallTimeout)
		if err == nil && described.Parameters != nil {
			params = described.Parameters
		}
		specs = append(specs, ToolSpec{Name: t.Name, Description: t.Description, Parameters: params})
		infos = append(infos, agentprompt.ToolInfo{Name: t.Name, Description: t.Description})
	}
	return specs, infos
}

func (r *Runtime) modelFor(req *RunRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return r.cfg.DefaultModel
}
