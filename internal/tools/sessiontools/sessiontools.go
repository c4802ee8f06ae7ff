// Package sessiontools registers the session-management tools the agent
// uses to spawn and steer sub-agents. They call back into the gateway by
// method name, so they work identically from any process.
package sessiontools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chozzz/vargos/internal/sessionkey"
	"github.com/chozzz/vargos/internal/tools"
	"github.com/chozzz/vargos/pkg/models"
)

// Gateway is the call surface the tools need.
type Gateway interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	CallInto(ctx context.Context, method string, params, out any, timeout time.Duration) error
}

// Register installs sessions_spawn, sessions_list, sessions_history, and
// sessions_send into the registry. Sub-agent sessions are denied these at
// the runtime's denylist, not here.
func Register(registry *tools.Registry, gw Gateway, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	all := []tools.Tool{
		spawnTool(gw, logger),
		listTool(gw),
		historyTool(gw),
		sendTool(gw),
	}
	for _, t := range all {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func spawnTool(gw Gateway, logger *slog.Logger) tools.Tool {
	return &tools.Func{
		ToolName:        "sessions_spawn",
		ToolDescription: "Spawn a sub-agent session to work on a task in the background.",
		ToolSchema: tools.Object(map[string]*tools.Schema{
			"task":  tools.String("what the sub-agent should do"),
			"label": tools.String("optional short label for the session"),
		}, "task"),
		Fn: func(ctx context.Context, args json.RawMessage, call tools.CallContext) (*tools.Result, error) {
			var in struct {
				Task  string `json:"task"`
				Label string `json:"label"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			childKey := sessionkey.Subagent(call.SessionKey, uuid.NewString()[:8])
			err := gw.CallInto(ctx, "session.create", &models.Session{
				SessionKey: childKey,
				Kind:       models.SessionKindSubagent,
				Label:      in.Label,
				Metadata:   map[string]any{"parentSessionKey": call.SessionKey},
			}, nil, 30*time.Second)
			if err != nil {
				return tools.ErrorResult("spawn failed: " + err.Error()), nil
			}

			// The child runs in the background; its completion re-prompts
			// the parent through the runtime's announcement path.
			go func() {
				runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
				defer cancel()
				_, err := gw.Call(runCtx, "agent.run", map[string]any{
					"sessionKey": childKey,
					"task":       in.Task,
				}, 30*time.Minute)
				if err != nil {
					logger.Warn("sub-agent run failed", "childKey", childKey, "error", err)
				}
			}()
			return tools.TextResult("spawned sub-agent " + childKey), nil
		},
	}
}

func listTool(gw Gateway) tools.Tool {
	return &tools.Func{
		ToolName:        "sessions_list",
		ToolDescription: "List sessions, optionally filtered by kind (main, subagent, cron).",
		ToolSchema: tools.Object(map[string]*tools.Schema{
			"kind":  {Type: tools.TypeString, Enum: []string{"main", "subagent", "cron"}},
			"limit": {Type: tools.TypeInteger},
		}),
		Fn: func(ctx context.Context, args json.RawMessage, _ tools.CallContext) (*tools.Result, error) {
			var out struct {
				Sessions []*models.Session `json:"sessions"`
			}
			if err := gw.CallInto(ctx, "session.list", args, &out, 30*time.Second); err != nil {
				return tools.ErrorResult(err.Error()), nil
			}
			var b strings.Builder
			for _, s := range out.Sessions {
				fmt.Fprintf(&b, "%s (%s) updated %s", s.SessionKey, s.Kind, s.UpdatedAt.Format(time.RFC3339))
				if s.Label != "" {
					fmt.Fprintf(&b, " — %s", s.Label)
				}
				b.WriteString("\n")
			}
			if b.Len() == 0 {
				return tools.TextResult("no sessions"), nil
			}
			return tools.TextResult(b.String()), nil
		},
	}
}

func historyTool(gw Gateway) tools.Tool {
	return &tools.Func{
		ToolName:        "sessions_history",
		ToolDescription: "Read the recent messages of a session.",
		ToolSchema: tools.Object(map[string]*tools.Schema{
			"sessionKey": tools.String("the session to read"),
			"limit":      {Type: tools.TypeInteger},
		}, "sessionKey"),
		Fn: func(ctx context.Context, args json.RawMessage, _ tools.CallContext) (*tools.Result, error) {
			var out struct {
				Messages []*models.SessionMessage `json:"messages"`
			}
			if err := gw.CallInto(ctx, "session.getMessages", args, &out, 30*time.Second); err != nil {
				return tools.ErrorResult(err.Error()), nil
			}
			var b strings.Builder
			for _, m := range out.Messages {
				fmt.Fprintf(&b, "[%s] %s\n", m.Role, firstChars(m.TextContent(), 300))
			}
			if b.Len() == 0 {
				return tools.TextResult("no messages"), nil
			}
			return tools.TextResult(b.String()), nil
		},
	}
}

func sendTool(gw Gateway) tools.Tool {
	return &tools.Func{
		ToolName:        "sessions_send",
		ToolDescription: "Send a task message into another session and run its agent.",
		ToolSchema: tools.Object(map[string]*tools.Schema{
			"sessionKey": tools.String("the target session"),
			"text":       tools.String("the message to send"),
		}, "sessionKey", "text"),
		Fn: func(ctx context.Context, args json.RawMessage, _ tools.CallContext) (*tools.Result, error) {
			var in struct {
				SessionKey string `json:"sessionKey"`
				Text       string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			var result struct {
				Success  bool   `json:"success"`
				Response string `json:"response"`
				Error    string `json:"error"`
			}
			err := gw.CallInto(ctx, "agent.run", map[string]any{
				"sessionKey": in.SessionKey,
				"task":       in.Text,
			}, &result, 10*time.Minute)
			if err != nil {
				return tools.ErrorResult(err.Error()), nil
			}
			if !result.Success {
				return tools.ErrorResult("run failed: " + result.Error), nil
			}
			return tools.TextResult(result.Response), nil
		},
	}
}

func firstChars(s string, n int) string {
	if len(s) > n {
		return s[:n] + "…"
	}
	return s
}
