package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/chozzz/vargos/pkg/models"
)

// CallContext carries per-call execution context into a tool.
type CallContext struct {
	SessionKey string `json:"sessionKey"`
	WorkingDir string `json:"workingDir"`
}

// Result is a tool's outcome: typed content blocks plus an error flag. Tool
// failures travel in Result, never as RPC errors, so the conversation can
// see them.
type Result struct {
	Content []models.ContentBlock `json:"content"`
	IsError bool                  `json:"isError,omitempty"`
}

// TextResult builds a single-text-block result.
func TextResult(text string) *Result {
	return &Result{Content: []models.ContentBlock{{Type: models.BlockText, Text: text}}}
}

// ErrorResult builds a single-text-block failure result.
func ErrorResult(text string) *Result {
	r := TextResult(text)
	r.IsError = true
	return r
}

// Text flattens the result's text blocks.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	var out string
	for _, b := range r.Content {
		if b.Type == models.BlockText {
			out += b.Text
		}
	}
	return out
}

// Tool is a registered capability.
type Tool interface {
	Name() string
	Description() string
	Schema() *Schema
	Execute(ctx context.Context, args json.RawMessage, call CallContext) (*Result, error)
}

// Func adapts a function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	ToolSchema      *Schema
	Fn              func(ctx context.Context, args json.RawMessage, call CallContext) (*Result, error)
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.ToolDescription }
func (f *Func) Schema() *Schema     { return f.ToolSchema }
func (f *Func) Execute(ctx context.Context, args json.RawMessage, call CallContext) (*Result, error) {
	return f.Fn(ctx, args, call)
}

// Registry holds the process-local tool table. Extension modules populate
// it during boot; Freeze makes it read-only for the process lifetime.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names are case-sensitive and unique.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry is frozen; tools register at boot only")
	}
	if _, ok := r.tools[t.Name()]; ok {
		return fmt.Errorf("tool %s already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Freeze ends the registration window.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
