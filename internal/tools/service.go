package tools

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/chozzz/vargos/internal/bus"
)

// Service exposes the tool registry on the gateway.
type Service struct {
	registry *Registry
	client   *bus.Client
	logger   *slog.Logger
}

// NewService wires a registry to the gateway at url.
func NewService(url string, registry *Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{registry: registry, logger: logger.With("component", "tools")}
	s.client = bus.NewClient(bus.ClientConfig{
		URL: url,
		Registration: bus.Registration{
			Service: "tools",
			Version: "1",
			Methods: []string{"tool.list", "tool.describe", "tool.execute"},
		},
		OnMethod: s.handleMethod,
		Logger:   logger,
	})
	return s
}

// Start connects the service; the registry is frozen at this point.
func (s *Service) Start(ctx context.Context) error {
	s.registry.Freeze()
	return s.client.Connect(ctx)
}

// Stop disconnects from the gateway.
func (s *Service) Stop() { s.client.Close() }

// Client exposes the service's gateway client so boot-time tool
// registration can hand gateway-calling tools a transport.
func (s *Service) Client() *bus.Client { return s.client }

// Descriptor is the tool.list row.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ExecuteParams are the tool.execute arguments.
type ExecuteParams struct {
	Name    string          `json:"name"`
	Args    json.RawMessage `json:"args,omitempty"`
	Context CallContext     `json:"context"`
}

func (s *Service) handleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "tool.list":
		tools := s.registry.List()
		out := make([]Descriptor, 0, len(tools))
		for _, t := range tools {
			out = append(out, Descriptor{Name: t.Name(), Description: t.Description()})
		}
		return map[string]any{"tools": out}, nil

	case "tool.describe":
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "tool.describe requires name")
		}
		t, ok := s.registry.Get(p.Name)
		if !ok {
			return nil, bus.Errorf(bus.CodeNotFound, "unknown tool %s", p.Name)
		}
		return map[string]any{
			"name":        t.Name(),
			"description": t.Description(),
			"parameters":  t.Schema().ToJSON(),
		}, nil

	case "tool.execute":
		var p ExecuteParams
		if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "tool.execute requires name")
		}
		return s.execute(ctx, p)
	}
	return nil, bus.Errorf(bus.CodeNoRoute, "unknown method %s", method)
}

// execute dispatches to the named tool. Only unknown-tool and
// argument-schema failures surface as RPC errors; anything the tool itself
// does wrong comes back as an isError result.
func (s *Service) execute(ctx context.Context, p ExecuteParams) (*Result, error) {
	t, ok := s.registry.Get(p.Name)
	if !ok {
		return nil, bus.Errorf(bus.CodeNotFound, "unknown tool %s", p.Name)
	}
	if schema := t.Schema(); schema != nil {
		if err := schema.Validate(p.Name, p.Args); err != nil {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "arguments for %s: %v", p.Name, err)
		}
	}

	result, err := t.Execute(ctx, p.Args, p.Context)
	if err != nil {
		s.logger.Warn("tool execution failed", "tool", p.Name, "error", err)
		return ErrorResult(err.Error()), nil
	}
	if result == nil {
		result = TextResult("")
	}
	return result, nil
}
