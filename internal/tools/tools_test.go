package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoTool() *Func {
	return &Func{
		ToolName:        "echo",
		ToolDescription: "repeats its input",
		ToolSchema: Object(map[string]*Schema{
			"text": String("text to repeat"),
			"loud": {Type: TypeBoolean},
		}, "text"),
		Fn: func(_ context.Context, args json.RawMessage, _ CallContext) (*Result, error) {
			var in struct {
				Text string `json:"text"`
			}
			_ = json.Unmarshal(args, &in)
			return TextResult(in.Text), nil
		},
	}
}

func TestSchemaToJSON(t *testing.T) {
	schema := Object(map[string]*Schema{
		"query": String("search query"),
		"limit": {Type: TypeInteger},
		"tags":  {Type: TypeArray, Items: &Schema{Type: TypeString, Enum: []string{"a", "b"}}},
	}, "query")

	got := schema.ToJSON()
	if got["type"] != "object" {
		t.Errorf("type = %v", got["type"])
	}
	if got["additionalProperties"] != false {
		t.Error("object specs must forbid undeclared properties")
	}
	if !reflect.DeepEqual(got["required"], []string{"query"}) {
		t.Errorf("required = %v", got["required"])
	}
	props := got["properties"].(map[string]any)
	tags := props["tags"].(map[string]any)
	items := tags["items"].(map[string]any)
	if !reflect.DeepEqual(items["enum"], []string{"a", "b"}) {
		t.Errorf("items enum = %v", items["enum"])
	}
}

func TestSchemaValidate(t *testing.T) {
	schema := echoTool().ToolSchema
	tests := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{"valid", `{"text":"hi"}`, false},
		{"valid with optional", `{"text":"hi","loud":true}`, false},
		{"missing required", `{}`, true},
		{"wrong type", `{"text":7}`, true},
		{"undeclared property", `{"text":"hi","x":1}`, true},
		{"not json", `{"text":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.Validate("echo", json.RawMessage(tt.args))
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%s) err = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(echoTool()); err == nil {
		t.Error("duplicate register should fail")
	}

	// Case-sensitive names.
	other := echoTool()
	other.ToolName = "Echo"
	if err := r.Register(other); err != nil {
		t.Errorf("case-distinct name rejected: %v", err)
	}

	r.Freeze()
	late := echoTool()
	late.ToolName = "late"
	if err := r.Register(late); err == nil {
		t.Error("register after freeze should fail")
	}

	list := r.List()
	if len(list) != 2 || list[0].Name() != "Echo" || list[1].Name() != "echo" {
		t.Errorf("list = %v", list)
	}
}

func TestServiceExecute(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Func{
		ToolName: "fails",
		Fn: func(context.Context, json.RawMessage, CallContext) (*Result, error) {
			return nil, errors.New("disk on fire")
		},
	}); err != nil {
		t.Fatal(err)
	}
	s := &Service{registry: r, logger: discardLogger()}

	// Happy path.
	res, err := s.execute(context.Background(), ExecuteParams{
		Name: "echo", Args: json.RawMessage(`{"text":"hi"}`),
		Context: CallContext{SessionKey: "cli:t", WorkingDir: "/tmp"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError || res.Text() != "hi" {
		t.Errorf("result = %+v", res)
	}

	// Unknown tool is an RPC error.
	if _, err := s.execute(context.Background(), ExecuteParams{Name: "nope"}); err == nil {
		t.Error("unknown tool should be an RPC error")
	}

	// Schema violation is an RPC error.
	if _, err := s.execute(context.Background(), ExecuteParams{Name: "echo", Args: json.RawMessage(`{}`)}); err == nil {
		t.Error("schema violation should be an RPC error")
	}

	// A tool's own failure is an isError result, not an RPC error.
	res, err = s.execute(context.Background(), ExecuteParams{Name: "fails"})
	if err != nil {
		t.Fatalf("tool failure must not be an RPC error: %v", err)
	}
	if !res.IsError || res.Text() != "disk on fire" {
		t.Errorf("failure result = %+v", res)
	}
}
