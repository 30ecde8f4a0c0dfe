package tools

import (
	"context"
	"testing"
)

func echoTool() *FuncTool {
	return &FuncTool{
		ToolName:        "echo",
		ToolDescription: "echoes the message back",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"message": map[string]any{"type": "string"}},
		},
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			msg, _ := args["message"].(string)
			return msg, nil
		},
	}
}

func TestRegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool()); err != nil {
		t.Fatal(err)
	}

	out, err := r.Execute(context.Background(), "echo", map[string]any{"message": "hi"})
	if err != nil || out != "hi" {
		t.Errorf("Execute = %q, %v", out, err)
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(echoTool()); err == nil {
		t.Error("duplicate registration must fail")
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool()); err != nil {
		t.Fatal(err)
	}
	r.Unregister("echo")
	if _, ok := r.Get("echo"); ok {
		t.Error("tool still present after Unregister")
	}
	if _, err := r.Execute(context.Background(), "echo", nil); err == nil {
		t.Error("executing an unregistered tool must fail")
	}
}

func TestDefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		tool := echoTool()
		tool.ToolName = name
		if err := r.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	defs := r.Definitions()
	want := []string{"alpha", "mid", "zeta"}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("defs[%d] = %q, want %q", i, defs[i].Name, name)
		}
	}
}
