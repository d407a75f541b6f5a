package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Sandbox is the remote command-execution collaborator. Implementations live
// outside this module; the engine only sees this surface.
type Sandbox interface {
	Exec(ctx context.Context, command string) (stdout string, stderr string, exitCode int, err error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) (FileRef, error)
	Search(ctx context.Context, query string) (string, error)
}

// RegisterSandboxTools wires the shell/file/search surface for agent mode.
func RegisterSandboxTools(r *Registry, sb Sandbox) {
	r.Register(&shellTool{sb: sb})
	r.Register(&readFileTool{sb: sb})
	r.Register(&writeFileTool{sb: sb})
	r.Register(&searchTool{sb: sb})
}

type shellTool struct{ sb Sandbox }

func (t *shellTool) Name() string        { return "shell" }
func (t *shellTool) Description() string { return "Run a shell command in the sandbox." }
func (t *shellTool) MutatesState() bool  { return false }
func (t *shellTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`)
}

func (t *shellTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	stdout, stderr, code, err := t.sb.Exec(ctx, in.Command)
	if err != nil {
		return nil, err
	}
	content := stdout
	if stderr != "" {
		content += "\n" + stderr
	}
	if code != 0 {
		return &Result{Content: fmt.Sprintf("exit %d\n%s", code, content), IsError: true}, nil
	}
	return &Result{Content: content}, nil
}

type readFileTool struct{ sb Sandbox }

func (t *readFileTool) Name() string        { return "read_file" }
func (t *readFileTool) Description() string { return "Read a file from the sandbox filesystem." }
func (t *readFileTool) MutatesState() bool  { return false }
func (t *readFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)
}

func (t *readFileTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	content, err := t.sb.ReadFile(ctx, in.Path)
	if err != nil {
		return nil, err
	}
	return &Result{Content: content}, nil
}

type writeFileTool struct{ sb Sandbox }

func (t *writeFileTool) Name() string        { return "write_file" }
func (t *writeFileTool) Description() string { return "Write a file in the sandbox filesystem." }
func (t *writeFileTool) MutatesState() bool  { return false }
func (t *writeFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`)
}

func (t *writeFileTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	ref, err := t.sb.WriteFile(ctx, in.Path, in.Content)
	if err != nil {
		return nil, err
	}
	return &Result{Content: "wrote " + in.Path, Files: []FileRef{ref}}, nil
}

type searchTool struct{ sb Sandbox }

func (t *searchTool) Name() string        { return "search" }
func (t *searchTool) Description() string { return "Search the sandbox workspace." }
func (t *searchTool) MutatesState() bool  { return false }
func (t *searchTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)
}

func (t *searchTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	out, err := t.sb.Search(ctx, in.Query)
	if err != nil {
		return nil, err
	}
	return &Result{Content: out}, nil
}
