package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/relaylabs/relay/internal/types"
)

// TodoManager holds the todo list for one request. The finalizer merges its
// state into the conversation after the stream ends. Request-scoped; never
// shared across streams.
type TodoManager struct {
	mu      sync.Mutex
	todos   []types.Todo
	changed bool
}

func NewTodoManager(initial []types.Todo) *TodoManager {
	todos := make([]types.Todo, len(initial))
	copy(todos, initial)
	return &TodoManager{todos: todos}
}

// Set replaces the full list, the shape the model writes.
func (m *TodoManager) Set(todos []types.Todo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.todos = todos
	m.changed = true
}

// Changed reports whether the turn mutated the list at all.
func (m *TodoManager) Changed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// Snapshot returns a copy of the current list.
func (m *TodoManager) Snapshot() []types.Todo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Todo, len(m.todos))
	copy(out, m.todos)
	return out
}

// RegisterTodoTool exposes the todo list to the model. Writing todos mutates
// state the system context reflects, so the tool reports MutatesState.
func RegisterTodoTool(r *Registry, m *TodoManager) {
	r.Register(&todoTool{m: m})
}

type todoTool struct{ m *TodoManager }

func (t *todoTool) Name() string        { return "todos" }
func (t *todoTool) Description() string { return "Read or replace the conversation's todo list." }
func (t *todoTool) MutatesState() bool  { return true }
func (t *todoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"action":{"type":"string","enum":["read","write"]},"todos":{"type":"array","items":{"type":"object","properties":{"id":{"type":"string"},"content":{"type":"string"},"status":{"type":"string","enum":["pending","in_progress","done"]}},"required":["content","status"]}}},"required":["action"]}`)
}

func (t *todoTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in struct {
		Action string       `json:"action"`
		Todos  []types.Todo `json:"todos"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	switch in.Action {
	case "read":
		data, err := json.Marshal(t.m.Snapshot())
		if err != nil {
			return nil, err
		}
		return &Result{Content: string(data)}, nil
	case "write":
		t.m.Set(in.Todos)
		return &Result{Content: fmt.Sprintf("todo list updated (%d items)", len(in.Todos))}, nil
	default:
		return &Result{Content: fmt.Sprintf("unknown action %q", in.Action), IsError: true}, nil
	}
}
