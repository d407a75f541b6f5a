package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/relaylabs/relay/internal/ai"
)

// Tool is one callable surface exposed to the model.
type Tool interface {
	// Name returns the tool's unique name.
	Name() string

	// Description returns a description for the model.
	Description() string

	// Schema returns the JSON schema for the tool's input.
	Schema() json.RawMessage

	// Execute runs the tool with the given input.
	Execute(ctx context.Context, input json.RawMessage) (*Result, error)

	// MutatesState reports whether a successful call changes shared state the
	// system context depends on (todos, memory). The step driver regenerates
	// its cached system context after any such call.
	MutatesState() bool
}

// Result is the outcome of one tool execution.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`

	// Files produced by the tool, accumulated per request for persistence.
	Files []FileRef `json:"files,omitempty"`
}

// FileRef identifies an uploaded or produced file.
type FileRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType,omitempty"`
}

// Registry manages the tools available to one request.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	files *FileTracker
}

func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		files: NewFileTracker(),
	}
}

func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tools as model-facing definitions, sorted by name so the
// system context stays stable across steps.
func (r *Registry) List() []ai.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ai.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, ai.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Mutating reports whether the named tool invalidates the cached system
// context. Unknown names are treated as non-mutating.
func (r *Registry) Mutating(name string) bool {
	tool, ok := r.Get(name)
	return ok && tool.MutatesState()
}

// Execute runs a tool. Failures never propagate as errors: the model sees the
// failure text and may adapt.
func (r *Registry) Execute(ctx context.Context, call *ai.ToolCall) *Result {
	tool, ok := r.Get(call.Name)
	if !ok {
		r.mu.RLock()
		available := make([]string, 0, len(r.tools))
		for name := range r.tools {
			available = append(available, name)
		}
		r.mu.RUnlock()
		sort.Strings(available)
		return &Result{
			Content: fmt.Sprintf("tool %q does not exist; available tools: %s",
				call.Name, strings.Join(available, ", ")),
			IsError: true,
		}
	}

	res, err := tool.Execute(ctx, call.Input)
	if err != nil {
		return &Result{Content: fmt.Sprintf("tool %s failed: %v", call.Name, err), IsError: true}
	}
	if res == nil {
		res = &Result{}
	}
	for _, f := range res.Files {
		r.files.Track(f)
	}
	return res
}

// AccumulatedFiles returns every file produced by tool calls so far in this
// request, in first-seen order.
func (r *Registry) AccumulatedFiles() []FileRef {
	return r.files.Snapshot()
}

// FileTracker records files produced during one request.
// Request-scoped; never shared across streams.
type FileTracker struct {
	mu    sync.Mutex
	order []string
	byID  map[string]FileRef
}

func NewFileTracker() *FileTracker {
	return &FileTracker{byID: make(map[string]FileRef)}
}

func (t *FileTracker) Track(f FileRef) {
	if f.ID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.byID[f.ID]; !seen {
		t.order = append(t.order, f.ID)
	}
	t.byID[f.ID] = f
}

func (t *FileTracker) Snapshot() []FileRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FileRef, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}
