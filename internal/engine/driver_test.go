package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaylabs/relay/internal/ai"
	"github.com/relaylabs/relay/internal/tools"
	"github.com/relaylabs/relay/internal/types"
)

// scriptProvider replays one scripted response per call. The last script
// repeats if called again.
type scriptProvider struct {
	id      string
	scripts []func(req *ai.ChatRequest) ([]ai.StreamEvent, error)

	mu    sync.Mutex
	calls int
	reqs  []*ai.ChatRequest
}

func (p *scriptProvider) ID() string { return p.id }

func (p *scriptProvider) Stream(ctx context.Context, req *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	p.mu.Lock()
	i := p.calls
	p.calls++
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()

	if i >= len(p.scripts) {
		i = len(p.scripts) - 1
	}
	events, err := p.scripts[i](req)
	if err != nil {
		return nil, err
	}
	ch := make(chan ai.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func textScript(text string) func(*ai.ChatRequest) ([]ai.StreamEvent, error) {
	return func(*ai.ChatRequest) ([]ai.StreamEvent, error) {
		return []ai.StreamEvent{
			{Type: ai.EventTypeText, Text: text},
			{Type: ai.EventTypeUsage, Usage: &ai.Usage{InputTokens: 50, OutputTokens: 10}},
			{Type: ai.EventTypeDone, FinishReason: "stop"},
		}, nil
	}
}

func errorScript(status int) func(*ai.ChatRequest) ([]ai.StreamEvent, error) {
	return func(*ai.ChatRequest) ([]ai.StreamEvent, error) {
		return nil, &ai.ProviderError{Status: status, Type: "invalid_request_error", Message: "bad request"}
	}
}

type echoTool struct{ mutates bool }

func (e *echoTool) Name() string            { return "echo" }
func (e *echoTool) Description() string     { return "Echo the input back." }
func (e *echoTool) MutatesState() bool      { return e.mutates }
func (e *echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (e *echoTool) Execute(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
	return &tools.Result{Content: "echo: " + string(input)}, nil
}

func newDriver(primary, fallback ai.Provider) *Driver {
	reg := tools.NewRegistry()
	reg.Register(&echoTool{})
	return &Driver{
		Primary:       primary,
		Fallback:      fallback,
		PrimaryModel:  "primary-model",
		FallbackModel: "fallback-model",
		Tools:         reg,
	}
}

func collectFrames(s *Stream) []types.Frame {
	replay, _, cancel := s.Subscribe()
	cancel()
	return replay
}

func TestDriverSimpleTextTurn(t *testing.T) {
	primary := &scriptProvider{id: "p", scripts: []func(*ai.ChatRequest) ([]ai.StreamEvent, error){textScript("hello there")}}
	d := newDriver(primary, nil)
	stream := NewStream()

	out := d.Run(context.Background(), stream, []ai.Message{{Role: "user", Content: "hi"}}, types.ModeAsk)
	require.NoError(t, out.Err)
	assert.Equal(t, types.FinishStop, out.Finish)
	assert.False(t, out.FellBack)
	assert.Equal(t, "hello there", out.Message.Text())
	assert.Equal(t, int64(60), out.Usage.Total())

	frames := collectFrames(stream)
	require.NotEmpty(t, frames)
	assert.Equal(t, types.FrameStart, frames[0].Type)
	assert.Equal(t, types.FrameTextDelta, frames[1].Type)
}

func TestDriverToolLoopStrictSequencing(t *testing.T) {
	call := &ai.ToolCall{ID: "c1", Name: "echo", Input: json.RawMessage(`{"v":1}`)}
	primary := &scriptProvider{id: "p", scripts: []func(*ai.ChatRequest) ([]ai.StreamEvent, error){
		func(*ai.ChatRequest) ([]ai.StreamEvent, error) {
			return []ai.StreamEvent{
				{Type: ai.EventTypeToolCall, ToolCall: call},
				{Type: ai.EventTypeUsage, Usage: &ai.Usage{InputTokens: 40, OutputTokens: 5}},
				{Type: ai.EventTypeDone, FinishReason: "tool_use"},
			}, nil
		},
		textScript("done with tools"),
	}}
	d := newDriver(primary, nil)
	stream := NewStream()

	out := d.Run(context.Background(), stream, nil, types.ModeAgent)
	require.NoError(t, out.Err)
	assert.Equal(t, types.FinishStop, out.Finish)

	// Step 2's request must carry step 1's tool results.
	require.Equal(t, 2, primary.callCount())
	second := primary.reqs[1]
	var sawResult bool
	for _, m := range second.Messages {
		for _, r := range m.ToolResults {
			if r.ToolCallID == "c1" {
				sawResult = true
				assert.Contains(t, r.Content, "echo:")
			}
		}
	}
	assert.True(t, sawResult, "tool result not fed back before next step")

	// The tool part reached a terminal state.
	var toolPart *types.Part
	for i := range out.Message.Parts {
		if out.Message.Parts[i].Type == types.PartTool {
			toolPart = &out.Message.Parts[i]
		}
	}
	require.NotNil(t, toolPart)
	assert.Equal(t, types.ToolOutputAvailable, toolPart.ToolState)
}

func TestFallbackOnValidationError(t *testing.T) {
	primary := &scriptProvider{id: "p", scripts: []func(*ai.ChatRequest) ([]ai.StreamEvent, error){errorScript(400)}}
	fallback := &scriptProvider{id: "f", scripts: []func(*ai.ChatRequest) ([]ai.StreamEvent, error){textScript("fallback answer")}}
	d := newDriver(primary, fallback)
	stream := NewStream()

	out := d.Run(context.Background(), stream, nil, types.ModeAsk)
	require.NoError(t, out.Err)
	assert.True(t, out.FellBack)
	assert.Equal(t, "fallback-model", out.Message.Model)
	assert.Equal(t, "fallback answer", out.Message.Text())

	// The fallback restarts under a fresh message id.
	frames := collectFrames(stream)
	var startIDs []string
	for _, f := range frames {
		if f.Type == types.FrameStart {
			startIDs = append(startIDs, f.MessageID)
		}
	}
	require.Len(t, startIDs, 2)
	assert.NotEqual(t, startIDs[0], startIDs[1])
	assert.Equal(t, out.Message.ID, startIDs[1])
}

func TestFallbackHappensAtMostOnce(t *testing.T) {
	primary := &scriptProvider{id: "p", scripts: []func(*ai.ChatRequest) ([]ai.StreamEvent, error){errorScript(400)}}
	fallback := &scriptProvider{id: "f", scripts: []func(*ai.ChatRequest) ([]ai.StreamEvent, error){errorScript(400)}}
	d := newDriver(primary, fallback)

	out := d.Run(context.Background(), NewStream(), nil, types.ModeAsk)
	require.Error(t, out.Err)
	assert.Equal(t, types.FinishError, out.Finish)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 1, fallback.callCount())
}

func TestEmptyOutputTriggersFallback(t *testing.T) {
	primary := &scriptProvider{id: "p", scripts: []func(*ai.ChatRequest) ([]ai.StreamEvent, error){
		func(*ai.ChatRequest) ([]ai.StreamEvent, error) {
			return []ai.StreamEvent{{Type: ai.EventTypeDone, FinishReason: "stop"}}, nil
		},
	}}
	fallback := &scriptProvider{id: "f", scripts: []func(*ai.ChatRequest) ([]ai.StreamEvent, error){textScript("real content")}}
	d := newDriver(primary, fallback)

	out := d.Run(context.Background(), NewStream(), nil, types.ModeAsk)
	require.NoError(t, out.Err)
	assert.True(t, out.FellBack)
	assert.Equal(t, "real content", out.Message.Text())
}

func TestMutatingToolRegeneratesSystemContext(t *testing.T) {
	call := &ai.ToolCall{ID: "c1", Name: "mutate", Input: json.RawMessage(`{}`)}
	primary := &scriptProvider{id: "p", scripts: []func(*ai.ChatRequest) ([]ai.StreamEvent, error){
		func(*ai.ChatRequest) ([]ai.StreamEvent, error) {
			return []ai.StreamEvent{
				{Type: ai.EventTypeToolCall, ToolCall: call},
				{Type: ai.EventTypeDone, FinishReason: "tool_use"},
			}, nil
		},
		textScript("after mutation"),
	}}

	reg := tools.NewRegistry()
	mutating := &echoTool{mutates: true}
	reg.Register(&renamedTool{Tool: mutating, name: "mutate"})

	version := 0
	d := &Driver{
		Primary:      primary,
		PrimaryModel: "primary-model",
		Tools:        reg,
		SystemContext: func(context.Context) string {
			version++
			return fmt.Sprintf("context-v%d", version)
		},
	}

	out := d.Run(context.Background(), NewStream(), nil, types.ModeAgent)
	require.NoError(t, out.Err)
	require.Equal(t, 2, primary.callCount())
	assert.Equal(t, "context-v1", primary.reqs[0].System)
	assert.Equal(t, "context-v2", primary.reqs[1].System, "mutating tool must invalidate the cached context")
}

func TestNonMutatingToolReusesSystemContext(t *testing.T) {
	call := &ai.ToolCall{ID: "c1", Name: "echo", Input: json.RawMessage(`{}`)}
	primary := &scriptProvider{id: "p", scripts: []func(*ai.ChatRequest) ([]ai.StreamEvent, error){
		func(*ai.ChatRequest) ([]ai.StreamEvent, error) {
			return []ai.StreamEvent{
				{Type: ai.EventTypeToolCall, ToolCall: call},
				{Type: ai.EventTypeDone, FinishReason: "tool_use"},
			}, nil
		},
		textScript("after echo"),
	}}

	version := 0
	d := newDriver(primary, nil)
	d.SystemContext = func(context.Context) string {
		version++
		return fmt.Sprintf("context-v%d", version)
	}

	out := d.Run(context.Background(), NewStream(), nil, types.ModeAgent)
	require.NoError(t, out.Err)
	assert.Equal(t, "context-v1", primary.reqs[1].System)
}

func TestAbortMidTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := &scriptProvider{id: "p", scripts: []func(*ai.ChatRequest) ([]ai.StreamEvent, error){
		func(*ai.ChatRequest) ([]ai.StreamEvent, error) {
			cancel() // abort lands while the stream is in flight
			return []ai.StreamEvent{{Type: ai.EventTypeText, Text: "partial"}}, nil
		},
	}}
	d := newDriver(primary, nil)

	out := d.Run(ctx, NewStream(), nil, types.ModeAsk)
	assert.Equal(t, types.FinishAborted, out.Finish)
	assert.Equal(t, "partial", out.Message.Text())
	assert.NoError(t, out.Err)
}

type reportTool struct{}

func (r *reportTool) Name() string            { return "write_report" }
func (r *reportTool) Description() string     { return "Write a report file." }
func (r *reportTool) MutatesState() bool      { return false }
func (r *reportTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (r *reportTool) Execute(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
	return &tools.Result{
		Content: "wrote report.txt",
		Files:   []tools.FileRef{{ID: "f1", Name: "report.txt", MediaType: "text/plain"}},
	}, nil
}

func TestToolFilesEmitUploadStatus(t *testing.T) {
	call := &ai.ToolCall{ID: "c1", Name: "write_report", Input: json.RawMessage(`{}`)}
	primary := &scriptProvider{id: "p", scripts: []func(*ai.ChatRequest) ([]ai.StreamEvent, error){
		func(*ai.ChatRequest) ([]ai.StreamEvent, error) {
			return []ai.StreamEvent{
				{Type: ai.EventTypeToolCall, ToolCall: call},
				{Type: ai.EventTypeDone, FinishReason: "tool_use"},
			}, nil
		},
		textScript("report is ready"),
	}}

	reg := tools.NewRegistry()
	reg.Register(&reportTool{})
	d := &Driver{Primary: primary, PrimaryModel: "primary-model", Tools: reg}
	stream := NewStream()

	out := d.Run(context.Background(), stream, nil, types.ModeAgent)
	require.NoError(t, out.Err)

	var statuses []types.Frame
	for _, f := range collectFrames(stream) {
		if f.Type == types.FrameData && f.Name == types.DataUploadStatus {
			statuses = append(statuses, f)
		}
	}
	require.Len(t, statuses, 1)
	assert.Contains(t, string(statuses[0].Data), `"fileId":"f1"`)
	assert.Contains(t, string(statuses[0].Data), `"status":"stored"`)
}

func TestStreamErrorRetainsPartialUsage(t *testing.T) {
	// Providers report input tokens early; a stream that dies afterwards must
	// still surface them so settlement charges what was actually consumed.
	primary := &scriptProvider{id: "p", scripts: []func(*ai.ChatRequest) ([]ai.StreamEvent, error){
		func(*ai.ChatRequest) ([]ai.StreamEvent, error) {
			return []ai.StreamEvent{
				{Type: ai.EventTypeUsage, Usage: &ai.Usage{InputTokens: 120}},
				{Type: ai.EventTypeError, Error: &ai.ProviderError{Status: 500, Message: "stream died"}},
			}, nil
		},
	}}
	d := newDriver(primary, nil)

	out := d.Run(context.Background(), NewStream(), nil, types.ModeAsk)
	require.Error(t, out.Err)
	assert.Equal(t, types.FinishError, out.Finish)
	assert.Equal(t, int64(120), out.Usage.Total())
	assert.Equal(t, int64(120), out.Message.Usage.Total())
}

func TestStepCeiling(t *testing.T) {
	call := &ai.ToolCall{ID: "c1", Name: "echo", Input: json.RawMessage(`{}`)}
	primary := &scriptProvider{id: "p", scripts: []func(*ai.ChatRequest) ([]ai.StreamEvent, error){
		func(*ai.ChatRequest) ([]ai.StreamEvent, error) {
			return []ai.StreamEvent{
				{Type: ai.EventTypeToolCall, ToolCall: call},
				{Type: ai.EventTypeDone, FinishReason: "tool_use"},
			}, nil
		},
	}}
	d := newDriver(primary, nil)
	d.MaxSteps = 3

	out := d.Run(context.Background(), NewStream(), nil, types.ModeAgent)
	assert.Equal(t, types.FinishLength, out.Finish)
	assert.Equal(t, 3, primary.callCount())
}

// renamedTool wraps a tool under a different registry name.
type renamedTool struct {
	tools.Tool
	name string
}

func (r *renamedTool) Name() string { return r.name }
