package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/relaylabs/relay/internal/ai"
	"github.com/relaylabs/relay/internal/tools"
	"github.com/relaylabs/relay/internal/types"
)

// Step ceilings per mode. Agent turns run long tool chains; ask turns are a
// short question/answer exchange.
const (
	DefaultAskSteps   = 5
	DefaultAgentSteps = 25
)

// attemptState tracks where the fallback policy stands. Exactly one
// transition exists: primary to fallbackAttempted. There is no
// fallback-of-fallback.
type attemptState int

const (
	attemptPrimary attemptState = iota
	attemptFallback
)

// Driver runs the multi-step generation loop for one turn: model call, tool
// execution, feed results back, next step, until a stop condition.
type Driver struct {
	Primary       ai.Provider
	Fallback      ai.Provider
	PrimaryModel  string
	FallbackModel string
	Tools         *tools.Registry
	MaxSteps      int

	// SystemContext builds the system prompt. It is called once up front and
	// again after any tool call that mutates shared state, so later steps see
	// fresh state. Non-mutating steps reuse the cached value.
	SystemContext func(ctx context.Context) string
}

// Outcome is the terminal result of one driven turn.
type Outcome struct {
	Message  types.Message
	Usage    types.Usage
	Finish   types.FinishReason
	FellBack bool
	Err      error
}

// Run drives the turn, emitting frames into stream as output arrives. The
// returned outcome carries the assembled assistant message; an abort shows up
// as FinishAborted with whatever parts were produced (the caller decides
// whether the abort was preemptive).
func (d *Driver) Run(ctx context.Context, stream *Stream, history []ai.Message, mode types.Mode) *Outcome {
	maxSteps := d.MaxSteps
	if maxSteps <= 0 {
		if mode == types.ModeAgent {
			maxSteps = DefaultAgentSteps
		} else {
			maxSteps = DefaultAskSteps
		}
	}

	started := time.Now()
	state := attemptPrimary
	provider, model := d.Primary, d.PrimaryModel

	messageID := uuid.New().String()
	stream.Emit(types.Frame{Type: types.FrameStart, MessageID: messageID})

	var (
		parts []types.Part
		usage types.Usage
		convo = append([]ai.Message(nil), history...)
	)
	system := ""
	if d.SystemContext != nil {
		system = d.SystemContext(ctx)
	}

	outcome := func(finish types.FinishReason, err error) *Outcome {
		return &Outcome{
			Message: types.Message{
				ID:         messageID,
				Role:       types.RoleAssistant,
				Parts:      parts,
				Usage:      usage,
				Model:      model,
				DurationMS: time.Since(started).Milliseconds(),
			},
			Usage:    usage,
			Finish:   finish,
			FellBack: state == attemptFallback,
			Err:      err,
		}
	}

	// fallBack rewinds the turn onto the fallback model under a fresh message
	// id. The fallback's content is what gets persisted; usage already spent
	// on the primary stays counted.
	fallBack := func(cause error) bool {
		if state != attemptPrimary || d.Fallback == nil {
			return false
		}
		logx.WithContext(ctx).Infof("engine: falling back to %s: %v", d.FallbackModel, cause)
		state = attemptFallback
		provider, model = d.Fallback, d.FallbackModel
		parts = nil
		messageID = uuid.New().String()
		stream.Emit(types.Frame{Type: types.FrameStart, MessageID: messageID})
		return true
	}

	for step := 0; step < maxSteps; step++ {
		parts = append(parts, types.Part{Type: types.PartStepStart})

		events, err := provider.Stream(ctx, &ai.ChatRequest{
			Messages: convo,
			Tools:    d.Tools.List(),
			System:   system,
			Model:    model,
		})
		if err != nil {
			if ai.IsRetryable(err) && fallBack(err) {
				step--
				continue
			}
			return outcome(types.FinishError, err)
		}

		var (
			stepText  strings.Builder
			calls     []ai.ToolCall
			streamErr error
			finish    string
		)
		for ev := range events {
			switch ev.Type {
			case ai.EventTypeText:
				stepText.WriteString(ev.Text)
				appendDelta(&parts, types.PartText, ev.Text)
				stream.Emit(types.Frame{Type: types.FrameTextDelta, MessageID: messageID, Delta: ev.Text})
			case ai.EventTypeReasoning:
				appendDelta(&parts, types.PartReasoning, ev.Text)
				stream.Emit(types.Frame{Type: types.FrameReasoningDelta, MessageID: messageID, Delta: ev.Text})
			case ai.EventTypeToolCall:
				part := types.Part{
					Type:       types.PartTool,
					ToolCallID: ev.ToolCall.ID,
					ToolName:   ev.ToolCall.Name,
					ToolState:  types.ToolInputAvailable,
					Input:      ev.ToolCall.Input,
				}
				parts = append(parts, part)
				calls = append(calls, *ev.ToolCall)
				stream.Emit(types.Frame{Type: types.FrameToolInput, MessageID: messageID, Part: &part})
			case ai.EventTypeUsage:
				if ev.Usage != nil {
					usage.Add(types.Usage{
						InputTokens:  ev.Usage.InputTokens,
						OutputTokens: ev.Usage.OutputTokens,
						CostUSD:      ev.Usage.CostUSD,
					})
				}
			case ai.EventTypeDone:
				finish = ev.FinishReason
			case ai.EventTypeError:
				streamErr = ev.Error
			}
		}

		if ctx.Err() != nil {
			return outcome(types.FinishAborted, nil)
		}
		if streamErr != nil {
			if ai.IsRetryable(streamErr) && fallBack(streamErr) {
				step--
				continue
			}
			return outcome(types.FinishError, streamErr)
		}

		if len(calls) > 0 {
			convo = append(convo, ai.Message{
				Role:      "assistant",
				Content:   stepText.String(),
				ToolCalls: calls,
			})
			results, mutated := d.executeTools(ctx, stream, messageID, parts, calls)
			if ctx.Err() != nil {
				return outcome(types.FinishAborted, nil)
			}
			convo = append(convo, ai.Message{Role: "tool", ToolResults: results})
			if mutated && d.SystemContext != nil {
				system = d.SystemContext(ctx)
			}
			continue
		}

		// A stream that produced only a step marker is unusable; treat it
		// like a retryable failure.
		msg := types.Message{Parts: parts}
		if !msg.HasContent() {
			if fallBack(errEmptyOutput) {
				step--
				continue
			}
			return outcome(types.FinishError, errEmptyOutput)
		}

		switch finish {
		case "max_tokens", "length":
			return outcome(types.FinishLength, nil)
		default:
			return outcome(types.FinishStop, nil)
		}
	}

	return outcome(types.FinishLength, nil)
}

// executeTools runs the step's tool calls in order, updating the matching
// parts in place and emitting lifecycle frames. Reports whether any executed
// tool mutates shared state.
func (d *Driver) executeTools(ctx context.Context, stream *Stream, messageID string, parts []types.Part, calls []ai.ToolCall) ([]ai.ToolResult, bool) {
	var results []ai.ToolResult
	mutated := false
	for i := range calls {
		if ctx.Err() != nil {
			break
		}
		call := calls[i]
		res := d.Tools.Execute(ctx, &call)

		part := findToolPart(parts, call.ID)
		frameType := types.FrameToolOutput
		if res.IsError {
			frameType = types.FrameToolError
			if part != nil {
				part.ToolState = types.ToolOutputError
				part.ErrorText = res.Content
			}
		} else if part != nil {
			part.ToolState = types.ToolOutputAvailable
			part.Output = res.Content
		}
		if part != nil {
			stream.Emit(types.Frame{Type: frameType, MessageID: messageID, Part: part})
		}
		for _, fr := range res.Files {
			data, _ := json.Marshal(map[string]string{
				"fileId": fr.ID,
				"name":   fr.Name,
				"status": "stored",
			})
			stream.Emit(types.Frame{Type: types.FrameData, Name: types.DataUploadStatus, Data: data})
		}

		results = append(results, ai.ToolResult{
			ToolCallID: call.ID,
			Content:    res.Content,
			IsError:    res.IsError,
		})
		if !res.IsError && d.Tools.Mutating(call.Name) {
			mutated = true
		}
	}
	return results, mutated
}

func findToolPart(parts []types.Part, callID string) *types.Part {
	for i := range parts {
		if parts[i].Type == types.PartTool && parts[i].ToolCallID == callID {
			return &parts[i]
		}
	}
	return nil
}

// appendDelta extends the trailing part of the same type, or opens a new one.
func appendDelta(parts *[]types.Part, t types.PartType, text string) {
	if n := len(*parts); n > 0 && (*parts)[n-1].Type == t {
		(*parts)[n-1].Text += text
		return
	}
	*parts = append(*parts, types.Part{Type: t, Text: text})
}
