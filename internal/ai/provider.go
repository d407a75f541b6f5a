package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// StreamEventType defines the type of streaming event.
type StreamEventType string

const (
	EventTypeText      StreamEventType = "text"
	EventTypeReasoning StreamEventType = "reasoning"
	EventTypeToolCall  StreamEventType = "tool_call"
	EventTypeUsage     StreamEventType = "usage"
	EventTypeDone      StreamEventType = "done"
	EventTypeError     StreamEventType = "error"
)

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// StreamEvent represents one streaming response event.
type StreamEvent struct {
	Type         StreamEventType
	Text         string
	ToolCall     *ToolCall
	Usage        *Usage
	FinishReason string
	Error        error
}

// ToolCall represents a tool invocation from the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is fed back to the model after tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Message is the model-facing view of a conversation turn.
type Message struct {
	Role        string // user, assistant, system, tool
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ChatRequest represents a request to a model provider.
type ChatRequest struct {
	Messages  []Message
	Tools     []ToolDefinition
	System    string
	Model     string
	MaxTokens int
}

// Provider streams model responses for a named model.
type Provider interface {
	// ID returns the provider identifier (e.g., "anthropic", "openai").
	ID() string

	// Stream sends a request and returns a channel of streaming events.
	// The channel is closed after a done or error event.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)
}

// Generate runs a non-streamed call by collecting text from the stream.
// Used for title generation and summarization.
func Generate(ctx context.Context, p Provider, req *ChatRequest) (string, Usage, error) {
	events, err := p.Stream(ctx, req)
	if err != nil {
		return "", Usage{}, err
	}
	var sb strings.Builder
	var usage Usage
	for event := range events {
		switch event.Type {
		case EventTypeText:
			sb.WriteString(event.Text)
		case EventTypeUsage:
			if event.Usage != nil {
				usage = *event.Usage
			}
		case EventTypeError:
			return sb.String(), usage, event.Error
		}
	}
	return sb.String(), usage, nil
}

// ProviderError represents an error from a provider.
type ProviderError struct {
	Provider string `json:"provider,omitempty"`
	Status   int    `json:"status,omitempty"`
	Code     string `json:"code,omitempty"`
	Type     string `json:"type,omitempty"`
	Message  string `json:"message"`
}

func (e *ProviderError) Error() string {
	return e.Message
}

// IsRetryable reports whether the error belongs to the structural/validation
// class that warrants one retry against the fallback model. Rate limits and
// auth failures are not retryable here: a different model on the same account
// would hit the same wall.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	if pe.Status == 400 || pe.Code == "invalid_request" {
		return true
	}
	switch pe.Type {
	case "invalid_request_error", "validation_error":
		return true
	}
	return false
}

// IsOverloaded reports provider-side capacity errors (529/503).
func IsOverloaded(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Status == 529 || pe.Status == 503 || pe.Type == "overloaded_error"
}
