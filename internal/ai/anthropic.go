package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultMaxTokens = 8192

// AnthropicProvider implements the Anthropic API using the official SDK.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates a new Anthropic provider. The model comes from
// configuration; do not hardcode model IDs.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (p *AnthropicProvider) ID() string {
	return "anthropic"
}

// Stream sends a request and returns streaming events.
func (p *AnthropicProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	messages := p.buildMessages(req.Messages)

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(defaultMaxTokens),
		Messages:  messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]interface{}
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				continue
			}
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
				},
			}
			if required, ok := schema["required"].([]interface{}); ok {
				reqStrings := make([]string, 0, len(required))
				for _, r := range required {
					if s, ok := r.(string); ok {
						reqStrings = append(reqStrings, s)
					}
				}
				toolParam.InputSchema.Required = reqStrings
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	events := make(chan StreamEvent, 100)
	go p.handleStream(stream, events)
	return events, nil
}

// buildMessages converts messages to Anthropic format. Tool calls without a
// recorded result and orphaned results are filtered on both sides, otherwise
// the API rejects the transcript.
func (p *AnthropicProvider) buildMessages(msgs []Message) []anthropic.MessageParam {
	allToolCallIDs := make(map[string]bool)
	respondedToolIDs := make(map[string]bool)
	for _, msg := range msgs {
		for _, tc := range msg.ToolCalls {
			allToolCallIDs[tc.ID] = true
		}
		for _, r := range msg.ToolResults {
			respondedToolIDs[r.ToolCallID] = true
		}
	}

	var result []anthropic.MessageParam
	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			if msg.Content == "" {
				continue
			}
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				if !respondedToolIDs[tc.ID] {
					continue
				}
				var input map[string]interface{}
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: input,
					},
				})
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}

		case "tool":
			var blocks []anthropic.ContentBlockParamUnion
			for _, r := range msg.ToolResults {
				if !allToolCallIDs[r.ToolCallID] {
					continue
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewUserMessage(blocks...))
			}

		case "system":
			// handled via params.System
		}
	}
	return result
}

// handleStream processes the streaming response.
func (p *AnthropicProvider) handleStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- StreamEvent) {
	defer close(events)

	var currentToolID string
	var currentToolName string
	var inputBuffer string
	var usage Usage
	var finishReason string

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			usage.InputTokens = ms.Message.Usage.InputTokens

		case "content_block_start":
			cb := event.AsContentBlockStart()
			if toolUse, ok := cb.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				currentToolID = toolUse.ID
				currentToolName = toolUse.Name
				inputBuffer = ""
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch d := delta.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				events <- StreamEvent{Type: EventTypeText, Text: d.Text}
			case anthropic.InputJSONDelta:
				inputBuffer += d.PartialJSON
			case anthropic.ThinkingDelta:
				events <- StreamEvent{Type: EventTypeReasoning, Text: d.Thinking}
			}

		case "content_block_stop":
			if currentToolID != "" {
				input := inputBuffer
				if input == "" {
					input = "{}"
				}
				events <- StreamEvent{
					Type: EventTypeToolCall,
					ToolCall: &ToolCall{
						ID:    currentToolID,
						Name:  currentToolName,
						Input: json.RawMessage(input),
					},
				}
				currentToolID = ""
				currentToolName = ""
				inputBuffer = ""
			}

		case "message_delta":
			md := event.AsMessageDelta()
			usage.OutputTokens = md.Usage.OutputTokens
			if md.Delta.StopReason != "" {
				finishReason = string(md.Delta.StopReason)
			}

		case "message_stop":
			events <- StreamEvent{Type: EventTypeUsage, Usage: &usage}
			events <- StreamEvent{Type: EventTypeDone, FinishReason: finishReason}
			return
		}
	}

	if err := stream.Err(); err != nil {
		// Tokens consumed before the failure still have to reach the ledger.
		if usage.InputTokens > 0 || usage.OutputTokens > 0 {
			events <- StreamEvent{Type: EventTypeUsage, Usage: &usage}
		}
		events <- StreamEvent{Type: EventTypeError, Error: p.wrapError(err)}
		return
	}
	events <- StreamEvent{Type: EventTypeUsage, Usage: &usage}
	events <- StreamEvent{Type: EventTypeDone, FinishReason: finishReason}
}

// wrapError converts SDK errors into the shared ProviderError taxonomy.
func (p *AnthropicProvider) wrapError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			Provider: p.ID(),
			Status:   apierr.StatusCode,
			Message:  fmt.Sprintf("anthropic: %v", err),
		}
	}
	return fmt.Errorf("anthropic stream: %w", err)
}
