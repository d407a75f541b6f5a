package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
)

// OpenAIProvider implements the OpenAI API using the official SDK.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates a new OpenAI provider. The model comes from
// configuration; do not hardcode model IDs.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (p *OpenAIProvider) ID() string {
	return "openai"
}

// Stream sends a request and returns streaming events.
func (p *OpenAIProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	messages := p.buildMessages(req)

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]interface{}
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				continue
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  shared.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	events := make(chan StreamEvent, 100)
	go p.handleStream(stream, events)
	return events, nil
}

// buildMessages converts messages to OpenAI format, filtering tool calls that
// never received a result.
func (p *OpenAIProvider) buildMessages(req *ChatRequest) []openai.ChatCompletionMessageParamUnion {
	respondedToolIDs := make(map[string]bool)
	for _, msg := range req.Messages {
		for _, r := range msg.ToolResults {
			respondedToolIDs[r.ToolCallID] = true
		}
	}

	var result []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		result = append(result, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			if msg.Content != "" {
				result = append(result, openai.UserMessage(msg.Content))
			}

		case "assistant":
			var toolCalls []openai.ChatCompletionMessageToolCallParam
			for _, tc := range msg.ToolCalls {
				if !respondedToolIDs[tc.ID] {
					continue
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			if msg.Content == "" && len(toolCalls) == 0 {
				continue
			}
			assistantMsg := openai.ChatCompletionAssistantMessageParam{Role: "assistant"}
			if msg.Content != "" {
				assistantMsg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			if len(toolCalls) > 0 {
				assistantMsg.ToolCalls = toolCalls
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistantMsg})

		case "tool":
			for _, r := range msg.ToolResults {
				if respondedToolIDs[r.ToolCallID] {
					result = append(result, openai.ToolMessage(r.Content, r.ToolCallID))
				}
			}

		case "system":
			if msg.Content != "" {
				result = append(result, openai.SystemMessage(msg.Content))
			}
		}
	}
	return result
}

// handleStream processes the streaming response.
func (p *OpenAIProvider) handleStream(stream *ssestream.Stream[openai.ChatCompletionChunk], events chan<- StreamEvent) {
	defer close(events)

	acc := openai.ChatCompletionAccumulator{}
	var usage Usage
	var finishReason string

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if tool, ok := acc.JustFinishedToolCall(); ok {
			input := tool.Arguments
			if input == "" {
				input = "{}"
			}
			events <- StreamEvent{
				Type: EventTypeToolCall,
				ToolCall: &ToolCall{
					ID:    tool.ID,
					Name:  tool.Name,
					Input: json.RawMessage(input),
				},
			}
		}

		if len(chunk.Choices) > 0 {
			if chunk.Choices[0].Delta.Content != "" {
				events <- StreamEvent{Type: EventTypeText, Text: chunk.Choices[0].Delta.Content}
			}
			if chunk.Choices[0].FinishReason != "" {
				finishReason = chunk.Choices[0].FinishReason
			}
		}

		if chunk.Usage.TotalTokens > 0 {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
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
func (p *OpenAIProvider) wrapError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			Provider: p.ID(),
			Status:   apierr.StatusCode,
			Message:  fmt.Sprintf("openai: %v", err),
		}
	}
	return fmt.Errorf("openai stream: %w", err)
}
