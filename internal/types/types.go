package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Mode selects the orchestration profile for a turn.
type Mode string

const (
	ModeAsk   Mode = "ask"
	ModeAgent Mode = "agent"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// FinishReason records why a generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool-calls"
	FinishAborted   FinishReason = "aborted"
	FinishTimeout   FinishReason = "timeout"
	FinishError     FinishReason = "error"
)

// PartType enumerates the closed set of message part variants.
type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartFile      PartType = "file"
	PartTool      PartType = "tool"
	PartStepStart PartType = "step-start"
	PartStatus    PartType = "status"
)

// ToolState is the lifecycle of a tool-invocation part.
// input-streaming -> input-available -> output-available | output-error
type ToolState string

const (
	ToolInputStreaming  ToolState = "input-streaming"
	ToolInputAvailable  ToolState = "input-available"
	ToolOutputAvailable ToolState = "output-available"
	ToolOutputError     ToolState = "output-error"
)

// Terminal reports whether the tool part reached a final state.
func (s ToolState) Terminal() bool {
	return s == ToolOutputAvailable || s == ToolOutputError
}

// Part is one typed segment of a message. The Type field selects which of the
// remaining fields are meaningful; repair and render sites switch exhaustively
// on it.
type Part struct {
	Type PartType `json:"type"`

	// text, reasoning, status
	Text string `json:"text,omitempty"`

	// file
	FileID    string `json:"fileId,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	// tool
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolState  ToolState       `json:"toolState,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`
}

// Usage tracks token consumption for a message or step.
type Usage struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd,omitempty"`
}

// Add accumulates usage from one step into the total.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CostUSD += o.CostUSD
}

// Total returns combined input+output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Message is one conversation turn. Immutable once persisted except for
// appended file-reference metadata.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId,omitempty"`
	Role           Role         `json:"role"`
	Parts          []Part       `json:"parts"`
	Usage          Usage        `json:"usage,omitempty"`
	Model          string       `json:"model,omitempty"`
	DurationMS     int64        `json:"durationMs,omitempty"`
	FinishReason   FinishReason `json:"finishReason,omitempty"`

	// SummaryOf holds the id of the last raw message covered when this
	// message is a summary chunk. Empty for ordinary messages.
	SummaryOf string `json:"summaryOf,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Text returns the concatenated text parts of the message.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// IsSummary reports whether this message is a summarizer-produced chunk.
func (m *Message) IsSummary() bool {
	return m.SummaryOf != ""
}

// HasContent reports whether the message carries anything worth sending to a
// model: text, reasoning, file or tool parts. Step markers alone do not count.
func (m *Message) HasContent() bool {
	for _, p := range m.Parts {
		switch p.Type {
		case PartText, PartReasoning:
			if p.Text != "" {
				return true
			}
		case PartFile, PartTool:
			return true
		case PartStepStart, PartStatus:
			// markers only
		}
	}
	return false
}

// Todo is one entry of a conversation's todo list.
type Todo struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"` // pending | in_progress | done
}

// Conversation metadata as exposed over the API.
type Conversation struct {
	ID             string       `json:"id"`
	UserID         string       `json:"userId"`
	Title          string       `json:"title"`
	FinishReason   FinishReason `json:"finishReason,omitempty"`
	Todos          []Todo       `json:"todos,omitempty"`
	ActiveStreamID string       `json:"activeStreamId,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// SendMessageRequest is the body of POST /v1/chats/{id}/messages.
type SendMessageRequest struct {
	ChatID     string    `path:"id" json:"chatId,omitempty"`
	Mode       Mode      `json:"mode"`
	Messages   []Message `json:"messages"`
	Todos      []Todo    `json:"todos,omitempty"`
	Regenerate bool      `json:"regenerate,omitempty"`
	Temporary  bool      `json:"temporary,omitempty"`
}

type StopChatRequest struct {
	ChatID string `path:"id"`
}

type StopChatResponse struct {
	Stopped bool `json:"stopped"`
}

type GetChatRequest struct {
	ChatID string `path:"id"`
}

type GetChatResponse struct {
	Chat     Conversation `json:"chat"`
	Messages []Message    `json:"messages"`
}

type ResumeStreamRequest struct {
	ChatID string `path:"id"`
}

type DeleteChatRequest struct {
	ChatID string `path:"id"`
}

type DeleteChatResponse struct {
	Deleted bool `json:"deleted"`
}

type ListChatsRequest struct {
	Limit int `form:"limit"`
}

type ListChatsResponse struct {
	Chats []Conversation `json:"chats"`
}

// WindowStatus is one budget window as reported by GET /v1/limits.
type WindowStatus struct {
	Window    string `json:"window"`
	Remaining int64  `json:"remaining"`
	Capacity  int64  `json:"capacity"`
	ResetAt   int64  `json:"resetAt"` // unix seconds
}

type LimitsResponse struct {
	Session WindowStatus `json:"session"`
	Weekly  WindowStatus `json:"weekly"`
}
