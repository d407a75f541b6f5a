package types

import "encoding/json"

// FrameType enumerates outbound stream frame kinds. Frames are delivered as
// server-sent events; Type becomes the SSE event name.
type FrameType string

const (
	FrameStart          FrameType = "start"
	FrameTextDelta      FrameType = "text-delta"
	FrameReasoningDelta FrameType = "reasoning-delta"
	FrameToolInput      FrameType = "tool-input-available"
	FrameToolOutput     FrameType = "tool-output-available"
	FrameToolError      FrameType = "tool-output-error"
	FrameData           FrameType = "data"
	FrameError          FrameType = "error"
	FrameFinish         FrameType = "finish"
)

// Data frame names for out-of-band signals.
const (
	DataTitle        = "title"
	DataFile         = "file"
	DataWarning      = "rate-limit-warning"
	DataUploadStatus = "upload-status"
)

// Frame is one typed event on the outbound stream.
type Frame struct {
	Type      FrameType       `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	Delta     string          `json:"delta,omitempty"`
	Part      *Part           `json:"part,omitempty"`
	Name      string          `json:"name,omitempty"` // data frame discriminator
	Data      json.RawMessage `json:"data,omitempty"`
	Finish    FinishReason    `json:"finishReason,omitempty"`
	Code      string          `json:"code,omitempty"` // error frames
	Message   string          `json:"message,omitempty"`
}
