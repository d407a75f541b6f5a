package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaylabs/relay/internal/ai"
	"github.com/relaylabs/relay/internal/httputil"
	"github.com/relaylabs/relay/internal/ledger"
	"github.com/relaylabs/relay/internal/types"
)

// mapLedgerError converts admission failures to the client-facing taxonomy.
func mapLedgerError(err error) error {
	var forbidden *ledger.ForbiddenError
	if errors.As(err, &forbidden) {
		return &httputil.APIError{Status: 403, Code: httputil.CodeForbidden, Message: forbidden.Error()}
	}
	var limited *ledger.RateLimitError
	if errors.As(err, &limited) {
		return &httputil.APIError{
			Status:  429,
			Code:    httputil.CodeRateLimit,
			Message: limited.Error(),
			ResetAt: limited.ResetEstimate(),
		}
	}
	var unavailable *ledger.UnavailableError
	if errors.As(err, &unavailable) {
		return &httputil.APIError{Status: 503, Code: httputil.CodeOffline, Message: "service temporarily unavailable"}
	}
	return err
}

// mergeIncoming appends request messages that are not already persisted.
func mergeIncoming(history []types.Message, incoming []types.Message) []types.Message {
	seen := make(map[string]struct{}, len(history))
	for _, m := range history {
		if m.ID != "" {
			seen[m.ID] = struct{}{}
		}
	}
	out := history
	for _, m := range incoming {
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// modelMessages flattens stored messages into the provider-facing shape.
// Summaries travel as system turns; tool activity is inlined as text so the
// model keeps the operational trail.
func modelMessages(history []types.Message) []ai.Message {
	out := make([]ai.Message, 0, len(history))
	for i := range history {
		m := &history[i]
		content := renderForModel(m)
		if content == "" {
			continue
		}
		role := string(m.Role)
		if m.IsSummary() {
			role = "system"
		}
		out = append(out, ai.Message{Role: role, Content: content})
	}
	return out
}

func renderForModel(m *types.Message) string {
	var sb []byte
	for _, p := range m.Parts {
		switch p.Type {
		case types.PartText, types.PartReasoning:
			sb = append(sb, p.Text...)
		case types.PartTool:
			sb = append(sb, fmt.Sprintf("\n[tool %s: %s]", p.ToolName, p.Output)...)
		case types.PartFile:
			sb = append(sb, fmt.Sprintf("\n[file %s]", p.FileName)...)
		case types.PartStepStart, types.PartStatus:
			// markers only
		}
	}
	return string(sb)
}

func firstNonNil(a, b []types.Todo) []types.Todo {
	if a != nil {
		return a
	}
	return b
}

func jsonString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
