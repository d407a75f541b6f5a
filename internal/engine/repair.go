package engine

import "github.com/relaylabs/relay/internal/types"

// RepairParts resolves tool parts left in a non-terminal state at stream end,
// which happens when an abort lands mid-call. A part with partial output is
// promoted to output-available with that output intact; a part that never
// executed is dropped along with the step marker directly before it, so no
// dangling call is ever persisted.
func RepairParts(parts []types.Part) []types.Part {
	out := make([]types.Part, 0, len(parts))
	for _, p := range parts {
		if p.Type != types.PartTool || p.ToolState.Terminal() {
			out = append(out, p)
			continue
		}
		if p.Output != "" {
			p.ToolState = types.ToolOutputAvailable
			out = append(out, p)
			continue
		}
		// Never executed: drop it, and the step-start marker it opened.
		if n := len(out); n > 0 && out[n-1].Type == types.PartStepStart {
			out = out[:n-1]
		}
	}
	return out
}

// HasDanglingTools reports whether any tool part is still non-terminal.
func HasDanglingTools(parts []types.Part) bool {
	for _, p := range parts {
		if p.Type == types.PartTool && !p.ToolState.Terminal() {
			return true
		}
	}
	return false
}
