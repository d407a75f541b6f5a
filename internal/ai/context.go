package ai

import "strings"

// Context window sizes in tokens, by model prefix. The summarizer uses these
// as the budget its trigger threshold is a percentage of.
var contextWindows = []struct {
	prefix string
	tokens int64
}{
	{"claude-opus", 200_000},
	{"claude-sonnet", 200_000},
	{"claude-haiku", 200_000},
	{"gpt-4o", 128_000},
	{"gpt-4", 128_000},
	{"o3", 200_000},
}

const defaultContextWindow int64 = 128_000

// ContextWindow returns the context budget for a model.
func ContextWindow(model string) int64 {
	for _, cw := range contextWindows {
		if strings.HasPrefix(model, cw.prefix) {
			return cw.tokens
		}
	}
	return defaultContextWindow
}
