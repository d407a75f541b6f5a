package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/sync/errgroup"

	"github.com/relaylabs/relay/internal/ai"
	"github.com/relaylabs/relay/internal/types"
)

// Defaults for the compaction policy.
const (
	DefaultChunkSize    = 10 // raw messages per summary chunk
	DefaultTailSize     = 2  // most recent messages kept verbatim
	DefaultThresholdPct = 90 // trigger at this percent of the context budget
)

// Marker prefixes every summary chunk's text so summaries survive further
// summarization passes and stay recognizable in transcripts.
const Marker = "[conversation-summary]"

// placeholder is substituted when a chunk's model call fails. Summarization is
// on the hot path of every long conversation and must degrade, not abort.
const placeholder = "(summary unavailable: an earlier portion of this conversation could not be compacted)"

// Result is the outcome of a summarization pass.
type Result struct {
	Needed   bool
	Messages []types.Message // prior summaries + new chunks + verbatim tail
	CutoffID string          // id of the last raw message covered by new chunks
	Chunks   []types.Message // newly produced summary chunks, for persistence
}

// Summarizer compresses older conversation turns into dense summary chunks
// when the projected context would exceed the model budget.
type Summarizer struct {
	provider ai.Provider
	model    string

	ChunkSize    int
	TailSize     int
	ThresholdPct int
}

func New(provider ai.Provider, model string) *Summarizer {
	return &Summarizer{
		provider:     provider,
		model:        model,
		ChunkSize:    DefaultChunkSize,
		TailSize:     DefaultTailSize,
		ThresholdPct: DefaultThresholdPct,
	}
}

// Maybe summarizes history if the projected token count exceeds the threshold
// share of contextBudget. The last TailSize raw messages are always passed
// through byte-for-byte; existing summary chunks are never re-summarized, and
// raw messages at or before a persisted chunk's cutoff are already represented
// by that chunk and never re-enter the chunker.
func (s *Summarizer) Maybe(ctx context.Context, msgs []types.Message, contextBudget int64, mode types.Mode) (*Result, error) {
	noop := &Result{Needed: false, Messages: msgs}

	if contextBudget <= 0 || len(msgs) == 0 {
		return noop, nil
	}
	threshold := contextBudget * int64(s.ThresholdPct) / 100
	if EstimateTokens(msgs) <= threshold {
		return noop, nil
	}

	var prior []types.Message // existing summaries, passed through unchanged
	var raw []types.Message
	cutoffs := make(map[string]struct{})
	for _, m := range msgs {
		if m.IsSummary() {
			prior = append(prior, m)
			cutoffs[m.SummaryOf] = struct{}{}
		} else {
			raw = append(raw, m)
		}
	}

	// Everything up to the newest cutoff is covered by a prior chunk; only the
	// uncovered suffix is eligible for this pass.
	covered := 0
	for i := range raw {
		if _, ok := cutoffs[raw[i].ID]; ok {
			covered = i + 1
		}
	}
	raw = raw[covered:]
	if len(raw) <= s.TailSize {
		return noop, nil
	}

	candidates := raw[:len(raw)-s.TailSize]
	tail := raw[len(raw)-s.TailSize:]
	if len(candidates) == 0 {
		return noop, nil
	}

	chunks := chunkMessages(candidates, s.ChunkSize)
	summaries := make([]types.Message, len(chunks))

	// Chunks are independent; summarize them in parallel.
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			summaries[i] = s.summarizeChunk(gctx, chunk, mode)
			return nil
		})
	}
	g.Wait()

	out := make([]types.Message, 0, len(prior)+len(summaries)+len(tail))
	out = append(out, prior...)
	out = append(out, summaries...)
	out = append(out, tail...)

	return &Result{
		Needed:   true,
		Messages: out,
		CutoffID: candidates[len(candidates)-1].ID,
		Chunks:   summaries,
	}, nil
}

// summarizeChunk compresses one group of raw messages into a single summary
// message tagged with the id of its last source message.
func (s *Summarizer) summarizeChunk(ctx context.Context, chunk []types.Message, mode types.Mode) types.Message {
	cutoff := chunk[len(chunk)-1].ID

	text, _, err := ai.Generate(ctx, s.provider, &ai.ChatRequest{
		Model:  s.model,
		System: instructionFor(mode),
		Messages: []ai.Message{
			{Role: "user", Content: renderTranscript(chunk)},
		},
	})
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			logx.WithContext(ctx).Errorf("summarize: chunk ending at %s failed: %v", cutoff, err)
		}
		text = placeholder
	}

	return types.Message{
		ID:        uuid.New().String(),
		Role:      types.RoleSystem,
		Parts:     []types.Part{{Type: types.PartText, Text: Marker + "\n" + strings.TrimSpace(text)}},
		SummaryOf: cutoff,
	}
}

func chunkMessages(msgs []types.Message, size int) [][]types.Message {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var out [][]types.Message
	for start := 0; start < len(msgs); start += size {
		end := start + size
		if end > len(msgs) {
			end = len(msgs)
		}
		out = append(out, msgs[start:end])
	}
	return out
}

// renderTranscript flattens a chunk into a plain transcript for the
// summarization call.
func renderTranscript(msgs []types.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		for _, p := range m.Parts {
			switch p.Type {
			case types.PartText, types.PartReasoning, types.PartStatus:
				sb.WriteString(p.Text)
			case types.PartTool:
				fmt.Fprintf(&sb, "[tool %s -> %s]", p.ToolName, truncate(p.Output, 400))
			case types.PartFile:
				fmt.Fprintf(&sb, "[file %s]", p.FileName)
			case types.PartStepStart:
				// marker only
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// EstimateTokens estimates token usage for a message slice.
// Rough heuristic: ~4 characters per token.
func EstimateTokens(msgs []types.Message) int64 {
	var chars int64
	for i := range msgs {
		for _, p := range msgs[i].Parts {
			chars += int64(len(p.Text))
			chars += int64(len(p.Input))
			chars += int64(len(p.Output))
		}
	}
	return chars / 4
}
