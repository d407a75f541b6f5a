package summarize

import "github.com/relaylabs/relay/internal/types"

const agentInstruction = `Compress the following conversation segment into a dense summary for an autonomous agent resuming work. Preserve, in order of priority:
1. Commands run, files touched, and their outcomes (including exact paths)
2. Errors, failures, and security-relevant details, verbatim where short
3. Decisions made and constraints discovered
4. Pending tasks and unresolved questions
Omit pleasantries. Use terse bullet points.`

const askInstruction = `Compress the following conversation segment into a concise summary that preserves question-and-answer continuity. Keep:
1. What the user asked and what was answered
2. Facts, figures, and references that later turns may depend on
3. Corrections or changes of direction
Write a short paragraph or a few bullets.`

func instructionFor(mode types.Mode) string {
	if mode == types.ModeAgent {
		return agentInstruction
	}
	return askInstruction
}
