package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaylabs/relay/internal/db"
	"github.com/relaylabs/relay/internal/ledger"
	"github.com/relaylabs/relay/internal/tools"
	"github.com/relaylabs/relay/internal/types"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedConversation(t *testing.T, store *db.Store, id string) {
	t.Helper()
	require.NoError(t, store.CreateConversation(context.Background(), id, "u1", "untitled"))
	require.NoError(t, store.SetActiveStream(context.Background(), id, "stream-1"))
}

func assistantMessage(text string) types.Message {
	return types.Message{
		ID:    "m1",
		Role:  types.RoleAssistant,
		Parts: []types.Part{{Type: types.PartText, Text: text}},
		Usage: types.Usage{InputTokens: 100, OutputTokens: 30},
	}
}

func TestFinalizeRunsExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	seedConversation(t, store, "conv-1")
	ctx := context.Background()

	f := &Finalizer{Store: store, ConversationID: "conv-1"}
	in := FinalizeInput{Message: assistantMessage("answer"), Finish: types.FinishStop}
	f.Finalize(ctx, in)
	f.Finalize(ctx, in)

	msgs, err := store.GetMessages(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	conv, err := store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, types.FinishStop, conv.FinishReason)
	assert.Empty(t, conv.ActiveStreamID)
}

func TestFinalizeSkipsCleanUserAbort(t *testing.T) {
	store := newTestStore(t)
	seedConversation(t, store, "conv-2")
	ctx := context.Background()

	f := &Finalizer{Store: store, ConversationID: "conv-2"}
	f.Finalize(ctx, FinalizeInput{
		Message: types.Message{ID: "m1", Role: types.RoleAssistant},
		Finish:  types.FinishAborted,
	})

	msgs, err := store.GetMessages(ctx, "conv-2")
	require.NoError(t, err)
	assert.Empty(t, msgs, "clean user abort must not persist a message")

	// The active-stream marker is still released.
	conv, err := store.GetConversation(ctx, "conv-2")
	require.NoError(t, err)
	assert.Empty(t, conv.ActiveStreamID)
}

func TestFinalizeAbortWithUsageStillPersists(t *testing.T) {
	store := newTestStore(t)
	seedConversation(t, store, "conv-3")
	ctx := context.Background()

	f := &Finalizer{Store: store, ConversationID: "conv-3"}
	f.Finalize(ctx, FinalizeInput{Message: assistantMessage("partial answer"), Finish: types.FinishAborted})

	msgs, err := store.GetMessages(ctx, "conv-3")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.FinishAborted, msgs[0].FinishReason)
}

func TestFinalizePreemptedAbortBecomesTimeout(t *testing.T) {
	store := newTestStore(t)
	seedConversation(t, store, "conv-4")
	ctx := context.Background()

	d := StartDeadline(time.Millisecond, 0, func() {})
	require.Eventually(t, d.Preempted, time.Second, time.Millisecond)

	f := &Finalizer{Store: store, Deadline: d, ConversationID: "conv-4"}
	f.Finalize(ctx, FinalizeInput{Message: assistantMessage("cut short"), Finish: types.FinishAborted})

	msgs, err := store.GetMessages(ctx, "conv-4")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.FinishTimeout, msgs[0].FinishReason)

	conv, err := store.GetConversation(ctx, "conv-4")
	require.NoError(t, err)
	assert.Equal(t, types.FinishTimeout, conv.FinishReason)
}

func TestFinalizeRepairsDanglingToolBeforePersist(t *testing.T) {
	store := newTestStore(t)
	seedConversation(t, store, "conv-5")
	ctx := context.Background()

	msg := types.Message{
		ID:   "m1",
		Role: types.RoleAssistant,
		Parts: []types.Part{
			{Type: types.PartText, Text: "running"},
			{Type: types.PartStepStart},
			{Type: types.PartTool, ToolCallID: "t1", ToolState: types.ToolInputAvailable},
		},
		Usage: types.Usage{InputTokens: 10, OutputTokens: 2},
	}
	f := &Finalizer{Store: store, ConversationID: "conv-5"}
	f.Finalize(ctx, FinalizeInput{Message: msg, Finish: types.FinishAborted})

	msgs, err := store.GetMessages(ctx, "conv-5")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	for _, p := range msgs[0].Parts {
		assert.NotEqual(t, types.PartTool, p.Type, "dangling tool part must not survive repair")
	}
}

func TestFinalizeMergesTodosAndFiles(t *testing.T) {
	store := newTestStore(t)
	seedConversation(t, store, "conv-6")
	ctx := context.Background()

	todos := tools.NewTodoManager(nil)
	todos.Set([]types.Todo{{ID: "td1", Content: "ship it", Status: "done"}})

	var emitted []types.Frame
	f := &Finalizer{
		Store:          store,
		Todos:          todos,
		Files:          func() []tools.FileRef { return []tools.FileRef{{ID: "f1", Name: "report.txt"}} },
		ConversationID: "conv-6",
		Emit:           func(fr types.Frame) { emitted = append(emitted, fr) },
	}
	f.Finalize(ctx, FinalizeInput{Message: assistantMessage("wrote the report"), Finish: types.FinishStop, Title: "Report run"})

	conv, err := store.GetConversation(ctx, "conv-6")
	require.NoError(t, err)
	assert.Equal(t, "Report run", conv.Title)
	require.Len(t, conv.Todos, 1)
	assert.Equal(t, "ship it", conv.Todos[0].Content)

	msgs, err := store.GetMessages(ctx, "conv-6")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var fileIDs []string
	for _, p := range msgs[0].Parts {
		if p.Type == types.PartFile {
			fileIDs = append(fileIDs, p.FileID)
		}
	}
	assert.Equal(t, []string{"f1"}, fileIDs)

	// Each attached file is announced on the stream.
	require.Len(t, emitted, 1)
	assert.Equal(t, types.FrameData, emitted[0].Type)
	assert.Equal(t, types.DataFile, emitted[0].Name)
	assert.Contains(t, string(emitted[0].Data), `"id":"f1"`)
}

func TestFinalizeRefundsWhenNothingProduced(t *testing.T) {
	store := newTestStore(t)
	seedConversation(t, store, "conv-7")
	ctx := context.Background()

	l := ledger.New(store, ledger.NewEntitlements("", 100), ledger.Config{})
	user := ledger.User{ID: "u1", Tier: ledger.TierPro}
	ded, err := l.Admit(ctx, user, types.ModeAsk, 200_000, "claude-sonnet-4-5")
	require.NoError(t, err)
	require.Greater(t, ded.Points(), int64(0))

	before, err := l.Peek(ctx, user, ledger.WindowSession)
	require.NoError(t, err)

	f := &Finalizer{Store: store, Deduction: ded, ConversationID: "conv-7"}
	f.Finalize(ctx, FinalizeInput{
		Message: types.Message{ID: "m1", Role: types.RoleAssistant},
		Finish:  types.FinishError,
		Err:     errors.New("provider exploded"),
	})

	after, err := l.Peek(ctx, user, ledger.WindowSession)
	require.NoError(t, err)
	assert.Equal(t, before.Remaining+ded.Points(), after.Remaining)
}

func TestFinalizeErrorWithPartialUsageSettles(t *testing.T) {
	// The stream died after consuming tokens. The deduction settles against
	// the partial usage; a full refund would give those tokens away.
	store := newTestStore(t)
	seedConversation(t, store, "conv-10")
	ctx := context.Background()

	l := ledger.New(store, ledger.NewEntitlements("", 100), ledger.Config{})
	user := ledger.User{ID: "u3", Tier: ledger.TierPro}
	ded, err := l.Admit(ctx, user, types.ModeAsk, 200_000, "claude-sonnet-4-5")
	require.NoError(t, err)

	before, err := l.Peek(ctx, user, ledger.WindowSession)
	require.NoError(t, err)

	msg := types.Message{
		ID:    "m1",
		Role:  types.RoleAssistant,
		Usage: types.Usage{InputTokens: 120},
		Model: "claude-sonnet-4-5",
	}
	f := &Finalizer{Store: store, Deduction: ded, ConversationID: "conv-10"}
	f.Finalize(ctx, FinalizeInput{Message: msg, Finish: types.FinishError, Err: errors.New("stream died")})

	after, err := l.Peek(ctx, user, ledger.WindowSession)
	require.NoError(t, err)

	// Settled down to the actual cost, not refunded in full.
	actual := l.Cost(120, "claude-sonnet-4-5")
	assert.Equal(t, before.Remaining+ded.Points()-actual, after.Remaining)
	assert.Greater(t, actual, int64(0))
}

func TestFinalizeSettlesActualUsage(t *testing.T) {
	store := newTestStore(t)
	seedConversation(t, store, "conv-8")
	ctx := context.Background()

	l := ledger.New(store, ledger.NewEntitlements("", 100), ledger.Config{})
	user := ledger.User{ID: "u2", Tier: ledger.TierPro}
	ded, err := l.Admit(ctx, user, types.ModeAsk, 200_000, "claude-sonnet-4-5")
	require.NoError(t, err)

	f := &Finalizer{Store: store, Deduction: ded, ConversationID: "conv-8"}
	msg := assistantMessage("answer")
	msg.Model = "claude-sonnet-4-5"
	f.Finalize(ctx, FinalizeInput{Message: msg, Finish: types.FinishStop})

	// Settlement already ran; a later refund must be a no-op.
	before, err := l.Peek(ctx, user, ledger.WindowSession)
	require.NoError(t, err)
	require.NoError(t, ded.Refund(ctx))
	after, err := l.Peek(ctx, user, ledger.WindowSession)
	require.NoError(t, err)
	assert.Equal(t, before.Remaining, after.Remaining)
}

func TestFinalizeAwaitsLateUsage(t *testing.T) {
	store := newTestStore(t)
	seedConversation(t, store, "conv-9")
	ctx := context.Background()

	late := make(chan types.Usage, 1)
	late <- types.Usage{InputTokens: 77, OutputTokens: 11}

	msg := types.Message{
		ID:    "m1",
		Role:  types.RoleAssistant,
		Parts: []types.Part{{Type: types.PartText, Text: "aborted midway"}},
	}
	f := &Finalizer{Store: store, ConversationID: "conv-9"}
	f.Finalize(ctx, FinalizeInput{Message: msg, Finish: types.FinishAborted, LateUsage: late})

	msgs, err := store.GetMessages(ctx, "conv-9")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(88), msgs[0].Usage.Total())
}
