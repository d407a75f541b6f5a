package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/relaylabs/relay/internal/ai"
	"github.com/relaylabs/relay/internal/db"
	"github.com/relaylabs/relay/internal/engine"
	"github.com/relaylabs/relay/internal/httputil"
	"github.com/relaylabs/relay/internal/ledger"
	"github.com/relaylabs/relay/internal/middleware"
	"github.com/relaylabs/relay/internal/summarize"
	"github.com/relaylabs/relay/internal/svc"
	"github.com/relaylabs/relay/internal/tools"
	"github.com/relaylabs/relay/internal/types"
)

type SendMessageLogic struct {
	logx.Logger
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

func NewSendMessageLogic(ctx context.Context, svcCtx *svc.ServiceContext) *SendMessageLogic {
	return &SendMessageLogic{
		Logger: logx.WithContext(ctx),
		ctx:    ctx,
		svcCtx: svcCtx,
	}
}

// SendMessage admits the turn, prepares history, and starts the generation
// pipeline. It returns the live stream; the handler attaches and relays
// frames. Admission failures surface here, before any frame is written, so
// they map to plain HTTP errors.
func (l *SendMessageLogic) SendMessage(req *types.SendMessageRequest) (*engine.Stream, error) {
	user, ok := middleware.UserFrom(l.ctx)
	if !ok {
		return nil, &httputil.APIError{Status: 401, Code: "unauthorized", Message: "no authenticated user"}
	}
	if len(req.Messages) == 0 {
		return nil, &httputil.APIError{Status: 400, Code: httputil.CodeBadRequest, Message: "no messages in request"}
	}
	last := req.Messages[len(req.Messages)-1]
	if !last.HasContent() {
		return nil, &httputil.APIError{Status: 400, Code: httputil.CodeBadRequest, Message: "processed message is empty"}
	}
	mode := req.Mode
	if mode == "" {
		mode = types.ModeAsk
	}

	conv, created, err := l.ensureConversation(req, user, last)
	if err != nil {
		return nil, err
	}

	history, err := l.svcCtx.Store.GetMessages(l.ctx, conv.ID)
	if err != nil {
		return nil, &httputil.APIError{Status: 503, Code: httputil.CodeOffline, Message: "history unavailable"}
	}
	history = mergeIncoming(history, req.Messages)

	estimate := summarize.EstimateTokens(history)
	deduction, err := l.svcCtx.Ledger.Admit(l.ctx, user, mode, estimate, l.svcCtx.Config.Providers.PrimaryModel)
	if err != nil {
		return nil, mapLedgerError(err)
	}

	// A fresh stream must never observe a stop left over from the last one.
	if err := l.svcCtx.Cancel.Clear(l.ctx, conv.ID); err != nil {
		l.Errorf("clear stale cancel for %s: %v", conv.ID, err)
	}

	if !req.Temporary && !req.Regenerate {
		if err := l.persistIncoming(conv.ID, req.Messages); err != nil {
			l.Errorf("persist incoming for %s: %v", conv.ID, err)
		}
	}

	budget := ai.ContextWindow(l.svcCtx.Config.Providers.PrimaryModel)
	sum, err := l.svcCtx.Summarizer.Maybe(l.ctx, history, budget, mode)
	if err == nil && sum.Needed {
		history = sum.Messages
		if !req.Temporary {
			for i := range sum.Chunks {
				chunk := sum.Chunks[i]
				chunk.ConversationID = conv.ID
				if err := l.svcCtx.Store.SaveMessage(l.ctx, &chunk); err != nil {
					l.Errorf("persist summary chunk for %s: %v", conv.ID, err)
				}
			}
		}
	}

	stream := engine.NewStream()
	l.svcCtx.Streams.Add(stream)
	if err := l.svcCtx.Store.SetActiveStream(l.ctx, conv.ID, stream.ID); err != nil {
		l.Errorf("set active stream for %s: %v", conv.ID, err)
	}

	go l.runStream(streamParams{
		stream:     stream,
		user:       user,
		mode:       mode,
		conv:       conv,
		created:    created,
		temporary:  req.Temporary,
		history:    history,
		todos:      firstNonNil(req.Todos, conv.Todos),
		deduction:  deduction,
		lastPrompt: last.Text(),
	})

	return stream, nil
}

type streamParams struct {
	stream     *engine.Stream
	user       ledger.User
	mode       types.Mode
	conv       *types.Conversation
	created    bool
	temporary  bool
	history    []types.Message
	todos      []types.Todo
	deduction  *ledger.Deduction
	lastPrompt string
}

// runStream owns the generation lifecycle. It runs detached from the request
// context so a dropped client does not kill the turn; the stream buffer keeps
// it resumable.
func (l *SendMessageLogic) runStream(p streamParams) {
	gctx, abort := context.WithCancel(context.Background())
	defer abort()

	hostMax := time.Duration(l.svcCtx.Config.Limits.AskMaxSeconds) * time.Second
	if p.mode == types.ModeAgent {
		hostMax = time.Duration(l.svcCtx.Config.Limits.AgentMaxSeconds) * time.Second
	}
	deadline := engine.StartDeadline(hostMax, time.Duration(l.svcCtx.Config.Limits.SafetyBufferSeconds)*time.Second, abort)
	handle := l.svcCtx.Cancel.Watch(gctx, p.conv.ID, abort)

	todoMgr := tools.NewTodoManager(p.todos)
	registry := tools.NewRegistry()
	tools.RegisterTodoTool(registry, todoMgr)
	if p.mode == types.ModeAgent && l.svcCtx.Sandbox != nil {
		tools.RegisterSandboxTools(registry, l.svcCtx.Sandbox)
	}

	finalizer := &engine.Finalizer{
		Store:          l.svcCtx.Store,
		Deadline:       deadline,
		CancelHandle:   handle,
		Deduction:      p.deduction,
		Todos:          todoMgr,
		Files:          registry.AccumulatedFiles,
		ConversationID: p.conv.ID,
		Temporary:      p.temporary,
		Emit:           p.stream.Emit,
	}

	defer func() {
		p.stream.Close()
		l.svcCtx.Streams.Remove(p.stream.ID)
		if err := l.svcCtx.Cancel.Clear(context.Background(), p.conv.ID); err != nil {
			logx.Errorf("clear cancel after stream %s: %v", p.stream.ID, err)
		}
	}()

	l.emitBudgetWarning(gctx, p.stream, p.user)

	driver := &engine.Driver{
		Primary:       l.svcCtx.Primary,
		Fallback:      l.svcCtx.Fallback,
		PrimaryModel:  l.svcCtx.Config.Providers.PrimaryModel,
		FallbackModel: l.svcCtx.Config.Providers.FallbackModel,
		Tools:         registry,
		SystemContext: func(context.Context) string { return l.systemContext(p.mode, todoMgr) },
	}

	out := driver.Run(gctx, p.stream, modelMessages(p.history), p.mode)

	title := ""
	if p.created && out.Err == nil && !p.temporary {
		title = l.generateTitle(p.lastPrompt, out.Message.Text())
		if title != "" {
			p.stream.Emit(types.Frame{Type: types.FrameData, Name: types.DataTitle, Data: jsonString(title)})
		}
	}

	finalizer.Finalize(context.Background(), engine.FinalizeInput{
		Message: out.Message,
		Finish:  out.Finish,
		Title:   title,
		Err:     out.Err,
	})

	if out.Err != nil {
		logx.Errorf("stream %s for conversation %s failed: %v", p.stream.ID, p.conv.ID, out.Err)
		p.stream.Emit(types.Frame{
			Type:    types.FrameError,
			Code:    httputil.CodeInternal,
			Message: "something went wrong",
		})
	}
	finish := out.Finish
	if deadline.Preempted() && finish == types.FinishAborted {
		finish = types.FinishTimeout
	}
	p.stream.Emit(types.Frame{Type: types.FrameFinish, Finish: finish})
}

func (l *SendMessageLogic) ensureConversation(req *types.SendMessageRequest, user ledger.User, last types.Message) (*types.Conversation, bool, error) {
	if req.ChatID != "" {
		conv, err := l.svcCtx.Store.GetConversation(l.ctx, req.ChatID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil, false, &httputil.APIError{Status: 404, Code: httputil.CodeNotFound, Message: "chat not found"}
			}
			return nil, false, err
		}
		if conv.UserID != user.ID {
			return nil, false, &httputil.APIError{Status: 404, Code: httputil.CodeNotFound, Message: "chat not found"}
		}
		return conv, false, nil
	}

	id := uuid.New().String()
	title := strings.TrimSpace(last.Text())
	if len(title) > 50 {
		title = title[:47] + "..."
	}
	if title == "" {
		title = "New Chat"
	}
	if err := l.svcCtx.Store.CreateConversation(l.ctx, id, user.ID, title); err != nil {
		return nil, false, err
	}
	return &types.Conversation{ID: id, UserID: user.ID, Title: title}, true, nil
}

func (l *SendMessageLogic) persistIncoming(conversationID string, msgs []types.Message) error {
	for i := range msgs {
		m := msgs[i]
		if m.Role != types.RoleUser {
			continue
		}
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		m.ConversationID = conversationID
		if err := l.svcCtx.Store.SaveMessage(l.ctx, &m); err != nil {
			return err
		}
	}
	return nil
}

// emitBudgetWarning pushes an out-of-band frame when the session window drops
// under ten percent after admission.
func (l *SendMessageLogic) emitBudgetWarning(ctx context.Context, stream *engine.Stream, user ledger.User) {
	status, err := l.svcCtx.Ledger.Peek(ctx, user, ledger.WindowSession)
	if err != nil || status.Capacity == 0 {
		return
	}
	if status.Remaining*10 < status.Capacity {
		stream.Emit(types.Frame{
			Type: types.FrameData,
			Name: types.DataWarning,
			Data: jsonString(fmt.Sprintf("session budget low: %d of %d points left", status.Remaining, status.Capacity)),
		})
	}
}

func (l *SendMessageLogic) systemContext(mode types.Mode, todos *tools.TodoManager) string {
	var sb strings.Builder
	sb.WriteString("You are Relay, a streaming assistant.")
	if mode == types.ModeAgent {
		sb.WriteString(" You are in agent mode with sandboxed tools; keep the todo list current as you work.")
	}
	if list := todos.Snapshot(); len(list) > 0 {
		sb.WriteString("\n\nCurrent todos:\n")
		for _, t := range list {
			fmt.Fprintf(&sb, "- [%s] %s\n", t.Status, t.Content)
		}
	}
	return sb.String()
}

// generateTitle asks the utility model for a short conversation title.
// Failures fall back to silence; the truncated first message already serves.
func (l *SendMessageLogic) generateTitle(prompt, answer string) string {
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()

	text, _, err := ai.Generate(ctx, l.svcCtx.Utility, &ai.ChatRequest{
		Model:  l.svcCtx.Config.Providers.UtilityModel,
		System: "Write a title of at most six words for this conversation. Reply with the title only.",
		Messages: []ai.Message{
			{Role: "user", Content: truncateForTitle(prompt) + "\n---\n" + truncateForTitle(answer)},
		},
	})
	if err != nil {
		logx.Errorf("title generation failed: %v", err)
		return ""
	}
	return strings.Trim(strings.TrimSpace(text), `"`)
}

func truncateForTitle(s string) string {
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
