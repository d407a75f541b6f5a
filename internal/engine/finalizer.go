package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/relaylabs/relay/internal/cancel"
	"github.com/relaylabs/relay/internal/db"
	"github.com/relaylabs/relay/internal/ledger"
	"github.com/relaylabs/relay/internal/tools"
	"github.com/relaylabs/relay/internal/types"
)

// usageAwaitTimeout bounds how long the finalizer waits for late-arriving
// token usage after an abort.
const usageAwaitTimeout = 3 * time.Second

// Finalizer reconciles everything a stream touched, exactly once per stream,
// on every terminal path: success, user abort, preemptive abort, or provider
// error after partial output. Cancellation stops generation, not bookkeeping.
type Finalizer struct {
	Store          *db.Store
	Deadline       *Deadline
	CancelHandle   *cancel.Handle
	Deduction      *ledger.Deduction
	Todos          *tools.TodoManager
	Files          func() []tools.FileRef
	ConversationID string
	Temporary      bool

	// Emit publishes out-of-band frames on the owning stream; nil when the
	// stream is already gone.
	Emit func(types.Frame)

	once sync.Once
}

// FinalizeInput is the terminal state handed in by whichever exit path ran.
type FinalizeInput struct {
	Message types.Message
	Finish  types.FinishReason
	Title   string
	Err     error

	// LateUsage delivers usage that resolves after an abort, if the driver's
	// usage was still zero at termination.
	LateUsage <-chan types.Usage
}

// Finalize runs the reconciliation pipeline. Safe to invoke from multiple
// exit paths; only the first call does anything.
func (f *Finalizer) Finalize(ctx context.Context, in FinalizeInput) {
	f.once.Do(func() { f.run(ctx, in) })
}

// Each sub-step below is guarded independently: a failure in one must not
// block the others.
func (f *Finalizer) run(ctx context.Context, in FinalizeInput) {
	logger := logx.WithContext(ctx)

	if f.Deadline != nil {
		f.Deadline.Clear()
	}
	if f.CancelHandle != nil {
		f.CancelHandle.Stop()
	}

	// A preemptive cut-off is the platform's doing, not the user's; it keeps
	// a real finish reason in history.
	preempted := f.Deadline != nil && f.Deadline.Preempted()
	if preempted && in.Finish == types.FinishAborted {
		in.Finish = types.FinishTimeout
	}
	userAborted := in.Finish == types.FinishAborted

	msg := in.Message
	if msg.Usage.Total() == 0 && in.LateUsage != nil {
		select {
		case u := <-in.LateUsage:
			msg.Usage = u
		case <-time.After(usageAwaitTimeout):
			logger.Infof("finalize: usage never resolved for conversation %s", f.ConversationID)
		}
	}

	var files []tools.FileRef
	if f.Files != nil {
		files = f.Files()
	}

	// A clean user abort with nothing new to record is skipped entirely: the
	// client already holds the complete message from its own optimistic
	// state, and writing here would duplicate it.
	skip := userAborted && len(files) == 0 && !HasDanglingTools(msg.Parts) && msg.Usage.Total() == 0

	if !skip {
		msg.Parts = RepairParts(msg.Parts)
		for _, fr := range files {
			msg.Parts = append(msg.Parts, types.Part{
				Type:      types.PartFile,
				FileID:    fr.ID,
				FileName:  fr.Name,
				MediaType: fr.MediaType,
			})
			if f.Emit != nil {
				data, _ := json.Marshal(fr)
				f.Emit(types.Frame{Type: types.FrameData, Name: types.DataFile, Data: data})
			}
		}
		msg.ConversationID = f.ConversationID
		msg.FinishReason = in.Finish

		if !f.Temporary && msg.HasContent() {
			if err := f.Store.SaveMessage(ctx, &msg); err != nil {
				logger.Errorf("finalize: save message failed for conversation %s: %v", f.ConversationID, err)
			}
		}

		upd := db.ConversationUpdate{FinishReason: &in.Finish}
		empty := ""
		upd.ActiveStreamID = &empty
		if in.Title != "" {
			upd.Title = &in.Title
		}
		if f.Todos != nil && f.Todos.Changed() {
			todos := f.Todos.Snapshot()
			upd.Todos = &todos
		}
		if err := f.Store.UpdateConversation(ctx, f.ConversationID, upd); err != nil {
			logger.Errorf("finalize: conversation update failed for %s: %v", f.ConversationID, err)
		}
	} else if err := f.Store.SetActiveStream(ctx, f.ConversationID, ""); err != nil {
		logger.Errorf("finalize: clear active stream failed for %s: %v", f.ConversationID, err)
	}

	if f.Deduction != nil {
		// A request that produced nothing before erroring gets its estimate
		// back; everything else reconciles against actual usage.
		producedNothing := in.Err != nil && !msg.HasContent() && msg.Usage.Total() == 0
		var err error
		if producedNothing {
			err = f.Deduction.Refund(ctx)
		} else {
			err = f.Deduction.Settle(ctx, msg.Usage.Total())
		}
		if err != nil {
			logger.Errorf("finalize: ledger reconciliation failed for %s: %v", f.ConversationID, err)
		}
	}
}
