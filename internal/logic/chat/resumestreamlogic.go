package chat

import (
	"context"
	"errors"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/relaylabs/relay/internal/db"
	"github.com/relaylabs/relay/internal/engine"
	"github.com/relaylabs/relay/internal/httputil"
	"github.com/relaylabs/relay/internal/middleware"
	"github.com/relaylabs/relay/internal/svc"
	"github.com/relaylabs/relay/internal/types"
)

type ResumeStreamLogic struct {
	logx.Logger
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

func NewResumeStreamLogic(ctx context.Context, svcCtx *svc.ServiceContext) *ResumeStreamLogic {
	return &ResumeStreamLogic{
		Logger: logx.WithContext(ctx),
		ctx:    ctx,
		svcCtx: svcCtx,
	}
}

// ResumeStream reattaches to the conversation's in-flight stream via the
// persisted active-stream marker. A marker pointing at a stream this process
// no longer holds means the stream died with a previous instance; the marker
// is cleared so clients stop retrying.
func (l *ResumeStreamLogic) ResumeStream(req *types.ResumeStreamRequest) (*engine.Stream, error) {
	user, ok := middleware.UserFrom(l.ctx)
	if !ok {
		return nil, &httputil.APIError{Status: 401, Code: "unauthorized", Message: "no authenticated user"}
	}
	conv, err := l.svcCtx.Store.GetConversation(l.ctx, req.ChatID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, &httputil.APIError{Status: 404, Code: httputil.CodeNotFound, Message: "chat not found"}
		}
		return nil, err
	}
	if conv.UserID != user.ID {
		return nil, &httputil.APIError{Status: 404, Code: httputil.CodeNotFound, Message: "chat not found"}
	}
	if conv.ActiveStreamID == "" {
		return nil, &httputil.APIError{Status: 404, Code: httputil.CodeNotFound, Message: "no active stream"}
	}

	stream, ok := l.svcCtx.Streams.Get(conv.ActiveStreamID)
	if !ok {
		if err := l.svcCtx.Store.SetActiveStream(l.ctx, conv.ID, ""); err != nil {
			l.Errorf("clear dead stream marker for %s: %v", conv.ID, err)
		}
		return nil, &httputil.APIError{Status: 404, Code: httputil.CodeNotFound, Message: "stream no longer available"}
	}
	return stream, nil
}
