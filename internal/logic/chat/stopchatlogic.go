package chat

import (
	"context"
	"errors"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/relaylabs/relay/internal/db"
	"github.com/relaylabs/relay/internal/httputil"
	"github.com/relaylabs/relay/internal/middleware"
	"github.com/relaylabs/relay/internal/svc"
	"github.com/relaylabs/relay/internal/types"
)

type StopChatLogic struct {
	logx.Logger
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

func NewStopChatLogic(ctx context.Context, svcCtx *svc.ServiceContext) *StopChatLogic {
	return &StopChatLogic{
		Logger: logx.WithContext(ctx),
		ctx:    ctx,
		svcCtx: svcCtx,
	}
}

// StopChat publishes cancellation for the conversation's in-flight stream.
func (l *StopChatLogic) StopChat(req *types.StopChatRequest) (*types.StopChatResponse, error) {
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

	if err := l.svcCtx.Cancel.Request(l.ctx, req.ChatID); err != nil {
		return nil, &httputil.APIError{Status: 503, Code: httputil.CodeOffline, Message: "could not signal stop"}
	}
	return &types.StopChatResponse{Stopped: true}, nil
}
