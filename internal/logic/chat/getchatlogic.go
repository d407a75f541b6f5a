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

type GetChatLogic struct {
	logx.Logger
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

func NewGetChatLogic(ctx context.Context, svcCtx *svc.ServiceContext) *GetChatLogic {
	return &GetChatLogic{
		Logger: logx.WithContext(ctx),
		ctx:    ctx,
		svcCtx: svcCtx,
	}
}

func (l *GetChatLogic) GetChat(req *types.GetChatRequest) (*types.GetChatResponse, error) {
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

	msgs, err := l.svcCtx.Store.GetMessages(l.ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return &types.GetChatResponse{Chat: *conv, Messages: msgs}, nil
}
