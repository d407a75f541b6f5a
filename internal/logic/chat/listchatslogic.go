package chat

import (
	"context"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/relaylabs/relay/internal/httputil"
	"github.com/relaylabs/relay/internal/middleware"
	"github.com/relaylabs/relay/internal/svc"
	"github.com/relaylabs/relay/internal/types"
)

type ListChatsLogic struct {
	logx.Logger
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

func NewListChatsLogic(ctx context.Context, svcCtx *svc.ServiceContext) *ListChatsLogic {
	return &ListChatsLogic{
		Logger: logx.WithContext(ctx),
		ctx:    ctx,
		svcCtx: svcCtx,
	}
}

func (l *ListChatsLogic) ListChats(req *types.ListChatsRequest) (*types.ListChatsResponse, error) {
	user, ok := middleware.UserFrom(l.ctx)
	if !ok {
		return nil, &httputil.APIError{Status: 401, Code: "unauthorized", Message: "no authenticated user"}
	}
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	chats, err := l.svcCtx.Store.ListConversations(l.ctx, user.ID, limit)
	if err != nil {
		return nil, err
	}
	return &types.ListChatsResponse{Chats: chats}, nil
}
