package limits

import (
	"context"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/relaylabs/relay/internal/httputil"
	"github.com/relaylabs/relay/internal/ledger"
	"github.com/relaylabs/relay/internal/middleware"
	"github.com/relaylabs/relay/internal/svc"
	"github.com/relaylabs/relay/internal/types"
)

type LimitsLogic struct {
	logx.Logger
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

func NewLimitsLogic(ctx context.Context, svcCtx *svc.ServiceContext) *LimitsLogic {
	return &LimitsLogic{
		Logger: logx.WithContext(ctx),
		ctx:    ctx,
		svcCtx: svcCtx,
	}
}

// Limits peeks both budget windows without deducting anything.
func (l *LimitsLogic) Limits() (*types.LimitsResponse, error) {
	user, ok := middleware.UserFrom(l.ctx)
	if !ok {
		return nil, &httputil.APIError{Status: 401, Code: "unauthorized", Message: "no authenticated user"}
	}
	session, err := l.svcCtx.Ledger.Peek(l.ctx, user, ledger.WindowSession)
	if err != nil {
		return nil, err
	}
	weekly, err := l.svcCtx.Ledger.Peek(l.ctx, user, ledger.WindowWeekly)
	if err != nil {
		return nil, err
	}
	return &types.LimitsResponse{Session: session, Weekly: weekly}, nil
}
