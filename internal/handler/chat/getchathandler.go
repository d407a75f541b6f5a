package chat

import (
	"net/http"

	"github.com/relaylabs/relay/internal/httputil"
	"github.com/relaylabs/relay/internal/logic/chat"
	"github.com/relaylabs/relay/internal/svc"
	"github.com/relaylabs/relay/internal/types"
)

// Get a conversation and its message history.
func GetChatHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.GetChatRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		l := chat.NewGetChatLogic(r.Context(), svcCtx)
		resp, err := l.GetChat(&req)
		if err != nil {
			httputil.Error(w, err)
		} else {
			httputil.OkJSON(w, resp)
		}
	}
}
