package chat

import (
	"net/http"

	"github.com/relaylabs/relay/internal/httputil"
	"github.com/relaylabs/relay/internal/logic/chat"
	"github.com/relaylabs/relay/internal/svc"
	"github.com/relaylabs/relay/internal/types"
)

// List the user's conversations.
func ListChatsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.ListChatsRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		l := chat.NewListChatsLogic(r.Context(), svcCtx)
		resp, err := l.ListChats(&req)
		if err != nil {
			httputil.Error(w, err)
		} else {
			httputil.OkJSON(w, resp)
		}
	}
}
