package chat

import (
	"net/http"

	"github.com/relaylabs/relay/internal/httputil"
	"github.com/relaylabs/relay/internal/logic/chat"
	"github.com/relaylabs/relay/internal/svc"
	"github.com/relaylabs/relay/internal/types"
)

// Send a message and stream the generated response.
func SendMessageHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.SendMessageRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		l := chat.NewSendMessageLogic(r.Context(), svcCtx)
		stream, err := l.SendMessage(&req)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		relayStream(w, r, stream)
	}
}
