package chat

import (
	"net/http"

	"github.com/relaylabs/relay/internal/httputil"
	"github.com/relaylabs/relay/internal/logic/chat"
	"github.com/relaylabs/relay/internal/svc"
	"github.com/relaylabs/relay/internal/types"
)

// Reattach to an in-flight stream after a disconnect.
func ResumeStreamHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.ResumeStreamRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		l := chat.NewResumeStreamLogic(r.Context(), svcCtx)
		stream, err := l.ResumeStream(&req)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		relayStream(w, r, stream)
	}
}
