package ws

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/relaylabs/relay/internal/httputil"
	"github.com/relaylabs/relay/internal/middleware"
	"github.com/relaylabs/relay/internal/realtime"
	"github.com/relaylabs/relay/internal/svc"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade to the realtime control socket.
func WSHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := middleware.UserFrom(r.Context())
		if !ok {
			httputil.Unauthorized(w, "")
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Errorf("ws upgrade failed: %v", err)
			return
		}
		realtime.ServeWS(svcCtx.Realtime, conn, uuid.New().String(), user.ID)
	}
}
