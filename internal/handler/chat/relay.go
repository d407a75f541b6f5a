package chat

import (
	"net/http"
	"time"

	"github.com/relaylabs/relay/internal/engine"
	"github.com/relaylabs/relay/internal/httputil"
)

const keepaliveInterval = 15 * time.Second

// relayStream copies stream frames to the client as server-sent events:
// buffered frames first, then live. Client disconnects only detach the
// subscriber; generation keeps running for later resume.
func relayStream(w http.ResponseWriter, r *http.Request, stream *engine.Stream) {
	sse, err := httputil.NewSSEWriter(w)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	replay, live, cancel := stream.Subscribe()
	defer cancel()

	for _, f := range replay {
		if err := sse.WriteEvent(string(f.Type), f); err != nil {
			return
		}
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case f, ok := <-live:
			if !ok {
				return
			}
			if err := sse.WriteEvent(string(f.Type), f); err != nil {
				return
			}
		case <-keepalive.C:
			if err := sse.WriteComment("keepalive"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
