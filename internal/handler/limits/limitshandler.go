package limits

import (
	"net/http"

	"github.com/relaylabs/relay/internal/httputil"
	"github.com/relaylabs/relay/internal/logic/limits"
	"github.com/relaylabs/relay/internal/svc"
)

// Report remaining budget in both windows.
func LimitsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := limits.NewLimitsLogic(r.Context(), svcCtx)
		resp, err := l.Limits()
		if err != nil {
			httputil.Error(w, err)
		} else {
			httputil.OkJSON(w, resp)
		}
	}
}
