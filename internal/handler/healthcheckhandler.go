package handler

import (
	"net/http"

	"github.com/relaylabs/relay/internal/httputil"
)

func HealthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, map[string]string{"status": "ok"})
	}
}
