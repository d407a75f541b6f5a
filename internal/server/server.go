package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/relaylabs/relay/internal/handler"
	chathandler "github.com/relaylabs/relay/internal/handler/chat"
	limitshandler "github.com/relaylabs/relay/internal/handler/limits"
	wshandler "github.com/relaylabs/relay/internal/handler/ws"
	"github.com/relaylabs/relay/internal/middleware"
	"github.com/relaylabs/relay/internal/svc"
)

// Server is the HTTP front of the service.
type Server struct {
	svcCtx *svc.ServiceContext
	http   *http.Server
}

func New(svcCtx *svc.ServiceContext) *Server {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(10 * time.Minute))

	r.Get("/healthz", handler.HealthCheckHandler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(svcCtx.Config.Auth.AccessSecret))

		r.Route("/v1", func(r chi.Router) {
			r.Get("/limits", limitshandler.LimitsHandler(svcCtx))
			r.Route("/chats", func(r chi.Router) {
				r.Get("/", chathandler.ListChatsHandler(svcCtx))
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", chathandler.GetChatHandler(svcCtx))
					r.Delete("/", chathandler.DeleteChatHandler(svcCtx))
					r.Post("/messages", chathandler.SendMessageHandler(svcCtx))
					r.Post("/stop", chathandler.StopChatHandler(svcCtx))
					r.Get("/stream", chathandler.ResumeStreamHandler(svcCtx))
				})
			})
		})

		r.Get("/ws", wshandler.WSHandler(svcCtx))
	})

	addr := fmt.Sprintf("%s:%d", svcCtx.Config.Host, svcCtx.Config.Port)
	return &Server{
		svcCtx: svcCtx,
		http:   &http.Server{Addr: addr, Handler: r},
	}
}

// Start blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	logx.Infof("listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
