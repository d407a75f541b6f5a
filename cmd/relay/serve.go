package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/relaylabs/relay/internal/config"
	"github.com/relaylabs/relay/internal/server"
	"github.com/relaylabs/relay/internal/svc"
	"github.com/relaylabs/relay/internal/sweeper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}

	svcCtx, err := svc.NewServiceContext(c)
	if err != nil {
		return err
	}
	defer svcCtx.Close()

	sw := sweeper.New(svcCtx.Store, svcCtx.Ledger, c.Sweep.Schedule,
		time.Duration(c.Sweep.StaleStreamSeconds)*time.Second)
	if err := sw.Start(); err != nil {
		return err
	}
	defer sw.Stop()

	srv := server.New(svcCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logx.Infof("received %v, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logx.Errorf("shutdown: %v", err)
		}
	}()

	return srv.Start()
}
