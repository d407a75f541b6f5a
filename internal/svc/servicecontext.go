package svc

import (
	"context"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/relaylabs/relay/internal/ai"
	"github.com/relaylabs/relay/internal/cancel"
	"github.com/relaylabs/relay/internal/config"
	"github.com/relaylabs/relay/internal/db"
	"github.com/relaylabs/relay/internal/engine"
	"github.com/relaylabs/relay/internal/ledger"
	"github.com/relaylabs/relay/internal/realtime"
	"github.com/relaylabs/relay/internal/summarize"
	"github.com/relaylabs/relay/internal/tools"
)

// ServiceContext carries every long-lived dependency. Constructed once at
// startup and handed to handlers; nothing here is request-scoped.
type ServiceContext struct {
	Config config.Config

	Store  *db.Store
	Ledger *ledger.Ledger

	Primary  ai.Provider
	Fallback ai.Provider
	Utility  ai.Provider

	Summarizer *summarize.Summarizer
	Cancel     *cancel.Signal
	Streams    *engine.StreamRegistry
	Realtime   *realtime.Hub

	// Sandbox is the remote tool-execution collaborator. Nil disables the
	// sandbox tool surface; agent turns then run with todos only.
	Sandbox tools.Sandbox
}

func NewServiceContext(c config.Config) (*ServiceContext, error) {
	store, err := db.NewSQLite(c.Database.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ent := ledger.NewEntitlements(c.Stripe.APIKey, c.Limits.PointsPerDollar)
	led := ledger.New(store, ent, ledger.Config{
		PointsPerDollar: c.Limits.PointsPerDollar,
		SessionDuration: time.Duration(c.Limits.SessionWindowSeconds) * time.Second,
		WeeklyDuration:  time.Duration(c.Limits.WeeklyWindowSeconds) * time.Second,
	})

	var primary, fallback ai.Provider
	if c.Providers.AnthropicAPIKey != "" {
		primary = ai.NewAnthropicProvider(c.Providers.AnthropicAPIKey, c.Providers.PrimaryModel)
	}
	if c.Providers.OpenAIAPIKey != "" {
		fallback = ai.NewOpenAIProvider(c.Providers.OpenAIAPIKey, c.Providers.FallbackModel)
	}
	if primary == nil {
		// Run on whatever is configured rather than refusing to start.
		primary = fallback
		fallback = nil
	}
	if primary == nil {
		return nil, fmt.Errorf("no model provider configured")
	}

	// The utility provider serves summaries and titles on the cheap model.
	utility := primary
	if c.Providers.AnthropicAPIKey != "" {
		utility = ai.NewAnthropicProvider(c.Providers.AnthropicAPIKey, c.Providers.UtilityModel)
	}

	hub := cancel.NewHub()
	signal := cancel.NewSignal(store, hub, time.Duration(c.Limits.CancelPollSeconds)*time.Second)

	rt := realtime.NewHub()
	go rt.Run()
	rt.SetStopHandler(func(userID, conversationID string) {
		if err := signal.Request(context.Background(), conversationID); err != nil {
			logx.Errorf("stop push for conversation %s failed: %v", conversationID, err)
		}
	})

	return &ServiceContext{
		Config:     c,
		Store:      store,
		Ledger:     led,
		Primary:    primary,
		Fallback:   fallback,
		Utility:    utility,
		Summarizer: summarize.New(utility, c.Providers.UtilityModel),
		Cancel:     signal,
		Streams:    engine.NewStreamRegistry(),
		Realtime:   rt,
	}, nil
}

// Close releases long-lived resources.
func (s *ServiceContext) Close() error {
	s.Realtime.Shutdown()
	return s.Store.Close()
}
