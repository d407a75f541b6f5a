package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/relaylabs/relay/internal/db"
	"github.com/relaylabs/relay/internal/ledger"
)

// Sweeper runs scheduled maintenance: refilling budget windows whose reset
// time has passed and releasing active-stream markers orphaned by crashed
// instances.
type Sweeper struct {
	store      *db.Store
	ledger     *ledger.Ledger
	schedule   string
	staleAfter time.Duration

	cron *cron.Cron
}

func New(store *db.Store, l *ledger.Ledger, schedule string, staleAfter time.Duration) *Sweeper {
	if schedule == "" {
		schedule = "@every 10m"
	}
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	return &Sweeper{
		store:      store,
		ledger:     l,
		schedule:   schedule,
		staleAfter: staleAfter,
	}
}

func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	refilled, err := s.store.ResetElapsedWindows(ctx, s.ledger.WindowDurations())
	if err != nil {
		logx.Errorf("sweep: window refill failed: %v", err)
	} else if refilled > 0 {
		logx.Infof("sweep: refilled %d budget windows", refilled)
	}

	cleared, err := s.store.ClearStaleActiveStreams(ctx, s.staleAfter)
	if err != nil {
		logx.Errorf("sweep: stale stream cleanup failed: %v", err)
	} else if cleared > 0 {
		logx.Infof("sweep: cleared %d stale stream markers", cleared)
	}
}
