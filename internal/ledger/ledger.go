package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/sync/errgroup"

	"github.com/relaylabs/relay/internal/db"
	"github.com/relaylabs/relay/internal/types"
)

// Window identifies one of the two independent quota windows.
type Window string

const (
	WindowSession Window = "session"
	WindowWeekly  Window = "weekly"
)

// failOpenLimit is the synthetic balance reported when the backing store is
// unreachable. Availability over strictness: an outage must not block all
// traffic.
const failOpenLimit int64 = 1_000_000_000

// Config holds ledger tunables.
type Config struct {
	PointsPerDollar int
	SessionDuration time.Duration
	WeeklyDuration  time.Duration
}

// Ledger tracks per-user consumable quota across the session and weekly
// windows. All mutations are single atomic statements against the store; no
// pessimistic locks.
type Ledger struct {
	store *db.Store
	ent   *Entitlements
	cfg   Config
}

func New(store *db.Store, ent *Entitlements, cfg Config) *Ledger {
	if cfg.PointsPerDollar <= 0 {
		cfg.PointsPerDollar = 100
	}
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = 5 * time.Hour
	}
	if cfg.WeeklyDuration <= 0 {
		cfg.WeeklyDuration = 7 * 24 * time.Hour
	}
	return &Ledger{store: store, ent: ent, cfg: cfg}
}

// CostPoints converts a token count into ledger points:
// ceil(tokens / 1M * pricePerMillion * pointsPerDollar), with a floor of one
// point for any positive token count.
func CostPoints(tokens int64, pricePerMillion float64, pointsPerDollar int) int64 {
	if tokens <= 0 {
		return 0
	}
	cost := int64(math.Ceil(float64(tokens) / 1_000_000 * pricePerMillion * float64(pointsPerDollar)))
	if cost < 1 {
		cost = 1
	}
	return cost
}

// Cost prices a token count for a model under this ledger's point scale.
func (l *Ledger) Cost(tokens int64, model string) int64 {
	return CostPoints(tokens, PricePerMillion(model), l.cfg.PointsPerDollar)
}

func (l *Ledger) windowDuration(w Window) time.Duration {
	if w == WindowSession {
		return l.cfg.SessionDuration
	}
	return l.cfg.WeeklyDuration
}

// WindowDurations maps window names to durations, for the maintenance sweep.
func (l *Ledger) WindowDurations() map[string]time.Duration {
	return map[string]time.Duration{
		string(WindowSession): l.cfg.SessionDuration,
		string(WindowWeekly):  l.cfg.WeeklyDuration,
	}
}

// Peek returns the remaining balance and reset time for one window without
// deducting anything. Store failures fail open with a synthetic high limit.
func (l *Ledger) Peek(ctx context.Context, user User, window Window) (types.WindowStatus, error) {
	capacity := l.ent.Capacity(ctx, user, window)
	resetAt := time.Now().Add(l.windowDuration(window))

	if err := l.store.EnsureWindow(ctx, user.ID, string(window), capacity, resetAt); err != nil {
		logx.WithContext(ctx).Errorf("ledger: ensure window failed, failing open: %v", err)
		return l.failOpen(window), nil
	}
	balance, cap_, reset, err := l.store.GetWindow(ctx, user.ID, string(window))
	if err != nil {
		logx.WithContext(ctx).Errorf("ledger: peek failed, failing open: %v", err)
		return l.failOpen(window), nil
	}
	return types.WindowStatus{
		Window:    string(window),
		Remaining: balance,
		Capacity:  cap_,
		ResetAt:   reset.Unix(),
	}, nil
}

func (l *Ledger) failOpen(window Window) types.WindowStatus {
	return types.WindowStatus{
		Window:    string(window),
		Remaining: failOpenLimit,
		Capacity:  failOpenLimit,
		ResetAt:   time.Now().Add(l.windowDuration(window)).Unix(),
	}
}

// Admit gates a request: tier check, zero-cost peek on both windows, then
// atomic deduction from both. The peeks run before any deduction so a request
// that would exceed either window deducts from neither.
func (l *Ledger) Admit(ctx context.Context, user User, mode types.Mode, estTokens int64, model string) (*Deduction, error) {
	if user.Tier == TierFree && mode == types.ModeAgent {
		return nil, &ForbiddenError{Tier: user.Tier, Mode: string(mode), Required: TierPro}
	}

	cost := l.Cost(estTokens, model)
	if cost == 0 {
		return &Deduction{ledger: l, user: user}, nil
	}

	session, err := l.Peek(ctx, user, WindowSession)
	if err != nil {
		return nil, err
	}
	weekly, err := l.Peek(ctx, user, WindowWeekly)
	if err != nil {
		return nil, err
	}
	if session.Remaining < cost {
		return nil, &RateLimitError{Window: WindowSession, ResetAt: time.Unix(session.ResetAt, 0)}
	}
	if weekly.Remaining < cost {
		return nil, &RateLimitError{Window: WindowWeekly, ResetAt: time.Unix(weekly.ResetAt, 0)}
	}

	// Both deductions are issued concurrently; both must be confirmed before
	// the caller proceeds. A failed half is compensated so the windows never
	// diverge.
	deducted := make(map[Window]int64, 2)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range []Window{WindowSession, WindowWeekly} {
		w := w
		g.Go(func() error {
			remaining, ok, err := l.store.DeductIfAvailable(gctx, user.ID, string(w), cost)
			if err != nil {
				return &UnavailableError{Err: err}
			}
			if !ok {
				reset := time.Unix(session.ResetAt, 0)
				if w == WindowWeekly {
					reset = time.Unix(weekly.ResetAt, 0)
				}
				return &RateLimitError{Window: w, ResetAt: reset}
			}
			mu.Lock()
			deducted[w] = cost
			mu.Unlock()
			if w == WindowSession && remaining*10 < session.Capacity {
				logx.WithContext(ctx).Infof("ledger: user %s session window low: %d/%d", user.ID, remaining, session.Capacity)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for w, amount := range deducted {
			if cerr := l.store.Credit(ctx, user.ID, string(w), amount); cerr != nil {
				logx.WithContext(ctx).Errorf("ledger: compensation credit failed for %s/%s: %v", user.ID, w, cerr)
			}
		}
		return nil, err
	}

	return &Deduction{ledger: l, user: user, perWindow: deducted, estTokens: estTokens, model: model}, nil
}

// Deduction records exactly what was deducted for one request so refunds and
// settlement stay idempotent across retries and multiple exit paths.
type Deduction struct {
	ledger    *Ledger
	user      User
	perWindow map[Window]int64
	estTokens int64
	model     string

	mu       sync.Mutex
	refunded bool
	settled  bool
}

// Points returns the pre-deducted point total per window (both windows carry
// the same amount).
func (d *Deduction) Points() int64 {
	for _, v := range d.perWindow {
		return v
	}
	return 0
}

// Refund restores the pre-deducted points. Safe to call more than once;
// only the first call credits anything.
func (d *Deduction) Refund(ctx context.Context) error {
	d.mu.Lock()
	if d.refunded || d.settled {
		d.mu.Unlock()
		return nil
	}
	d.refunded = true
	d.mu.Unlock()

	for w, amount := range d.perWindow {
		if amount == 0 {
			continue
		}
		if err := d.ledger.store.Credit(ctx, d.user.ID, string(w), amount); err != nil {
			return fmt.Errorf("ledger refund: %w", err)
		}
	}
	return nil
}

// Settle reconciles the optimistic deduction against actual token usage:
// extra usage is deducted (clamped at zero), overestimates are credited back.
// Runs at most once regardless of how many exit paths reach it.
func (d *Deduction) Settle(ctx context.Context, actualTokens int64) error {
	d.mu.Lock()
	if d.settled || d.refunded {
		d.mu.Unlock()
		return nil
	}
	d.settled = true
	d.mu.Unlock()

	actualCost := d.ledger.Cost(actualTokens, d.model)
	delta := actualCost - d.Points()
	if delta == 0 {
		return nil
	}

	for _, w := range []Window{WindowSession, WindowWeekly} {
		var err error
		if delta > 0 {
			err = d.ledger.store.DeductClamped(ctx, d.user.ID, string(w), delta)
		} else {
			err = d.ledger.store.Credit(ctx, d.user.ID, string(w), -delta)
		}
		if err != nil {
			return fmt.Errorf("ledger settle: %w", err)
		}
	}
	return nil
}
