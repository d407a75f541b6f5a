package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/zeromicro/go-zero/core/logx"
)

// Subscription tiers.
const (
	TierFree = "free"
	TierPro  = "pro"
	TierMax  = "max"
)

// User is the admitted identity: id, tier, and optional billing linkage.
type User struct {
	ID               string
	Tier             string
	StripeCustomerID string
}

// Baseline weekly point capacity per tier, used when no billing linkage is
// available. Session capacity is a fixed fraction of weekly.
var tierWeeklyPoints = map[string]int64{
	TierFree: 200,
	TierPro:  3000,
	TierMax:  15000,
}

const sessionShare = 5 // session window = weekly / sessionShare

type cachedCapacity struct {
	weekly    int64
	fetchedAt time.Time
}

// Entitlements resolves a user's point budget. Paid tiers with a Stripe
// customer get a budget proportional to their subscription price; everyone
// else falls back to the tier table.
type Entitlements struct {
	sc              *client.API
	pointsPerDollar int

	mu    sync.Mutex
	cache map[string]cachedCapacity
}

const capacityCacheTTL = time.Hour

// NewEntitlements creates a resolver. apiKey may be empty, in which case only
// the static tier table is used.
func NewEntitlements(apiKey string, pointsPerDollar int) *Entitlements {
	e := &Entitlements{
		pointsPerDollar: pointsPerDollar,
		cache:           make(map[string]cachedCapacity),
	}
	if apiKey != "" {
		sc := &client.API{}
		sc.Init(apiKey, nil)
		e.sc = sc
	}
	return e
}

// Capacity returns the point capacity for a user and window.
func (e *Entitlements) Capacity(ctx context.Context, user User, window Window) int64 {
	weekly := e.weeklyCapacity(ctx, user)
	if window == WindowWeekly {
		return weekly
	}
	session := weekly / sessionShare
	if session < 1 && weekly > 0 {
		session = 1
	}
	return session
}

func (e *Entitlements) weeklyCapacity(ctx context.Context, user User) int64 {
	if user.Tier == TierFree || user.StripeCustomerID == "" || e.sc == nil {
		return tierWeeklyPoints[normalizeTier(user.Tier)]
	}

	e.mu.Lock()
	if c, ok := e.cache[user.StripeCustomerID]; ok && time.Since(c.fetchedAt) < capacityCacheTTL {
		e.mu.Unlock()
		return c.weekly
	}
	e.mu.Unlock()

	weekly := e.fetchWeeklyFromStripe(ctx, user)
	if weekly <= 0 {
		weekly = tierWeeklyPoints[normalizeTier(user.Tier)]
	}

	e.mu.Lock()
	e.cache[user.StripeCustomerID] = cachedCapacity{weekly: weekly, fetchedAt: time.Now()}
	e.mu.Unlock()
	return weekly
}

// fetchWeeklyFromStripe derives weekly points from the active subscription's
// unit price: dollars/month * pointsPerDollar, spread over ~4 weeks.
func (e *Entitlements) fetchWeeklyFromStripe(ctx context.Context, user User) int64 {
	params := &stripe.SubscriptionListParams{
		Customer: user.StripeCustomerID,
		Status:   string(stripe.SubscriptionStatusActive),
	}
	params.Limit = stripe.Int64(1)

	iter := e.sc.Subscriptions.List(params)
	for iter.Next() {
		sub := iter.Subscription()
		if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
			continue
		}
		cents := sub.Items.Data[0].Price.UnitAmount
		if cents <= 0 {
			continue
		}
		monthlyPoints := cents * int64(e.pointsPerDollar) / 100
		return monthlyPoints / 4
	}
	if err := iter.Err(); err != nil {
		logx.WithContext(ctx).Errorf("entitlements: stripe lookup failed for %s: %v", user.StripeCustomerID, err)
	}
	return 0
}

func normalizeTier(tier string) string {
	if _, ok := tierWeeklyPoints[tier]; ok {
		return tier
	}
	return TierFree
}
