package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaylabs/relay/internal/db"
	"github.com/relaylabs/relay/internal/types"
)

func newTestLedger(t *testing.T) (*Ledger, *db.Store) {
	t.Helper()
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ent := NewEntitlements("", 100)
	l := New(store, ent, Config{
		PointsPerDollar: 100,
		SessionDuration: 5 * time.Hour,
		WeeklyDuration:  7 * 24 * time.Hour,
	})
	return l, store
}

func proUser(id string) User {
	return User{ID: id, Tier: TierPro}
}

func TestCostPoints(t *testing.T) {
	assert.Equal(t, int64(0), CostPoints(0, 9.0, 100))
	assert.Equal(t, int64(0), CostPoints(-5, 9.0, 100))
	// Any positive token count costs at least one point.
	assert.Equal(t, int64(1), CostPoints(1, 9.0, 100))
	// 100k tokens at $9/M and 100 points/$ = ceil(0.1 * 900) = 90.
	assert.Equal(t, int64(90), CostPoints(100_000, 9.0, 100))
	// Ceil, not round.
	assert.Equal(t, int64(2), CostPoints(1_200, 9.0, 100))
}

func TestAdmitFreeTierAgentForbidden(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	user := User{ID: "u-free", Tier: TierFree}

	_, err := l.Admit(ctx, user, types.ModeAgent, 10_000, "claude-sonnet-4-5")
	var forbidden *ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, TierPro, forbidden.Required)

	// No budget touched: no window rows were even created.
	_, _, _, err = store.GetWindow(ctx, user.ID, string(WindowSession))
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestAdmitDeductsBothWindows(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	user := proUser("u-1")

	ded, err := l.Admit(ctx, user, types.ModeAsk, 100_000, "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, int64(90), ded.Points())

	session, err := l.Peek(ctx, user, WindowSession)
	require.NoError(t, err)
	weekly, err := l.Peek(ctx, user, WindowWeekly)
	require.NoError(t, err)
	assert.Equal(t, session.Capacity-90, session.Remaining)
	assert.Equal(t, weekly.Capacity-90, weekly.Remaining)
}

func TestTwoWindowConsistency(t *testing.T) {
	// A deduction that exceeds the session window but not the weekly window
	// must deduct from neither.
	l, store := newTestLedger(t)
	ctx := context.Background()
	user := proUser("u-2")

	// Prime both windows, then drain the session window almost dry.
	_, err := l.Peek(ctx, user, WindowSession)
	require.NoError(t, err)
	_, err = l.Peek(ctx, user, WindowWeekly)
	require.NoError(t, err)

	sessionCap := l.ent.Capacity(ctx, user, WindowSession)
	_, ok, err := store.DeductIfAvailable(ctx, user.ID, string(WindowSession), sessionCap-10)
	require.NoError(t, err)
	require.True(t, ok)

	weeklyBefore, err := l.Peek(ctx, user, WindowWeekly)
	require.NoError(t, err)

	_, err = l.Admit(ctx, user, types.ModeAsk, 100_000, "claude-sonnet-4-5")
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, WindowSession, rl.Window)
	assert.NotEmpty(t, rl.ResetEstimate())

	weeklyAfter, err := l.Peek(ctx, user, WindowWeekly)
	require.NoError(t, err)
	assert.Equal(t, weeklyBefore.Remaining, weeklyAfter.Remaining, "weekly window must be untouched")
}

func TestRefundIdempotence(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	user := proUser("u-3")

	before, err := l.Peek(ctx, user, WindowSession)
	require.NoError(t, err)

	ded, err := l.Admit(ctx, user, types.ModeAsk, 100_000, "claude-sonnet-4-5")
	require.NoError(t, err)

	require.NoError(t, ded.Refund(ctx))
	require.NoError(t, ded.Refund(ctx))

	after, err := l.Peek(ctx, user, WindowSession)
	require.NoError(t, err)
	assert.Equal(t, before.Remaining, after.Remaining, "double refund must restore the balance exactly once")
}

func TestSettleReconcilesActualUsage(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	user := proUser("u-4")

	ded, err := l.Admit(ctx, user, types.ModeAsk, 100_000, "claude-sonnet-4-5")
	require.NoError(t, err)

	// Actual usage was double the estimate: the delta is deducted.
	require.NoError(t, ded.Settle(ctx, 200_000))
	session, err := l.Peek(ctx, user, WindowSession)
	require.NoError(t, err)
	assert.Equal(t, session.Capacity-180, session.Remaining)

	// Second settle is a no-op.
	require.NoError(t, ded.Settle(ctx, 400_000))
	again, err := l.Peek(ctx, user, WindowSession)
	require.NoError(t, err)
	assert.Equal(t, session.Remaining, again.Remaining)
}

func TestSettleCreditsOverestimate(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	user := proUser("u-5")

	ded, err := l.Admit(ctx, user, types.ModeAsk, 100_000, "claude-sonnet-4-5")
	require.NoError(t, err)

	require.NoError(t, ded.Settle(ctx, 50_000))
	session, err := l.Peek(ctx, user, WindowSession)
	require.NoError(t, err)
	assert.Equal(t, session.Capacity-45, session.Remaining)
}

func TestConcurrentDeductionsNeverOverdraw(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	user := proUser("u-6")

	start, err := l.Peek(ctx, user, WindowSession)
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var granted int64

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ded, err := l.Admit(ctx, user, types.ModeAsk, 100_000, "claude-sonnet-4-5")
			if err != nil {
				return
			}
			mu.Lock()
			granted += ded.Points()
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, granted, start.Remaining,
		"sum of successful deductions must not exceed the starting balance")

	end, err := l.Peek(ctx, user, WindowSession)
	require.NoError(t, err)
	assert.Equal(t, start.Remaining-granted, end.Remaining)
}
