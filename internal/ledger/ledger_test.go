package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rewards-miniapp/internal/config"
	"rewards-miniapp/internal/models"
	"rewards-miniapp/internal/notify"
	"rewards-miniapp/internal/outbox"
	"rewards-miniapp/internal/settings"
	"rewards-miniapp/internal/state"
	"rewards-miniapp/internal/store"
)

const uid = "u1"

type fakeAds struct {
	mu      sync.Mutex
	watched bool
	showErr error
	panics  bool
	loads   []Targeting
}

func (f *fakeAds) Load(_ context.Context, t Targeting) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("ad sdk crashed")
	}
	f.loads = append(f.loads, t)
	return nil
}

func (f *fakeAds) Show(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watched, f.showErr
}

type fakeSettlement struct {
	mu    sync.Mutex
	calls []referralPayload
}

func (f *fakeSettlement) Invoke(_ context.Context, name string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == settlementReferral {
		f.calls = append(f.calls, payload.(referralPayload))
	}
	return nil
}

// countingLimiter allows limit calls per user and action.
type countingLimiter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingLimiter) CheckRateLimit(_ context.Context, userID, action string, limit int, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[userID+":"+action]++
	return c.calls[userID+":"+action] <= limit, nil
}

func (c *countingLimiter) count(userID, action string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[userID+":"+action]
}

type notes struct {
	mu  sync.Mutex
	all []notify.Notification
}

func (n *notes) Notify(x notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.all = append(n.all, x)
}

func (n *notes) last() notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.all[len(n.all)-1]
}

func (n *notes) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.all)
}

type env struct {
	store      *store.MemoryStore
	state      *state.Aggregator
	ledger     *Ledger
	ads        *fakeAds
	notes      *notes
	settlement *fakeSettlement
	now        time.Time
}

func newEnv(t *testing.T, profile map[string]any, mutate ...func(*Deps)) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{
		store:      store.NewMemoryStore(),
		ads:        &fakeAds{watched: true},
		notes:      &notes{},
		settlement: &fakeSettlement{},
		now:        time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
	}
	if len(profile) > 0 {
		require.NoError(t, e.store.WriteMerge(ctx, store.UserPath(uid), profile))
	}

	sa := settings.New(e.store, config.BuiltinDefaults().AppSettings(), nil, nil)
	require.NoError(t, sa.Start(ctx))
	t.Cleanup(func() { sa.Stop() })

	e.state = state.New(e.store, sa, 50, nil, nil)
	require.NoError(t, e.state.Start(ctx, uid))
	t.Cleanup(func() { e.state.Stop() })

	deps := Deps{
		Store:      e.store,
		State:      e.state,
		Settings:   sa,
		Ads:        e.ads,
		Notifier:   e.notes,
		Settlement: e.settlement,
		Timeout:    time.Second,
		Now:        func() time.Time { return e.now },
	}
	for _, m := range mutate {
		m(&deps)
	}
	e.ledger = New(deps)

	if balance, ok := profile["balance"]; ok {
		e.waitState(t, func(st models.UserState) bool { return st.Balance == toFloat(balance) })
	}
	return e
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func (e *env) waitState(t *testing.T, cond func(models.UserState) bool) models.UserState {
	t.Helper()
	var st models.UserState
	require.Eventually(t, func() bool {
		st = e.state.Current()
		return cond(st)
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func (e *env) profile(t *testing.T) map[string]any {
	t.Helper()
	snap, err := e.store.GetDocument(context.Background(), store.UserPath(uid))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(snap.Data, &doc))
	return doc
}

func sumAmounts(txs []models.Transaction) float64 {
	var sum float64
	for _, tx := range txs {
		sum += tx.Amount
	}
	return sum
}

func TestHappyPathTransactionsSumToBalance(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, map[string]any{
		"missions.watch_ads.title":  "Watch 3 ads",
		"missions.watch_ads.target": 3,
		"missions.watch_ads.reward": 20,
	})
	e.waitState(t, func(st models.UserState) bool { return len(st.Missions) == 1 })

	for i := 1; i <= 3; i++ {
		rc, err := e.ledger.CompleteAd(ctx)
		require.NoError(t, err)
		require.Equal(t, 5.0, rc.Amount)
		e.waitState(t, func(st models.UserState) bool { return len(st.Transactions) == i })
	}
	st := e.waitState(t, func(st models.UserState) bool { return st.Balance == 15 })
	mission, _ := st.Mission(models.MissionWatchAds)
	require.True(t, mission.Completed)

	_, err := e.ledger.ClaimMission(ctx, models.MissionWatchAds)
	require.NoError(t, err)
	e.waitState(t, func(st models.UserState) bool { return st.Balance == 35 })

	_, err = e.ledger.Stake(ctx, 10)
	require.NoError(t, err)
	e.waitState(t, func(st models.UserState) bool { return st.Staked == 10 })

	_, err = e.ledger.Unstake(ctx, 4)
	require.NoError(t, err)
	e.waitState(t, func(st models.UserState) bool { return st.Staked == 6 })

	_, err = e.ledger.RegisterTicket(ctx, []int{1, 2, 3, 4, 5, 6}, "https://img/1.png")
	require.NoError(t, err)
	_, err = e.ledger.SubmitPrediction(ctx, PredictionRequest{Coin: models.CoinBitcoin, Range: "up", BetAmount: 3})
	require.NoError(t, err)

	st = e.waitState(t, func(st models.UserState) bool {
		return len(st.Transactions) == 8 && len(st.Tickets) == 1 && len(st.Predictions) == 1
	})
	require.Equal(t, st.Balance, sumAmounts(st.Transactions))
	require.Equal(t, 35.0-10+4-5-3, st.Balance)
	require.Equal(t, 15.0, st.TodayEarnings)

	mission, _ = st.Mission(models.MissionWatchAds)
	require.True(t, mission.Claimed)
	require.Equal(t, models.TicketStatusRegistered, st.Tickets[0].Status)
	require.True(t, st.Tickets[0].DrawDate.Equal(time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)))

	require.Equal(t, 8, e.notes.count())
	require.Equal(t, notify.SeveritySuccess, e.notes.last().Severity)
}

func TestGuardedWritesPreventDoubleSpend(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, map[string]any{"balance": 5})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.ledger.RegisterTicket(ctx, []int{1, 2, 3, 4, 5, 6}, "")
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientBalance):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, rejected)
	require.Equal(t, 0.0, e.profile(t)["balance"])

	e.waitState(t, func(st models.UserState) bool {
		return len(st.Tickets) == 1 && len(st.Transactions) == 1 && st.Balance == 0
	})
}

func TestPredictionIsUniquePerCoinPerDay(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, map[string]any{"balance": 100})

	_, err := e.ledger.SubmitPrediction(ctx, PredictionRequest{Coin: models.CoinBitcoin, Range: "up", BetAmount: 10})
	require.NoError(t, err)

	// Caught by the in-process record even before the projection updates.
	_, err = e.ledger.SubmitPrediction(ctx, PredictionRequest{Coin: models.CoinBitcoin, Range: "down", BetAmount: 10})
	require.ErrorIs(t, err, ErrAlreadyPredicted)

	_, err = e.ledger.SubmitPrediction(ctx, PredictionRequest{Coin: models.CoinEthereum, Range: "up", BetAmount: 10})
	require.NoError(t, err)

	// A second process with no memory of the first submission and a stale
	// projection is stopped by the store.
	stale := New(Deps{
		Store:    e.store,
		State:    staticState{models.UserState{UserID: uid, Balance: 100}},
		Settings: staticSettings{config.BuiltinDefaults().AppSettings()},
		Ads:      e.ads,
		Now:      func() time.Time { return e.now },
	})
	_, err = stale.SubmitPrediction(ctx, PredictionRequest{Coin: models.CoinBitcoin, Range: "up", BetAmount: 10})
	require.ErrorIs(t, err, ErrAlreadyPredicted)

	e.now = e.now.Add(24 * time.Hour)
	_, err = e.ledger.SubmitPrediction(ctx, PredictionRequest{Coin: models.CoinBitcoin, Range: "up", BetAmount: 10})
	require.NoError(t, err)

	st := e.waitState(t, func(st models.UserState) bool {
		return len(st.Predictions) == 3 && len(st.Transactions) == 3 && st.Balance == 70
	})
	require.Equal(t, st.Balance-100, sumAmounts(st.Transactions))
}

type staticState struct{ s models.UserState }

func (s staticState) Current() models.UserState { return s.s }

type staticSettings struct{ s models.AppSettings }

func (s staticSettings) Current() models.AppSettings { return s.s }

func TestAdRewardAtGoldTier(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, map[string]any{"balance": 0, "staked": 5000})
	e.waitState(t, func(st models.UserState) bool { return st.Staked == 5000 })

	rc, err := e.ledger.CompleteAd(ctx)
	require.NoError(t, err)
	require.Equal(t, 7.5, rc.Amount)
	require.Equal(t, "Gold", e.ads.loads[0].TierLabel)

	st := e.waitState(t, func(st models.UserState) bool { return len(st.Transactions) == 1 && st.Balance == 7.5 })
	require.Equal(t, models.TransactionTypeAdReward, st.Transactions[0].Type)
	require.Contains(t, st.Transactions[0].Description, "1.5x")
}

func TestTicketBelowCostWritesNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, map[string]any{"balance": 3})
	before := e.store.Commits()

	_, err := e.ledger.RegisterTicket(ctx, []int{1, 2, 3, 4, 5, 6}, "")
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Contains(t, err.Error(), "insufficient balance")
	require.Equal(t, before, e.store.Commits())

	n := e.notes.last()
	require.Equal(t, notify.SeverityError, n.Severity)
	require.Equal(t, "Insufficient balance", n.Message)
}

func TestValidationErrors(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, map[string]any{
		"balance":                 50,
		"staked":                  5,
		"missions.open.target":    5,
		"missions.open.progress":  1,
		"missions.done.completed": true,
		"missions.done.claimed":   true,
	})
	e.waitState(t, func(st models.UserState) bool { return len(st.Missions) == 2 && st.Staked == 5 })
	before := e.store.Commits()

	_, err := e.ledger.Stake(ctx, 0)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = e.ledger.Stake(ctx, 51)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	_, err = e.ledger.Unstake(ctx, 6)
	require.ErrorIs(t, err, ErrInsufficientStake)
	_, err = e.ledger.RegisterTicket(ctx, []int{1, 2, 3, 4, 5, 5}, "")
	require.ErrorIs(t, err, ErrInvalidTicket)
	_, err = e.ledger.RegisterTicket(ctx, []int{1, 2, 3}, "")
	require.ErrorIs(t, err, ErrInvalidTicket)
	_, err = e.ledger.SubmitPrediction(ctx, PredictionRequest{Coin: "dogecoin", BetAmount: 1})
	require.ErrorIs(t, err, ErrInvalidCoin)
	_, err = e.ledger.SubmitPrediction(ctx, PredictionRequest{Coin: models.CoinBitcoin, BetAmount: 51})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	_, err = e.ledger.ClaimMission(ctx, "missing")
	require.ErrorIs(t, err, ErrMissionNotFound)
	_, err = e.ledger.ClaimMission(ctx, "open")
	require.ErrorIs(t, err, ErrMissionNotCompleted)
	_, err = e.ledger.ClaimMission(ctx, "done")
	require.ErrorIs(t, err, ErrMissionAlreadyClaimed)

	require.Equal(t, before, e.store.Commits())
	require.Equal(t, 10, e.notes.count())
}

func TestNotSignedIn(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	require.NoError(t, e.state.Stop())

	_, err := e.ledger.CompleteAd(ctx)
	require.ErrorIs(t, err, ErrNotSignedIn)
	_, err = e.ledger.Stake(ctx, 1)
	require.ErrorIs(t, err, ErrNotSignedIn)
	require.Empty(t, e.ads.loads)
}

func TestAdNotWatchedWritesNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.ads.watched = false

	_, err := e.ledger.CompleteAd(ctx)
	require.ErrorIs(t, err, ErrAdNotCompleted)

	e.ads.showErr = errors.New("no fill")
	_, err = e.ledger.CompleteAd(ctx)
	require.ErrorIs(t, err, ErrAdNotCompleted)
	require.Zero(t, e.store.Commits())
}

func TestPanickingCollaboratorIsReported(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.ads.panics = true

	require.NotPanics(t, func() {
		_, err := e.ledger.CompleteAd(ctx)
		require.ErrorIs(t, err, ErrInternal)
	})
	require.Equal(t, notify.SeverityError, e.notes.last().Severity)
	require.Zero(t, e.store.Commits())
}

func TestReferralSettlementOnAdReward(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, map[string]any{"balance": 0, "referredBy": "ref1"})
	e.waitState(t, func(st models.UserState) bool { return st.ReferredBy == "ref1" })

	_, err := e.ledger.CompleteAd(ctx)
	require.NoError(t, err)

	require.Len(t, e.settlement.calls, 1)
	call := e.settlement.calls[0]
	require.Equal(t, "ref1", call.ReferrerID)
	require.Equal(t, 0.5, call.Direct)
	require.Equal(t, 0.25, call.Indirect)
}

func TestAdRateLimit(t *testing.T) {
	ctx := context.Background()
	limiter := &countingLimiter{}
	e := newEnv(t, nil, func(d *Deps) {
		d.Limiter = limiter
		d.AdRateLimit = 1
	})

	_, err := e.ledger.CompleteAd(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, e.store.Commits())

	_, err = e.ledger.CompleteAd(ctx)
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, 1, e.store.Commits())
	require.Equal(t, notify.SeverityError, e.notes.last().Severity)
}

func TestSkippedAdDoesNotUseQuota(t *testing.T) {
	ctx := context.Background()
	limiter := &countingLimiter{}
	e := newEnv(t, nil, func(d *Deps) {
		d.Limiter = limiter
		d.AdRateLimit = 1
	})

	e.ads.watched = false
	_, err := e.ledger.CompleteAd(ctx)
	require.ErrorIs(t, err, ErrAdNotCompleted)
	require.Zero(t, limiter.count(uid, "ad"))

	e.ads.watched = true
	_, err = e.ledger.CompleteAd(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, limiter.count(uid, "ad"))
}

func TestTransportFailureIsQueuedAndReplayed(t *testing.T) {
	ctx := context.Background()
	box, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { box.Close() })

	e := newEnv(t, map[string]any{"balance": 20}, func(d *Deps) { d.Outbox = box })
	e.store.SetCommitHook(func(store.Batch) error { return context.DeadlineExceeded })

	rc, err := e.ledger.Stake(ctx, 5)
	require.NoError(t, err)
	require.True(t, rc.Queued)
	require.Equal(t, notify.SeverityWarning, e.notes.last().Severity)

	pending, err := box.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, rc.Key, pending[0].Batch.Key)
	require.Equal(t, uid, pending[0].UserID)

	e.store.SetCommitHook(nil)
	res, err := outbox.NewReplayer(box, e.store, e.notes, time.Second, nil, nil).Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Applied)

	st := e.waitState(t, func(st models.UserState) bool { return st.Staked == 5 })
	require.Equal(t, 15.0, st.Balance)
}

func TestTransportFailureWithoutOutbox(t *testing.T) {
	e := newEnv(t, map[string]any{"balance": 20})
	e.store.SetCommitHook(func(store.Batch) error { return errors.New("connection reset") })

	_, err := e.ledger.Stake(context.Background(), 5)
	require.ErrorIs(t, err, ErrTransport)
	require.False(t, IsValidation(err))
}

// hangingCommitter never answers; only the caller's deadline ends a commit.
type hangingCommitter struct{}

func (hangingCommitter) Commit(ctx context.Context, _ store.Batch) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCommitTimeoutIsQueued(t *testing.T) {
	box, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { box.Close() })

	e := newEnv(t, map[string]any{"balance": 20}, func(d *Deps) {
		d.Store = hangingCommitter{}
		d.Outbox = box
		d.Timeout = 50 * time.Millisecond
	})

	start := time.Now()
	rc, err := e.ledger.Stake(context.Background(), 5)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.True(t, rc.Queued)
	require.Less(t, elapsed, time.Second)
	require.Equal(t, notify.SeverityWarning, e.notes.last().Severity)

	n, err := box.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
