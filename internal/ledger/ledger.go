// Package ledger implements the reward actions that move points: ad rewards,
// staking, lottery tickets, price predictions and mission claims. Every
// action is validated against the live projection and written as a single
// idempotent store batch.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"rewards-miniapp/internal/metrics"
	"rewards-miniapp/internal/models"
	"rewards-miniapp/internal/notify"
	"rewards-miniapp/internal/outbox"
	"rewards-miniapp/internal/store"
)

const (
	opCompleteAd       = "complete_ad"
	opStake            = "stake"
	opUnstake          = "unstake"
	opRegisterTicket   = "register_ticket"
	opSubmitPrediction = "submit_prediction"
	opClaimMission     = "claim_mission"

	settlementReferral = "distributeReferralReward"
)

type StateReader interface {
	Current() models.UserState
}

type SettingsReader interface {
	Current() models.AppSettings
}

// Targeting is passed to the ad network when an ad is loaded.
type Targeting struct {
	UserID     string
	TierLabel  string
	Multiplier float64
}

type AdPlayer interface {
	Load(ctx context.Context, t Targeting) error
	// Show reports whether the ad was watched to completion.
	Show(ctx context.Context) (bool, error)
}

type Settlement interface {
	Invoke(ctx context.Context, name string, payload any) error
}

type RateLimiter interface {
	CheckRateLimit(ctx context.Context, userID, action string, limit int, window time.Duration) (bool, error)
}

type Outbox interface {
	Enqueue(e outbox.Entry) error
}

type Deps struct {
	Store      store.Committer
	State      StateReader
	Settings   SettingsReader
	Ads        AdPlayer
	Notifier   notify.Notifier
	Outbox     Outbox
	Settlement Settlement
	Limiter    RateLimiter
	Metrics    *metrics.LedgerMetrics
	Logger     *slog.Logger

	Timeout      time.Duration
	Location     *time.Location
	AdRateLimit  int
	AdRateWindow time.Duration
	Now          func() time.Time
}

// Receipt describes an accepted command. Queued is set when the store could
// not confirm the write and the command waits in the outbox.
type Receipt struct {
	Key     string  `json:"key"`
	Op      string  `json:"op"`
	Amount  float64 `json:"amount"`
	Message string  `json:"message"`
	Queued  bool    `json:"queued"`
}

type Ledger struct {
	store      store.Committer
	state      StateReader
	settings   SettingsReader
	ads        AdPlayer
	notifier   notify.Notifier
	outbox     Outbox
	settlement Settlement
	limiter    RateLimiter
	metrics    *metrics.LedgerMetrics
	logger     *slog.Logger

	timeout      time.Duration
	loc          *time.Location
	adRateLimit  int
	adRateWindow time.Duration
	now          func() time.Time

	mu sync.Mutex
	// submitted holds predictions accepted by this process that the
	// projection may not show yet, keyed by user and prediction id.
	submitted map[string]string
}

func New(d Deps) *Ledger {
	l := &Ledger{
		store:        d.Store,
		state:        d.State,
		settings:     d.Settings,
		ads:          d.Ads,
		notifier:     d.Notifier,
		outbox:       d.Outbox,
		settlement:   d.Settlement,
		limiter:      d.Limiter,
		metrics:      d.Metrics,
		logger:       d.Logger,
		timeout:      d.Timeout,
		loc:          d.Location,
		adRateLimit:  d.AdRateLimit,
		adRateWindow: d.AdRateWindow,
		now:          d.Now,
		submitted:    make(map[string]string),
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "ledger")
	if l.timeout <= 0 {
		l.timeout = 10 * time.Second
	}
	if l.loc == nil {
		l.loc = time.UTC
	}
	if l.adRateWindow <= 0 {
		l.adRateWindow = time.Minute
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// command is one fully built ledger write.
type command struct {
	op      string
	uid     string
	amount  float64
	batch   store.Batch
	message string

	// Store rejections are reported with these errors.
	guardErr    error
	conflictErr error

	// accepted runs when the command is applied or queued.
	accepted func()
	// applied runs after a confirmed commit; failures are only logged.
	applied func(ctx context.Context)
}

// run builds and executes one command. It never panics: a panic in build or
// in a collaborator is reported as ErrInternal.
func (l *Ledger) run(ctx context.Context, op string, build func(context.Context) (command, error)) (rc Receipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("ledger operation panicked", "op", op, "panic", r, "stack", string(debug.Stack()))
			rc, err = Receipt{}, fmt.Errorf("%w: %v", ErrInternal, r)
		}
		l.report(op, rc, err)
	}()

	cmd, err := build(ctx)
	if err != nil {
		return Receipt{}, err
	}
	return l.execute(ctx, cmd)
}

func (l *Ledger) execute(ctx context.Context, cmd command) (Receipt, error) {
	rc := Receipt{Key: cmd.batch.Key, Op: cmd.op, Amount: cmd.amount, Message: cmd.message}

	commitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	start := time.Now()
	err := l.store.Commit(commitCtx, cmd.batch)
	cancel()
	l.metrics.ObserveCommit(cmd.op, time.Since(start).Seconds())

	switch {
	case err == nil:
		if cmd.accepted != nil {
			cmd.accepted()
		}
		if cmd.applied != nil {
			cmd.applied(ctx)
		}
		return rc, nil
	case errors.Is(err, store.ErrAlreadyApplied):
		if cmd.accepted != nil {
			cmd.accepted()
		}
		return rc, nil
	case errors.Is(err, store.ErrGuardViolation):
		if cmd.guardErr != nil {
			return Receipt{}, cmd.guardErr
		}
		return Receipt{}, fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	case errors.Is(err, store.ErrConflict):
		if cmd.conflictErr != nil {
			return Receipt{}, cmd.conflictErr
		}
		return Receipt{}, err
	case errors.Is(err, store.ErrInvalidBatch):
		return Receipt{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	// The outcome of the write is unknown. Park the batch so it is retried
	// under the same key.
	l.logger.Warn("commit not confirmed", "op", cmd.op, "key", cmd.batch.Key, "error", err)
	if l.outbox == nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	entry := outbox.Entry{
		Batch:   cmd.batch,
		Op:      cmd.op,
		UserID:  cmd.uid,
		Message: cmd.message,
	}
	if qerr := l.outbox.Enqueue(entry); qerr != nil {
		l.logger.Error("outbox enqueue failed", "op", cmd.op, "key", cmd.batch.Key, "error", qerr)
		return Receipt{}, fmt.Errorf("%w: %v", ErrTransport, errors.Join(err, qerr))
	}
	if cmd.accepted != nil {
		cmd.accepted()
	}
	rc.Queued = true
	return rc, nil
}

func (l *Ledger) report(op string, rc Receipt, err error) {
	var (
		outcome string
		n       notify.Notification
	)
	switch {
	case err == nil && rc.Queued:
		outcome = "queued"
		n = notify.Notification{Severity: notify.SeverityWarning, Message: "Connection problem: your action is saved and will be retried"}
	case err == nil:
		outcome = "ok"
		n = notify.Notification{Severity: notify.SeveritySuccess, Message: rc.Message}
	case IsValidation(err):
		outcome = "rejected"
		n = notify.Notification{Severity: notify.SeverityError, Message: userMessage(err)}
	default:
		outcome = "failed"
		n = notify.Notification{Severity: notify.SeverityError, Message: userMessage(err)}
		l.logger.Error("ledger operation failed", "op", op, "error", err)
	}
	l.metrics.ObserveOperation(op, outcome)
	if l.notifier != nil {
		n.Op = op
		l.notifier.Notify(n)
	}
}

// userMessage strips the package prefix and capitalizes the first letter.
func userMessage(err error) string {
	msg := strings.TrimPrefix(err.Error(), "ledger: ")
	if msg == "" {
		return "Something went wrong"
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}

func (l *Ledger) signedIn() (models.UserState, error) {
	st := l.state.Current()
	if !st.SignedIn() {
		return st, ErrNotSignedIn
	}
	return st, nil
}

func (l *Ledger) rememberPrediction(uid, id, day string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, d := range l.submitted {
		if d != day {
			delete(l.submitted, k)
		}
	}
	l.submitted[uid+"/"+id] = day
}

func (l *Ledger) predictedInProcess(uid, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.submitted[uid+"/"+id]
	return ok
}
