// Package state aggregates the live subscriptions of one signed-in user into
// a single UserState projection.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"rewards-miniapp/internal/broadcast"
	"rewards-miniapp/internal/metrics"
	"rewards-miniapp/internal/models"
	"rewards-miniapp/internal/store"
)

const DefaultWindow = 50

var ErrNoUser = errors.New("state: empty user id")

// SettingsSource is the slice of the settings aggregator the projection
// needs to derive tiers and rates.
type SettingsSource interface {
	Current() models.AppSettings
	Watch() (<-chan models.AppSettings, func())
}

type Aggregator struct {
	store    store.Subscriber
	settings SettingsSource
	window   int
	logger   *slog.Logger
	metrics  *metrics.LedgerMetrics

	current atomic.Pointer[models.UserState]
	updates *broadcast.Latest[models.UserState]

	mu  sync.Mutex
	sub *subscription
}

type subscription struct {
	uid            string
	cancel         context.CancelFunc
	profile        *store.Stream[store.DocEvent]
	tickets        *store.Stream[store.QueryEvent]
	transactions   *store.Stream[store.QueryEvent]
	predictions    *store.Stream[store.QueryEvent]
	cancelSettings func()
	done           chan struct{}
}

func New(s store.Subscriber, settings SettingsSource, window int, logger *slog.Logger, m *metrics.LedgerMetrics) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	a := &Aggregator{
		store:    s,
		settings: settings,
		window:   window,
		logger:   logger.With("component", "state"),
		metrics:  m,
		updates:  broadcast.NewLatest(models.EmptyUserState()),
	}
	a.publish(models.EmptyUserState())
	return a
}

// Start opens the profile document subscription and the three collection
// queries for uid. A running subscription set for another user is torn down
// first.
func (a *Aggregator) Start(ctx context.Context, uid string) error {
	if uid == "" {
		return ErrNoUser
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sub != nil {
		if a.sub.uid == uid {
			return nil
		}
		if err := a.stopLocked(); err != nil {
			a.logger.Warn("teardown before rewire failed", "error", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{uid: uid, cancel: cancel, done: make(chan struct{})}

	var err error
	if sub.profile, err = a.store.SubscribeDocument(runCtx, store.UserPath(uid)); err != nil {
		cancel()
		return fmt.Errorf("subscribe profile: %w", err)
	}
	if sub.tickets, err = a.store.SubscribeQuery(runCtx, store.TicketsPath(uid), a.window); err != nil {
		cancel()
		return errors.Join(fmt.Errorf("subscribe tickets: %w", err), sub.closeStreams())
	}
	if sub.transactions, err = a.store.SubscribeQuery(runCtx, store.TransactionsPath(uid), a.window); err != nil {
		cancel()
		return errors.Join(fmt.Errorf("subscribe transactions: %w", err), sub.closeStreams())
	}
	if sub.predictions, err = a.store.SubscribeQuery(runCtx, store.PredictionsPath(uid), a.window); err != nil {
		cancel()
		return errors.Join(fmt.Errorf("subscribe predictions: %w", err), sub.closeStreams())
	}

	var settingsC <-chan models.AppSettings
	settingsC, sub.cancelSettings = a.settings.Watch()

	initial := models.EmptyUserState()
	initial.UserID = uid
	a.publish(derive(initial, a.settings.Current()))

	a.sub = sub
	go a.run(runCtx, sub, settingsC)
	return nil
}

// Stop closes all four subscriptions and resets the projection to the empty
// state before returning. Every close is attempted; failures are joined.
func (a *Aggregator) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopLocked()
}

func (a *Aggregator) stopLocked() error {
	sub := a.sub
	if sub == nil {
		a.publish(models.EmptyUserState())
		return nil
	}
	a.sub = nil

	sub.cancel()
	err := sub.closeStreams()
	sub.cancelSettings()
	<-sub.done

	a.publish(models.EmptyUserState())
	if err != nil {
		a.logger.Error("closing subscriptions", "user_id", sub.uid, "error", err)
	}
	return err
}

func (s *subscription) closeStreams() error {
	var errs []error
	if s.profile != nil {
		errs = append(errs, s.profile.Close())
	}
	if s.tickets != nil {
		errs = append(errs, s.tickets.Close())
	}
	if s.transactions != nil {
		errs = append(errs, s.transactions.Close())
	}
	if s.predictions != nil {
		errs = append(errs, s.predictions.Close())
	}
	return errors.Join(errs...)
}

// run is the only writer of the projection while the subscription is live.
func (a *Aggregator) run(ctx context.Context, sub *subscription, settingsC <-chan models.AppSettings) {
	defer close(sub.done)

	profileC, ticketsC := sub.profile.C, sub.tickets.C
	transactionsC, predictionsC := sub.transactions.C, sub.predictions.C
	settings := a.settings.Current()

	for {
		cur := a.Current()
		var (
			next   models.UserState
			err    error
			source string
		)

		select {
		case <-ctx.Done():
			return
		case ev, ok := <-profileC:
			if !ok {
				profileC = nil
				continue
			}
			source = "profile"
			next, err = reduceProfile(cur, ev)
		case ev, ok := <-ticketsC:
			if !ok {
				ticketsC = nil
				continue
			}
			source = "tickets"
			next, err = reduceTickets(cur, ev)
		case ev, ok := <-transactionsC:
			if !ok {
				transactionsC = nil
				continue
			}
			source = "transactions"
			next, err = reduceTransactions(cur, ev)
		case ev, ok := <-predictionsC:
			if !ok {
				predictionsC = nil
				continue
			}
			source = "predictions"
			next, err = reducePredictions(cur, ev)
		case s, ok := <-settingsC:
			if !ok {
				settingsC = nil
				continue
			}
			settings = s
			next = cur
		}

		if err != nil {
			a.logger.Error("snapshot rejected, keeping last value", "source", source, "user_id", sub.uid, "error", err)
			a.metrics.ObserveSubscriptionError(source)
			continue
		}
		a.publish(derive(next, settings))
	}
}

func (a *Aggregator) publish(s models.UserState) {
	s.UpdatedAt = time.Now().UTC()
	a.current.Store(&s)
	a.updates.Publish(s)
}

func (a *Aggregator) Current() models.UserState {
	return *a.current.Load()
}

// Watch streams the projection, starting with the current value.
func (a *Aggregator) Watch() (<-chan models.UserState, func()) {
	return a.updates.Watch()
}
