package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"rewards-miniapp/internal/metrics"
	"rewards-miniapp/internal/notify"
	"rewards-miniapp/internal/store"
)

type Result struct {
	Applied  int
	Rejected int
	Retried  int
}

// Replayer re-submits pending entries. Applied and already-applied entries
// are removed; entries the store rejects for good (guard or conflict) are
// removed with an error notification; anything else stays for the next run.
type Replayer struct {
	outbox    *Store
	committer store.Committer
	notifier  notify.Notifier
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.LedgerMetrics

	mu sync.Mutex
}

func NewReplayer(o *Store, c store.Committer, n notify.Notifier, timeout time.Duration, logger *slog.Logger, m *metrics.LedgerMetrics) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Replayer{
		outbox:    o,
		committer: c,
		notifier:  n,
		timeout:   timeout,
		logger:    logger.With("component", "outbox"),
		metrics:   m,
	}
}

func (r *Replayer) Replay(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	entries, err := r.outbox.Pending()
	if err != nil {
		return res, fmt.Errorf("list pending: %w", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		commitCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.committer.Commit(commitCtx, e.Batch)
		cancel()

		switch {
		case err == nil || errors.Is(err, store.ErrAlreadyApplied):
			if ackErr := r.outbox.Ack(e.Batch.Key); ackErr != nil {
				return res, ackErr
			}
			res.Applied++
			r.metrics.ObserveReplay("applied")
			r.notify(notify.SeveritySuccess, e.Op, e.Message)
		case errors.Is(err, store.ErrGuardViolation), errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrInvalidBatch):
			if ackErr := r.outbox.Ack(e.Batch.Key); ackErr != nil {
				return res, ackErr
			}
			res.Rejected++
			r.metrics.ObserveReplay("rejected")
			r.logger.Warn("queued command rejected", "key", e.Batch.Key, "op", e.Op, "error", err)
			r.notify(notify.SeverityError, e.Op, fmt.Sprintf("%s could not be applied: %v", e.Op, err))
		default:
			if retryErr := r.outbox.Retry(e.Batch.Key, err); retryErr != nil {
				return res, retryErr
			}
			res.Retried++
			r.metrics.ObserveReplay("retried")
			r.logger.Info("queued command still pending", "key", e.Batch.Key, "attempts", e.Attempts+1, "error", err)
		}
	}

	if n, err := r.outbox.Len(); err == nil {
		r.metrics.SetOutboxDepth(n)
	}
	return res, nil
}

func (r *Replayer) notify(sev notify.Severity, op, msg string) {
	if r.notifier == nil || msg == "" {
		return
	}
	r.notifier.Notify(notify.Notification{Message: msg, Severity: sev, Op: op})
}

// Scheduler runs the replayer on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	replayer *Replayer
	ctx      context.Context
	logger   *slog.Logger
}

func NewScheduler(ctx context.Context, schedule string, r *Replayer) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		replayer: r,
		ctx:      ctx,
		logger:   r.logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("register outbox replay: %w", err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("outbox scheduler started")
}

// Stop waits for a running replay to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("outbox scheduler stopped")
}

func (s *Scheduler) tick() {
	res, err := s.replayer.Replay(s.ctx)
	if err != nil {
		s.logger.Error("outbox replay failed", "error", err)
		return
	}
	if res != (Result{}) {
		s.logger.Info("outbox replay", "applied", res.Applied, "rejected", res.Rejected, "retried", res.Retried)
	}
}
