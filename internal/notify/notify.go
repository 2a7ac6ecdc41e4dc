package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rewards-miniapp/internal/metrics"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Notification struct {
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	Op       string    `json:"op,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier is what producers of user-facing messages depend on.
type Notifier interface {
	Notify(n Notification)
}

const recentLimit = 50

// Hub fans notifications out to every subscriber. Delivery never blocks the
// producer: a subscriber whose buffer is full misses the message.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan Notification
	nextID      uint64
	recent      []Notification
	logger      *slog.Logger
	metrics     *metrics.LedgerMetrics
}

func NewHub(logger *slog.Logger, m *metrics.LedgerMetrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[uint64]chan Notification),
		logger:      logger.With("component", "notify"),
		metrics:     m,
	}
}

func (h *Hub) Notify(n Notification) {
	if n.Severity == "" {
		n.Severity = SeverityInfo
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	h.logger.Log(context.Background(), levelFor(n.Severity), n.Message, "severity", n.Severity, "op", n.Op)
	h.metrics.ObserveNotification(string(n.Severity))

	h.mu.Lock()
	defer h.mu.Unlock()

	h.recent = append(h.recent, n)
	if len(h.recent) > recentLimit {
		h.recent = h.recent[len(h.recent)-recentLimit:]
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribe returns a channel of future notifications and a cancel func that
// unregisters and closes it. Cancel may be called more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Notification, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subscribers, id)
			close(ch)
		})
	}
}

// Recent returns up to the last fifty notifications, oldest first.
func (h *Hub) Recent() []Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Notification, len(h.recent))
	copy(out, h.recent)
	return out
}

func levelFor(s Severity) slog.Level {
	switch s {
	case SeverityError:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
