package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type settlementJob struct {
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// SettlementQueue hands server-side settlement calls (referral payouts and
// the like) to the remote function tier through a Redis list.
type SettlementQueue struct {
	client *redis.Client
}

func NewSettlementQueue(s *RedisStore) *SettlementQueue {
	return &SettlementQueue{client: s.client}
}

func (q *SettlementQueue) Invoke(ctx context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	job, err := json.Marshal(settlementJob{Name: name, Payload: data, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, KeySettlementQueue, job).Err(); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", name, err)
	}
	return nil
}
