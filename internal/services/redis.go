package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"rewards-miniapp/internal/config"
	"rewards-miniapp/internal/models"
	"rewards-miniapp/internal/store"
)

// RedisStore is the Redis-backed store.Store. Documents are JSON strings,
// collections are JSON item keys indexed by a sorted set scored by creation
// time, and every write publishes the touched path on a change channel that
// subscriptions listen to.
type RedisStore struct {
	client        *redis.Client
	logger        *slog.Logger
	commandTTL    time.Duration
	collectionCap int
}

var _ store.Store = (*RedisStore)(nil)

func NewRedisStore(cfg *config.Config, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.CommandTTL, cfg.CollectionCap, logger), nil
}

func NewRedisStoreFromClient(client *redis.Client, commandTTL time.Duration, collectionCap int, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	if commandTTL <= 0 {
		commandTTL = TTLCommand
	}
	if collectionCap <= 0 {
		collectionCap = DefaultCollectionCap
	}
	return &RedisStore{
		client:        client,
		logger:        logger.With("component", "redis_store"),
		commandTTL:    commandTTL,
		collectionCap: collectionCap,
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) GetDocument(ctx context.Context, path string) (store.Snapshot, error) {
	snap := store.Snapshot{Path: path, ID: lastSegment(path)}

	data, err := s.client.Get(ctx, fmt.Sprintf(KeyDocument, path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return snap, nil
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("failed to get document %s: %w", path, err)
	}
	snap.Exists = true
	snap.Data = data
	return snap, nil
}

func (s *RedisStore) query(ctx context.Context, collection string, limit int) ([]store.Snapshot, error) {
	if limit <= 0 || limit > s.collectionCap {
		limit = s.collectionCap
	}

	entries, err := s.client.ZRevRangeWithScores(ctx, fmt.Sprintf(KeyCollectionIndex, collection), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get index of %s: %w", collection, err)
	}
	if len(entries) == 0 {
		return []store.Snapshot{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(entries))
	for i, entry := range entries {
		id, _ := entry.Member.(string)
		cmds[i] = pipe.Get(ctx, fmt.Sprintf(KeyDocument, store.ItemPath(collection, id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("pipeline execution failed: %w", err)
	}

	docs := make([]store.Snapshot, 0, len(entries))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get item of %s: %w", collection, err)
		}
		id, _ := entries[i].Member.(string)
		docs = append(docs, store.Snapshot{
			Path:      store.ItemPath(collection, id),
			ID:        id,
			Exists:    true,
			Data:      data,
			CreatedAt: time.UnixMilli(int64(entries[i].Score)),
		})
	}
	return docs, nil
}

func (s *RedisStore) SubscribeDocument(ctx context.Context, path string) (*store.Stream[store.DocEvent], error) {
	return redisSubscribe(ctx, s, path, func(ctx context.Context) store.DocEvent {
		snap, err := s.GetDocument(ctx, path)
		return store.DocEvent{Snapshot: snap, Err: err}
	})
}

func (s *RedisStore) SubscribeQuery(ctx context.Context, collection string, limit int) (*store.Stream[store.QueryEvent], error) {
	return redisSubscribe(ctx, s, collection, func(ctx context.Context) store.QueryEvent {
		docs, err := s.query(ctx, collection, limit)
		return store.QueryEvent{Docs: docs, Err: err}
	})
}

// redisSubscribe listens on the path's change channel and re-reads the full
// value for every notification. The channel is subscribed before the first
// read so no change between the read and the subscription is lost.
func redisSubscribe[T any](ctx context.Context, s *RedisStore, path string, read func(context.Context) T) (*store.Stream[T], error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := s.client.Subscribe(subCtx, fmt.Sprintf(KeyChanges, path))
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", path, err)
	}
	messages := pubsub.Channel()

	out := make(chan T, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer close(out)

		emit := func() bool {
			ev := read(subCtx)
			select {
			case out <- ev:
				return true
			case <-subCtx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
			drain:
				for {
					select {
					case _, ok := <-messages:
						if !ok {
							return
						}
					default:
						break drain
					}
				}
				if !emit() {
					return
				}
			}
		}
	}()

	return store.NewStream[T](out, func() error {
		cancel()
		err := pubsub.Close()
		<-finished
		return err
	}), nil
}

func (s *RedisStore) WriteMerge(ctx context.Context, path string, fields map[string]any) error {
	return s.Commit(ctx, store.Batch{Ops: []store.Op{store.MergeOp(path, fields)}})
}

func (s *RedisStore) Increment(ctx context.Context, path, field string, delta float64) error {
	return s.Commit(ctx, store.Batch{Ops: []store.Op{store.IncrementOp(path, map[string]float64{field: delta})}})
}

func (s *RedisStore) Append(ctx context.Context, collection, id string, doc any, createdAt time.Time) error {
	op, err := store.AppendOp(collection, id, doc, createdAt, false)
	if err != nil {
		return err
	}
	return s.Commit(ctx, store.Batch{Ops: []store.Op{op}})
}

type scriptOp struct {
	Kind    string             `json:"kind"`
	Key     string             `json:"key"`
	Channel string             `json:"channel"`
	Index   string             `json:"index,omitempty"`
	Prefix  string             `json:"item_prefix,omitempty"`
	ID      string             `json:"id,omitempty"`
	Data    string             `json:"data,omitempty"`
	Score   float64            `json:"score,omitempty"`
	Unique  bool               `json:"unique,omitempty"`
	Deltas  map[string]float64 `json:"deltas,omitempty"`
	Guard   []string           `json:"guard,omitempty"`
	Fields  map[string]any     `json:"fields,omitempty"`
}

func (s *RedisStore) Commit(ctx context.Context, b store.Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}

	ops := make([]scriptOp, 0, len(b.Ops))
	keys := make([]string, 0, len(b.Ops)+1)
	for _, op := range b.Ops {
		so := scriptOp{
			Kind:    string(op.Kind),
			Channel: fmt.Sprintf(KeyChanges, op.Path),
			Deltas:  op.Deltas,
			Guard:   op.Guard,
			Fields:  op.Fields,
		}
		if op.Kind == store.OpAppend {
			so.Key = fmt.Sprintf(KeyDocument, store.ItemPath(op.Path, op.ID))
			so.Index = fmt.Sprintf(KeyCollectionIndex, op.Path)
			so.Prefix = fmt.Sprintf(KeyDocument, store.ItemPath(op.Path, ""))
			so.ID = op.ID
			so.Data = string(op.Data)
			// Scored by command creation so a replayed command keeps its place.
			so.Score = float64(op.CreatedAt.UnixMilli())
			so.Unique = op.Unique
			keys = append(keys, so.Key, so.Index)
		} else {
			so.Key = fmt.Sprintf(KeyDocument, op.Path)
			keys = append(keys, so.Key)
		}
		ops = append(ops, so)
	}

	payload, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	cmdKey := ""
	if b.Key != "" {
		cmdKey = fmt.Sprintf(KeyCommand, b.Key)
		keys = append(keys, cmdKey)
	}

	res, err := commitScript.Run(ctx, s.client, keys,
		int64(s.commandTTL.Seconds()), s.collectionCap, string(payload), cmdKey).Text()
	if err != nil {
		return scriptError(err)
	}
	if res == "DUPLICATE" {
		return store.ErrAlreadyApplied
	}
	return nil
}

func scriptError(err error) error {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "GUARD "):
		return fmt.Errorf("%w: %s", store.ErrGuardViolation, strings.TrimPrefix(msg, "GUARD "))
	case strings.HasPrefix(msg, "CONFLICT "):
		return fmt.Errorf("%w: %s", store.ErrConflict, strings.TrimPrefix(msg, "CONFLICT "))
	}
	return fmt.Errorf("failed to commit batch: %w", err)
}

func (s *RedisStore) StoreSession(ctx context.Context, id *models.Identity, expiry time.Duration) error {
	if expiry <= 0 {
		expiry = TTLUserSession
	}
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(KeyUserSession, id.UserID, id.SessionID)
	return s.client.Set(ctx, key, data, expiry).Err()
}

func (s *RedisStore) GetSession(ctx context.Context, userID, sessionID string) (*models.Identity, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf(KeyUserSession, userID, sessionID)).Bytes()
	if err != nil {
		return nil, err
	}
	var id models.Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	return s.client.Del(ctx, fmt.Sprintf(KeyUserSession, userID, sessionID)).Err()
}

// CheckRateLimit counts an action in a fixed window and reports whether the
// count is still within limit.
func (s *RedisStore) CheckRateLimit(ctx context.Context, userID, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf(KeyRateLimit, userID, action)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if count == 1 {
		s.client.Expire(ctx, key, window)
	}
	return count <= int64(limit), nil
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
