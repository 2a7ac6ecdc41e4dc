// Package store defines the remote document store the ledger engine talks to:
// key-addressed JSON documents and collections with live snapshot
// subscriptions, per-document atomic increments, and an atomic, idempotent
// batch commit used by every ledger command.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrAlreadyApplied = errors.New("store: command already applied")
	ErrGuardViolation = errors.New("store: guarded field would go negative")
	ErrConflict       = errors.New("store: document already exists")
	ErrInvalidBatch   = errors.New("store: invalid batch")
	ErrClosed         = errors.New("store: closed")
)

// Snapshot is the full value of one document at a point in time. Data is the
// raw JSON body; it is nil when the document does not exist.
type Snapshot struct {
	Path      string
	ID        string
	Exists    bool
	Data      []byte
	CreatedAt time.Time
}

type DocEvent struct {
	Snapshot Snapshot
	Err      error
}

// QueryEvent carries one ordered result set, newest first.
type QueryEvent struct {
	Docs []Snapshot
	Err  error
}

// Stream is a live subscription. Close is the disposer; it is safe to call
// more than once and from any goroutine.
type Stream[T any] struct {
	C <-chan T

	closeFn func() error
	once    sync.Once
	err     error
}

func NewStream[T any](c <-chan T, closeFn func() error) *Stream[T] {
	return &Stream[T]{C: c, closeFn: closeFn}
}

func (s *Stream[T]) Close() error {
	s.once.Do(func() {
		if s.closeFn != nil {
			s.err = s.closeFn()
		}
	})
	return s.err
}

type OpKind string

const (
	OpAppend    OpKind = "append"
	OpIncrement OpKind = "increment"
	OpMerge     OpKind = "merge"
)

// Op is one write inside a Batch. Field names in Deltas, Guard and Fields may
// address nested objects with dots, e.g. "missions.watch_ads.progress".
type Op struct {
	Kind      OpKind             `json:"kind"`
	Path      string             `json:"path"`
	ID        string             `json:"id,omitempty"`
	Data      json.RawMessage    `json:"data,omitempty"`
	CreatedAt time.Time          `json:"createdAt,omitempty"`
	Unique    bool               `json:"unique,omitempty"`
	Deltas    map[string]float64 `json:"deltas,omitempty"`
	Guard     []string           `json:"guard,omitempty"`
	Fields    map[string]any     `json:"fields,omitempty"`
}

// Batch is applied all-or-nothing. A non-empty Key makes the batch
// idempotent: a second commit with the same key returns ErrAlreadyApplied
// and writes nothing.
type Batch struct {
	Key string `json:"key"`
	Ops []Op   `json:"ops"`
}

// AppendOp adds doc to a collection under id. With unique set the commit
// fails with ErrConflict if the id already exists.
func AppendOp(collection, id string, doc any, createdAt time.Time, unique bool) (Op, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return Op{}, fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	return Op{
		Kind:      OpAppend,
		Path:      collection,
		ID:        id,
		Data:      data,
		CreatedAt: createdAt,
		Unique:    unique,
	}, nil
}

// IncrementOp adds deltas to numeric fields of one document. Guarded fields
// must not be negative after the increment or the whole batch is rejected
// with ErrGuardViolation.
func IncrementOp(path string, deltas map[string]float64, guard ...string) Op {
	return Op{Kind: OpIncrement, Path: path, Deltas: deltas, Guard: guard}
}

func MergeOp(path string, fields map[string]any) Op {
	return Op{Kind: OpMerge, Path: path, Fields: fields}
}

func (b Batch) Validate() error {
	if len(b.Ops) == 0 {
		return fmt.Errorf("%w: no operations", ErrInvalidBatch)
	}
	for i, op := range b.Ops {
		if strings.TrimSpace(op.Path) == "" {
			return fmt.Errorf("%w: op %d has no path", ErrInvalidBatch, i)
		}
		switch op.Kind {
		case OpAppend:
			if op.ID == "" || strings.Contains(op.ID, "/") || len(op.Data) == 0 {
				return fmt.Errorf("%w: append op %d needs id and data", ErrInvalidBatch, i)
			}
		case OpIncrement:
			if len(op.Deltas) == 0 {
				return fmt.Errorf("%w: increment op %d has no deltas", ErrInvalidBatch, i)
			}
			for field := range op.Deltas {
				if !validField(field) {
					return fmt.Errorf("%w: bad field %q", ErrInvalidBatch, field)
				}
			}
			for _, field := range op.Guard {
				if !validField(field) {
					return fmt.Errorf("%w: bad guard field %q", ErrInvalidBatch, field)
				}
			}
		case OpMerge:
			if len(op.Fields) == 0 {
				return fmt.Errorf("%w: merge op %d has no fields", ErrInvalidBatch, i)
			}
			for field := range op.Fields {
				if !validField(field) {
					return fmt.Errorf("%w: bad field %q", ErrInvalidBatch, field)
				}
			}
		default:
			return fmt.Errorf("%w: unknown op kind %q", ErrInvalidBatch, op.Kind)
		}
	}
	return nil
}

func validField(field string) bool {
	if field == "" {
		return false
	}
	for _, part := range strings.Split(field, ".") {
		if part == "" {
			return false
		}
	}
	return true
}

type Reader interface {
	GetDocument(ctx context.Context, path string) (Snapshot, error)
}

type Subscriber interface {
	SubscribeDocument(ctx context.Context, path string) (*Stream[DocEvent], error)
	SubscribeQuery(ctx context.Context, collection string, limit int) (*Stream[QueryEvent], error)
}

type Writer interface {
	WriteMerge(ctx context.Context, path string, fields map[string]any) error
	Increment(ctx context.Context, path, field string, delta float64) error
	Append(ctx context.Context, collection, id string, doc any, createdAt time.Time) error
}

type Committer interface {
	Commit(ctx context.Context, b Batch) error
}

type Store interface {
	Reader
	Subscriber
	Writer
	Committer
}
