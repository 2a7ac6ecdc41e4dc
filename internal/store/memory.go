package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same commit semantics as the
// Redis driver. It backs tests and the "memory" store driver.
type MemoryStore struct {
	mu          sync.Mutex
	docs        map[string]map[string]any
	colls       map[string]map[string]memItem
	applied     map[string]bool
	watchers    map[string]map[uint64]chan struct{}
	nextWatcher uint64
	seq         uint64
	commits     int
	hook        func(Batch) error
}

type memItem struct {
	data      []byte
	createdAt time.Time
	seq       uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]map[string]any),
		colls:    make(map[string]map[string]memItem),
		applied:  make(map[string]bool),
		watchers: make(map[string]map[uint64]chan struct{}),
	}
}

// SetCommitHook installs a function consulted before every commit. A non-nil
// error aborts the commit with nothing written, which lets tests simulate
// transport failures.
func (m *MemoryStore) SetCommitHook(hook func(Batch) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// Commits reports how many batches have been applied.
func (m *MemoryStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

func (m *MemoryStore) GetDocument(ctx context.Context, path string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docSnapshot(path)
}

func (m *MemoryStore) SubscribeDocument(ctx context.Context, path string) (*Stream[DocEvent], error) {
	return memorySubscribe(ctx, m, path, func() DocEvent {
		m.mu.Lock()
		defer m.mu.Unlock()
		snap, err := m.docSnapshot(path)
		return DocEvent{Snapshot: snap, Err: err}
	})
}

func (m *MemoryStore) SubscribeQuery(ctx context.Context, collection string, limit int) (*Stream[QueryEvent], error) {
	return memorySubscribe(ctx, m, collection, func() QueryEvent {
		m.mu.Lock()
		defer m.mu.Unlock()
		return QueryEvent{Docs: m.querySnapshot(collection, limit)}
	})
}

func (m *MemoryStore) WriteMerge(ctx context.Context, path string, fields map[string]any) error {
	return m.Commit(ctx, Batch{Ops: []Op{MergeOp(path, fields)}})
}

func (m *MemoryStore) Increment(ctx context.Context, path, field string, delta float64) error {
	return m.Commit(ctx, Batch{Ops: []Op{IncrementOp(path, map[string]float64{field: delta})}})
}

func (m *MemoryStore) Append(ctx context.Context, collection, id string, doc any, createdAt time.Time) error {
	op, err := AppendOp(collection, id, doc, createdAt, false)
	if err != nil {
		return err
	}
	return m.Commit(ctx, Batch{Ops: []Op{op}})
}

func (m *MemoryStore) Commit(ctx context.Context, b Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hook != nil {
		if err := m.hook(b); err != nil {
			return err
		}
	}
	if b.Key != "" && m.applied[b.Key] {
		return ErrAlreadyApplied
	}

	staged := make(map[string]map[string]any)
	load := func(path string) map[string]any {
		if doc, ok := staged[path]; ok {
			return doc
		}
		doc := cloneDoc(m.docs[path])
		staged[path] = doc
		return doc
	}

	for _, op := range b.Ops {
		switch op.Kind {
		case OpIncrement:
			doc := load(op.Path)
			for field, delta := range op.Deltas {
				node, leaf := walk(doc, field)
				node[leaf] = toFloat(node[leaf]) + delta
			}
			for _, field := range op.Guard {
				if v, ok := lookup(doc, field); ok && toFloat(v) < 0 {
					return fmt.Errorf("%w: %s", ErrGuardViolation, field)
				}
			}
		case OpMerge:
			doc := load(op.Path)
			for field, value := range op.Fields {
				node, leaf := walk(doc, field)
				node[leaf] = value
			}
		case OpAppend:
			if op.Unique {
				if _, exists := m.colls[op.Path][op.ID]; exists {
					return fmt.Errorf("%w: %s", ErrConflict, ItemPath(op.Path, op.ID))
				}
			}
		}
	}

	for path, doc := range staged {
		m.docs[path] = doc
		m.signal(path)
	}
	for _, op := range b.Ops {
		if op.Kind != OpAppend {
			continue
		}
		coll, ok := m.colls[op.Path]
		if !ok {
			coll = make(map[string]memItem)
			m.colls[op.Path] = coll
		}
		m.seq++
		coll[op.ID] = memItem{
			data:      append([]byte(nil), op.Data...),
			createdAt: op.CreatedAt,
			seq:       m.seq,
		}
		m.signal(op.Path)
	}
	if b.Key != "" {
		m.applied[b.Key] = true
	}
	m.commits++
	return nil
}

func (m *MemoryStore) docSnapshot(path string) (Snapshot, error) {
	snap := Snapshot{Path: path, ID: lastSegment(path)}
	doc, ok := m.docs[path]
	if !ok {
		return snap, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal %s: %w", path, err)
	}
	snap.Exists = true
	snap.Data = data
	return snap, nil
}

func (m *MemoryStore) querySnapshot(collection string, limit int) []Snapshot {
	items := m.colls[collection]
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := items[ids[i]], items[ids[j]]
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.After(b.createdAt)
		}
		return a.seq > b.seq
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	docs := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		item := items[id]
		docs = append(docs, Snapshot{
			Path:      ItemPath(collection, id),
			ID:        id,
			Exists:    true,
			Data:      append([]byte(nil), item.data...),
			CreatedAt: item.createdAt,
		})
	}
	return docs
}

func (m *MemoryStore) watch(path string) (uint64, chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWatcher++
	ch := make(chan struct{}, 1)
	if m.watchers[path] == nil {
		m.watchers[path] = make(map[uint64]chan struct{})
	}
	m.watchers[path][m.nextWatcher] = ch
	return m.nextWatcher, ch
}

func (m *MemoryStore) unwatch(path string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watchers[path], id)
	if len(m.watchers[path]) == 0 {
		delete(m.watchers, path)
	}
}

// signal must be called with mu held. Pending signals coalesce; the watcher
// always reads the latest value.
func (m *MemoryStore) signal(path string) {
	for _, ch := range m.watchers[path] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func memorySubscribe[T any](ctx context.Context, m *MemoryStore, path string, read func() T) (*Stream[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, signal := m.watch(path)
	signal <- struct{}{}

	out := make(chan T, 1)
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-signal:
			}
			ev := read()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return NewStream[T](out, func() error {
		close(done)
		m.unwatch(path, id)
		<-finished
		return nil
	}), nil
}

func walk(doc map[string]any, field string) (map[string]any, string) {
	parts := strings.Split(field, ".")
	node := doc
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[part] = child
		}
		node = child
	}
	return node, parts[len(parts)-1]
}

func lookup(doc map[string]any, field string) (any, bool) {
	parts := strings.Split(field, ".")
	node := doc
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			return nil, false
		}
		node = child
	}
	v, ok := node[parts[len(parts)-1]]
	return v, ok
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneDoc(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
