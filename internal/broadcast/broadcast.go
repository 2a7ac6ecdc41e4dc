// Package broadcast publishes the latest value of a projection to any number
// of watchers. Watchers always see the newest value; intermediate values a
// slow watcher had no time to read are dropped.
package broadcast

import "sync"

type Latest[T any] struct {
	mu       sync.Mutex
	value    T
	watchers map[uint64]chan T
	nextID   uint64
}

func NewLatest[T any](initial T) *Latest[T] {
	return &Latest[T]{value: initial, watchers: make(map[uint64]chan T)}
}

// Watch registers a watcher primed with the last published value. Priming and
// registration happen under one lock, so no Publish can fall between them.
// The returned cancel func unregisters and closes the channel; it is safe to
// call more than once.
func (l *Latest[T]) Watch() (<-chan T, func()) {
	ch := make(chan T, 1)

	l.mu.Lock()
	ch <- l.value
	id := l.nextID
	l.nextID++
	l.watchers[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.watchers, id)
			close(ch)
		})
	}
}

func (l *Latest[T]) Publish(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.value = v
	for _, ch := range l.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

// Load returns the last published value.
func (l *Latest[T]) Load() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}
