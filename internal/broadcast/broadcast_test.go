package broadcast

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLatestKeepsNewestValue(t *testing.T) {
	l := NewLatest(0)
	ch, cancel := l.Watch()
	defer cancel()

	l.Publish(1)
	l.Publish(2)
	require.Equal(t, 2, <-ch)

	l.Publish(3)
	require.Equal(t, 3, <-ch)
	require.Equal(t, 3, l.Load())
}

func TestLatestCancel(t *testing.T) {
	l := NewLatest("initial")
	ch, cancel := l.Watch()
	require.Equal(t, "initial", <-ch)

	cancel()
	cancel()
	_, open := <-ch
	require.False(t, open)

	l.Publish("after cancel")
}

func TestWatchStartsFromLastPublished(t *testing.T) {
	l := NewLatest("signed-in")
	l.Publish("signed-out")

	ch, cancel := l.Watch()
	defer cancel()
	require.Equal(t, "signed-out", <-ch)
}

// Every watcher, whenever it registers, ends on the final value.
func TestWatchDuringPublishNeverMissesFinalValue(t *testing.T) {
	const last = 500
	l := NewLatest(0)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		channels []<-chan int
		cancels  []func()
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= last; i++ {
			l.Publish(i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			ch, cancel := l.Watch()
			mu.Lock()
			channels = append(channels, ch)
			cancels = append(cancels, cancel)
			mu.Unlock()
		}
	}()
	wg.Wait()

	for i, ch := range channels {
		require.Equal(t, last, <-ch, "watcher %d", i)
		cancels[i]()
	}
}
