package emitters

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func drain[T any](s *Subscription[T]) []T {
	var out []T
	for {
		select {
		case v, ok := <-s.C():
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
}

func TestEmitFanOut(t *testing.T) {
	e := New[int](4)
	a, b := e.Subscribe(), e.Subscribe()

	e.Emit(1)
	e.Emit(2)

	require.Equal(t, []int{1, 2}, drain(a))
	require.Equal(t, []int{1, 2}, drain(b))
}

func TestEmitPrunesClosedSubscriber(t *testing.T) {
	e := New[string](4)
	a, b, c := e.Subscribe(), e.Subscribe(), e.Subscribe()
	require.Equal(t, 3, e.Len())

	b.Close()
	e.Emit("event")

	require.Equal(t, []string{"event"}, drain(a))
	require.Equal(t, []string{"event"}, drain(c))
	require.Empty(t, drain(b))
	require.Equal(t, 2, e.Len(), "closed subscriber should be pruned")

	// The pruned subscription's channel is closed.
	_, ok := <-b.C()
	require.False(t, ok)

	// Later emissions skip it without error.
	e.Emit("again")
	require.Equal(t, []string{"again"}, drain(a))
	require.Equal(t, 2, e.Len())
}

func TestEmitNeverBlocksOnSlowSubscriber(t *testing.T) {
	e := New[int](2)
	s := e.Subscribe()

	for i := 0; i < 5; i++ {
		e.Emit(i)
	}

	// Oldest events were dropped to make room for the newest ones.
	require.Equal(t, []int{3, 4}, drain(s))
	require.Equal(t, uint64(3), e.Dropped())
}

func TestEmitWithoutSubscribers(t *testing.T) {
	e := New[int](0)
	require.NotPanics(t, func() { e.Emit(1) })
	require.Equal(t, 0, e.Len())
}

func TestClose(t *testing.T) {
	e := New[int](1)
	s := e.Subscribe()
	e.Close()

	_, ok := <-s.C()
	require.False(t, ok)
	require.NotPanics(t, func() { e.Emit(1) })
	require.NotPanics(t, s.Close)

	late := e.Subscribe()
	_, ok = <-late.C()
	require.False(t, ok)
}

func TestConcurrentSubscribeAndEmit(t *testing.T) {
	e := New[int](8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := e.Subscribe()
			s.Close()
		}()
	}
	for i := 0; i < 100; i++ {
		e.Emit(i)
	}
	wg.Wait()
	e.Emit(-1)
	require.Equal(t, 0, e.Len())
}
