package eventfd

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventFD_KickClear(t *testing.T) {
	efd, err := New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, efd.Close())
		assert.NoError(t, efd.Close())
	})

	v, err := efd.Clear()
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, efd.Kick())
	require.NoError(t, efd.Kick())
	v, err = efd.Clear()
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)
}

// Tests how a goroutine blocked on epoll can be woken up and stopped.
func TestEpoll_CancelWait(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)
	ep, err := NewEpoll(2)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, ep.Close())
		assert.NoError(t, a.Close())
		assert.NoError(t, b.Close())
	})
	require.NoError(t, ep.AddEvent(a.FD()))
	require.NoError(t, ep.AddEvent(b.FD()))

	var stop atomic.Bool
	fired := make(chan int, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var ready []int
		for !stop.Load() {
			var err error
			ready, err = ep.Block(ready)
			if err != nil {
				return
			}
			for _, fd := range ready {
				fired <- fd
			}
			_, _ = a.Clear()
		}
	}()

	select {
	case <-done:
		t.Fatalf("goroutine ended early")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, a.Kick())
	select {
	case fd := <-fired:
		assert.Equal(t, a.FD(), fd)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}

	stop.Store(true)
	require.NoError(t, b.Kick())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Error("goroutine did not end")
	}
}
