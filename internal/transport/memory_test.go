package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeliversToAllSubscribers(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var mu sync.Mutex
	var a, b []string
	require.NoError(t, m.Subscribe(context.Background(), "ch", func(ch string, payload []byte) {
		mu.Lock()
		a = append(a, string(payload))
		mu.Unlock()
	}))
	require.NoError(t, m.Subscribe(context.Background(), "ch", func(ch string, payload []byte) {
		mu.Lock()
		b = append(b, string(payload))
		mu.Unlock()
	}))

	require.NoError(t, m.Publish(context.Background(), "ch", []byte("hello")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(a) == 1 && len(b) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryPreservesPerSubscriberOrder(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var mu sync.Mutex
	var received []string
	require.NoError(t, m.Subscribe(context.Background(), "ch", func(ch string, payload []byte) {
		mu.Lock()
		received = append(received, string(payload))
		mu.Unlock()
	}))

	for _, msg := range []string{"1", "2", "3"} {
		require.NoError(t, m.Publish(context.Background(), "ch", []byte(msg)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3"}, received)
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var mu sync.Mutex
	count := 0
	listener := func(ch string, payload []byte) {
		mu.Lock()
		count++
		mu.Unlock()
	}

	require.NoError(t, m.Subscribe(context.Background(), "ch", listener))
	require.NoError(t, m.Publish(context.Background(), "ch", []byte("one")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Unsubscribe("ch", listener))
	require.NoError(t, m.Publish(context.Background(), "ch", []byte("two")))

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "no delivery should occur after unsubscribe")
}

func TestMemoryPublishAfterCloseReturnsErrClosed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())

	err := m.Publish(context.Background(), "ch", []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)

	err = m.Subscribe(context.Background(), "ch", func(string, []byte) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryReportsConnectedImmediately(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	select {
	case ev := <-m.Status():
		assert.True(t, ev.Connected)
	default:
		t.Fatal("expected an immediate connected status event")
	}
}
