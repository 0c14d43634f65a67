package bus

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fulcrum-net/registry-service/internal/envelope"
	"github.com/fulcrum-net/registry-service/internal/scheduler"
	"github.com/fulcrum-net/registry-service/internal/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Value string `json:"value"`
}

func newTestBus() (*Bus, *scheduler.Executor) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	executor := scheduler.NewExecutor(4)
	b := New(transport.NewMemory(), executor, "test-sender", log.WithField("test", true))
	return b, executor
}

func TestBusDeliversDecodedEnvelopeToHandler(t *testing.T) {
	b, executor := newTestBus()
	defer executor.Shutdown(time.Second)
	defer b.Close()

	var mu sync.Mutex
	var got envelope.Envelope
	require.NoError(t, b.Subscribe(context.Background(), "ch", func(ctx context.Context, env envelope.Envelope) {
		mu.Lock()
		got = env
		mu.Unlock()
	}))

	require.NoError(t, b.Broadcast(context.Background(), "ch", "Test", testPayload{Value: "hi"}, "corr-1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.Type == "Test"
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "test-sender", got.SenderID)
	assert.Equal(t, "corr-1", got.CorrelationID)
}

func TestBusFansOutToMultipleHandlersOnSameChannel(t *testing.T) {
	b, executor := newTestBus()
	defer executor.Shutdown(time.Second)
	defer b.Close()

	var mu sync.Mutex
	count := 0
	inc := func(ctx context.Context, env envelope.Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
	}
	require.NoError(t, b.Subscribe(context.Background(), "ch", inc))
	require.NoError(t, b.Subscribe(context.Background(), "ch", inc))

	require.NoError(t, b.Broadcast(context.Background(), "ch", "Test", testPayload{}, ""))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	}, time.Second, 5*time.Millisecond)
}

func TestBusUnsubscribeRemovesOnlyMatchingHandler(t *testing.T) {
	b, executor := newTestBus()
	defer executor.Shutdown(time.Second)
	defer b.Close()

	var mu sync.Mutex
	var aCount, bCount int
	a := func(ctx context.Context, env envelope.Envelope) {
		mu.Lock()
		aCount++
		mu.Unlock()
	}
	bHandler := func(ctx context.Context, env envelope.Envelope) {
		mu.Lock()
		bCount++
		mu.Unlock()
	}
	require.NoError(t, b.Subscribe(context.Background(), "ch", a))
	require.NoError(t, b.Subscribe(context.Background(), "ch", bHandler))

	require.NoError(t, b.Unsubscribe("ch", a))
	require.NoError(t, b.Broadcast(context.Background(), "ch", "Test", testPayload{}, ""))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bCount == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, aCount, "unsubscribed handler must not receive further envelopes")
}

func TestBusDropsMalformedTransportPayload(t *testing.T) {
	b, executor := newTestBus()
	defer executor.Shutdown(time.Second)
	defer b.Close()

	invoked := false
	require.NoError(t, b.Subscribe(context.Background(), "ch", func(ctx context.Context, env envelope.Envelope) {
		invoked = true
	}))

	mem, ok := b.transport.(*transport.Memory)
	require.True(t, ok)
	require.NoError(t, mem.Publish(context.Background(), "ch", []byte("not an envelope")))

	time.Sleep(30 * time.Millisecond)
	assert.False(t, invoked, "malformed payloads must be dropped, not dispatched")
}
