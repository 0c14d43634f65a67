package registration

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fulcrum-net/registry-service/internal/bus"
	"github.com/fulcrum-net/registry-service/internal/envelope"
	"github.com/fulcrum-net/registry-service/internal/heartbeat"
	"github.com/fulcrum-net/registry-service/internal/identity"
	"github.com/fulcrum-net/registry-service/internal/model"
	"github.com/fulcrum-net/registry-service/internal/registry"
	"github.com/fulcrum-net/registry-service/internal/scheduler"
	"github.com/fulcrum-net/registry-service/internal/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	handler  *Handler
	bus      *bus.Bus
	executor *scheduler.Executor
	proxies  *registry.ProxyRegistry
	backends *registry.BackendRegistry
	hb       *heartbeat.Monitor
}

func newHarness() *harness {
	log := logrus.New()
	log.SetOutput(io.Discard)
	entry := log.WithField("test", true)

	executor := scheduler.NewExecutor(4)
	b := bus.New(transport.NewMemory(), executor, "test", entry)
	allocator := identity.NewAllocator()
	proxies := registry.NewProxyRegistry(allocator)
	backends := registry.NewBackendRegistry(allocator)
	hb := heartbeat.New(heartbeat.Config{CheckInterval: time.Hour, HeartbeatTimeout: time.Hour}, entry)

	h := New(b, proxies, backends, allocator, hb, entry)
	return &harness{handler: h, bus: b, executor: executor, proxies: proxies, backends: backends, hb: hb}
}

func TestHandlerAcceptsFirstRegistrationAndAssignsID(t *testing.T) {
	h := newHarness()
	defer h.executor.Shutdown(time.Second)

	require.NoError(t, h.handler.Start(context.Background()))

	var mu sync.Mutex
	var responses []model.RegistrationResponse
	require.NoError(t, h.bus.Subscribe(context.Background(), bus.ChanRegistrationResponse, func(ctx context.Context, env envelope.Envelope) {
		var resp model.RegistrationResponse
		require.NoError(t, json.Unmarshal(env.Payload, &resp))
		mu.Lock()
		responses = append(responses, resp)
		mu.Unlock()
	}))

	h.handler.handleRequest(context.Background(), model.RegistrationRequest{
		TempID: "temp-1", ServerType: "minigame", Address: "10.0.0.1", Port: 1,
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(responses) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, responses[0].Success)
	assert.NotEmpty(t, responses[0].AssignedID)
}

func TestHandlerDedupsRepeatedTempIDWithinRetryWindow(t *testing.T) {
	h := newHarness()
	defer h.executor.Shutdown(time.Second)

	req := model.RegistrationRequest{TempID: "temp-dup", ServerType: "minigame", Address: "10.0.0.5", Port: 1}
	h.handler.handleRequest(context.Background(), req)

	h.handler.mu.Lock()
	firstResolved := h.handler.pending["temp-dup"].response
	h.handler.mu.Unlock()

	h.handler.handleRequest(context.Background(), req)

	_, ok := h.backends.FindByAddress("10.0.0.5", 1)
	require.True(t, ok)
	all := h.backends.ListAll()
	assert.Len(t, all, 1, "a repeated tempId within the retry window must not allocate a second node")
	assert.Equal(t, firstResolved.AssignedID, h.handler.pending["temp-dup"].response.AssignedID)
}

func TestHandlerRateLimitsResendFasterThanRetryInterval(t *testing.T) {
	h := newHarness()
	defer h.executor.Shutdown(time.Second)

	req := model.RegistrationRequest{TempID: "temp-fast", ServerType: "minigame", Address: "10.0.0.6", Port: 1}
	h.handler.handleRequest(context.Background(), req)

	var mu sync.Mutex
	count := 0
	require.NoError(t, h.bus.Subscribe(context.Background(), bus.ChanRegistrationResponse, func(ctx context.Context, env envelope.Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	for i := 0; i < 5; i++ {
		h.handler.handleRequest(context.Background(), req)
	}

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, count, 1, "rapid resends within retryInterval must be suppressed by the limiter")
}

func TestHandlerConcurrentDuplicateTempIDAttachesToSameFuture(t *testing.T) {
	h := newHarness()
	defer h.executor.Shutdown(time.Second)

	req := model.RegistrationRequest{TempID: "temp-race", ServerType: "minigame", Address: "10.0.0.9", Port: 1}

	var mu sync.Mutex
	var responses []model.RegistrationResponse
	require.NoError(t, h.bus.Subscribe(context.Background(), bus.ChanRegistrationResponse, func(ctx context.Context, env envelope.Envelope) {
		var resp model.RegistrationResponse
		require.NoError(t, json.Unmarshal(env.Payload, &resp))
		mu.Lock()
		responses = append(responses, resp)
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	const racers = 8
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.handler.handleRequest(context.Background(), req)
		}()
	}
	wg.Wait()

	all := h.backends.ListAll()
	require.Len(t, all, 1, "concurrent registrations with the same tempId must allocate exactly once (I6)")
	assignedID := all[0].ID.String()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(responses) == racers
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, resp := range responses {
		assert.True(t, resp.Success, "racer %d should receive a successful response", i)
		assert.Equal(t, assignedID, resp.AssignedID, "racer %d should attach to the same allocation future instead of a duplicate or failed allocation", i)
	}
}

func TestHandlerGracefulRemovalReleasesSlotWithoutCooldown(t *testing.T) {
	h := newHarness()
	defer h.executor.Shutdown(time.Second)

	h.handler.handleRequest(context.Background(), model.RegistrationRequest{
		TempID: "temp-2", ServerType: "minigame", Address: "10.0.0.2", Port: 1,
	})
	id := h.handler.pending["temp-2"].response.AssignedID
	require.NotEmpty(t, id)

	h.handler.removeGraceful(context.Background(), id, "shutdown")

	_, ok := h.backends.Get(id)
	assert.False(t, ok)

	parsed, err := identity.Parse(id)
	require.NoError(t, err)
	reissued, err := h.handler.allocator.AllocateBackend()
	require.NoError(t, err)
	assert.Equal(t, parsed.InstanceID, reissued, "graceful removal releases the slot immediately, no cool-down")
}

func TestHandlerTimeoutReservesSlotForCooldown(t *testing.T) {
	h := newHarness()
	defer h.executor.Shutdown(time.Second)

	h.handler.handleRequest(context.Background(), model.RegistrationRequest{
		TempID: "temp-3", ServerType: "minigame", Address: "10.0.0.3", Port: 1,
	})
	id := h.handler.pending["temp-3"].response.AssignedID
	require.NotEmpty(t, id)

	h.handler.onHeartbeatTimeout(id)

	_, ok := h.backends.Get(id)
	assert.False(t, ok)

	_, err := h.handler.allocator.AllocateBackend()
	require.NoError(t, err, "other instances remain available even though one is cooling down")
}
