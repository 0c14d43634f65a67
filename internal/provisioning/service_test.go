package provisioning

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fulcrum-net/registry-service/internal/bus"
	"github.com/fulcrum-net/registry-service/internal/catalog"
	"github.com/fulcrum-net/registry-service/internal/identity"
	"github.com/fulcrum-net/registry-service/internal/model"
	"github.com/fulcrum-net/registry-service/internal/registry"
	"github.com/fulcrum-net/registry-service/internal/scheduler"
	"github.com/fulcrum-net/registry-service/internal/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() (*Service, *registry.BackendRegistry, *scheduler.Executor) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	entry := log.WithField("test", true)

	executor := scheduler.NewExecutor(4)
	b := bus.New(transport.NewMemory(), executor, "test", entry)
	backends := registry.NewBackendRegistry(identity.NewAllocator())
	cat := catalog.New(backends)
	return New(b, cat, backends, entry), backends, executor
}

func seedSlot(t *testing.T, backends *registry.BackendRegistry, addr string, familyID, variantID, slotID string, online, max int) string {
	id, err := backends.Register(registry.BackendJoinRequest{ServerType: "minigame", Address: addr, Port: 1, MaxCapacity: max})
	require.NoError(t, err)
	require.NoError(t, backends.UpdateSlot(id.String(), model.LogicalSlotRecord{
		SlotID: slotID, FamilyID: familyID, VariantID: variantID,
		Status: model.SlotAvailable, OnlinePlayers: online, MaxPlayers: max,
	}))
	return id.String()
}

func TestProvisionSatisfiesFromAvailableSlot(t *testing.T) {
	svc, backends, executor := newTestService()
	defer executor.Shutdown(time.Second)
	seedSlot(t, backends, "10.0.0.1", "skywars", "solo", "slot-1", 0, 10)

	result := svc.Provision(context.Background(), model.ProvisionRequest{FamilyID: "skywars", VariantID: "solo", DesiredCount: 1, RequesterID: "req-1"})

	assert.Equal(t, model.ProvisionSatisfied, result.Status)
	require.Len(t, result.Slots, 1)
	assert.Equal(t, "slot-1", result.Slots[0].SlotID)
	assert.NotEmpty(t, result.ReservationToken)
}

func TestProvisionReturnsExhaustedWhenNoCandidates(t *testing.T) {
	svc, _, executor := newTestService()
	defer executor.Shutdown(time.Second)

	result := svc.Provision(context.Background(), model.ProvisionRequest{FamilyID: "skywars", DesiredCount: 1, RequesterID: "req-1"})
	assert.Equal(t, model.ProvisionExhausted, result.Status)
}

func TestProvisionIsIdempotentWithinConfirmationWindow(t *testing.T) {
	svc, backends, executor := newTestService()
	defer executor.Shutdown(time.Second)
	seedSlot(t, backends, "10.0.0.1", "skywars", "solo", "slot-1", 0, 10)

	req := model.ProvisionRequest{FamilyID: "skywars", VariantID: "solo", DesiredCount: 1, RequesterID: "req-1"}
	first := svc.Provision(context.Background(), req)
	second := svc.Provision(context.Background(), req)

	assert.Equal(t, first.ReservationToken, second.ReservationToken, "repeated request within the confirmation window must return the same reservation")
}

func TestProvisionConcurrentDuplicateKeyAttachesToSameFuture(t *testing.T) {
	svc, backends, executor := newTestService()
	defer executor.Shutdown(time.Second)
	seedSlot(t, backends, "10.0.0.1", "skywars", "solo", "slot-1", 0, 10)
	seedSlot(t, backends, "10.0.0.2", "skywars", "solo", "slot-2", 0, 10)

	req := model.ProvisionRequest{FamilyID: "skywars", VariantID: "solo", DesiredCount: 1, RequesterID: "req-race"}

	var wg sync.WaitGroup
	const racers = 8
	results := make([]model.ProvisionResult, racers)
	for i := 0; i < racers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = svc.Provision(context.Background(), req)
		}()
	}
	wg.Wait()

	token := results[0].ReservationToken
	require.NotEmpty(t, token)
	for i, r := range results {
		assert.Equal(t, token, r.ReservationToken, "racer %d must attach to the same reservation instead of claiming a second slot", i)
	}

	provisioning := 0
	for _, rec := range backends.ListAll() {
		for _, slot := range rec.Slots {
			if slot.Status == model.SlotProvisioning {
				provisioning++
			}
		}
	}
	assert.Equal(t, 1, provisioning, "concurrent requests with the same key must claim exactly one slot")
}

func TestProvisionPartialWhenFewerCandidatesThanDesired(t *testing.T) {
	svc, backends, executor := newTestService()
	defer executor.Shutdown(time.Second)
	seedSlot(t, backends, "10.0.0.1", "skywars", "solo", "slot-1", 0, 10)

	result := svc.Provision(context.Background(), model.ProvisionRequest{FamilyID: "skywars", VariantID: "solo", DesiredCount: 3, RequesterID: "req-1"})
	assert.Equal(t, model.ProvisionPartial, result.Status)
	assert.Len(t, result.Slots, 1)
}

func TestScoreAndSpreadPrefersDistinctBackendsBeforeSecondSlot(t *testing.T) {
	svc, backends, executor := newTestService()
	defer executor.Shutdown(time.Second)
	seedSlot(t, backends, "10.0.0.1", "skywars", "", "slot-a1", 0, 10)
	seedSlot(t, backends, "10.0.0.2", "skywars", "", "slot-a2", 0, 10)

	candidates := []model.LogicalSlotRecord{}
	for _, rec := range backends.ListAll() {
		for _, s := range rec.Slots {
			candidates = append(candidates, *s)
		}
	}

	picked := svc.scoreAndSpread(candidates, 2)
	require.Len(t, picked, 2)
	assert.NotEqual(t, picked[0].BackendID, picked[1].BackendID, "spreading should prefer distinct backends before a second slot on the same one")
}

func TestRevertUnconfirmedReturnsSlotsToAvailable(t *testing.T) {
	svc, backends, executor := newTestService()
	defer executor.Shutdown(time.Second)
	backendID := seedSlot(t, backends, "10.0.0.1", "skywars", "solo", "slot-1", 0, 10)

	result := svc.Provision(context.Background(), model.ProvisionRequest{FamilyID: "skywars", VariantID: "solo", DesiredCount: 1, RequesterID: "req-1"})
	require.Equal(t, model.ProvisionSatisfied, result.Status)

	rec, ok := backends.Get(backendID)
	require.True(t, ok)
	assert.Equal(t, model.SlotProvisioning, rec.Slots["slot-1"].Status)

	key := reservationKey(model.ProvisionRequest{FamilyID: "skywars", VariantID: "solo", RequesterID: "req-1"})
	svc.revertUnconfirmed(key, []string{"slot-1"})

	rec, ok = backends.Get(backendID)
	require.True(t, ok)
	assert.Equal(t, model.SlotAvailable, rec.Slots["slot-1"].Status, "an unconfirmed claim must revert to AVAILABLE")
}

func TestConfirmClaimPreventsRevert(t *testing.T) {
	svc, backends, executor := newTestService()
	defer executor.Shutdown(time.Second)
	backendID := seedSlot(t, backends, "10.0.0.1", "skywars", "solo", "slot-1", 0, 10)

	result := svc.Provision(context.Background(), model.ProvisionRequest{FamilyID: "skywars", VariantID: "solo", DesiredCount: 1, RequesterID: "req-1"})
	require.Equal(t, model.ProvisionSatisfied, result.Status)

	svc.confirmClaim("slot-1")

	key := reservationKey(model.ProvisionRequest{FamilyID: "skywars", VariantID: "solo", RequesterID: "req-1"})
	svc.revertUnconfirmed(key, []string{"slot-1"})

	rec, ok := backends.Get(backendID)
	require.True(t, ok)
	assert.Equal(t, model.SlotProvisioning, rec.Slots["slot-1"].Status, "a confirmed claim must not be reverted")
}
