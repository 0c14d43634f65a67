// Package provisioning implements the Slot Provisioning Service (§4.I):
// matches ProvisionRequests to AVAILABLE catalog slots, claims them on
// their owning backends, and reverts unconfirmed claims on a timeout.
// Grounded on the teacher's worker-pool confirmation pattern
// (infrastructure/service/base.go) and its bus-subscription idiom
// (pkg/pgnotify/bus.go).
package provisioning

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/fulcrum-net/registry-service/internal/bus"
	"github.com/fulcrum-net/registry-service/internal/catalog"
	"github.com/fulcrum-net/registry-service/internal/envelope"
	"github.com/fulcrum-net/registry-service/internal/metrics"
	"github.com/fulcrum-net/registry-service/internal/model"
	"github.com/fulcrum-net/registry-service/internal/registry"
	"github.com/fulcrum-net/registry-service/internal/scheduler"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// confirmationWindow bounds how long a PROVISIONING slot may sit
// unconfirmed before reverting to AVAILABLE.
const confirmationWindow = 10 * time.Second

// reservation tracks one in-flight provisioning claim for idempotence
// (§4.I "Idempotence") and for the confirmation-window revert.
type reservation struct {
	token      string
	slotIDs    []string
	createdAt  time.Time
	confirmed  map[string]bool
}

// provisionFuture is the in-flight marker for a reservation key currently
// being allocated. Concurrent Provision calls for the same key attach to
// it instead of re-entering candidate selection, the provisioning twin of
// the registration handler's I6 future (same unlock→slow-work→relock
// hazard: the bus dispatches each request as an independent job on the
// shared executor with no same-key ordering guarantee).
type provisionFuture struct {
	done   chan struct{}
	result model.ProvisionResult
}

// Service matches provisioning requests to slots and claims them.
type Service struct {
	bus      *bus.Bus
	catalog  *catalog.Catalog
	backends *registry.BackendRegistry
	types    *envelope.TypeRegistry
	log      *logrus.Entry
	queue    *scheduler.Queue

	mu           sync.Mutex
	reservations map[string]*reservation // requesterId|familyId|variantId -> reservation
	inFlight     map[string]*provisionFuture
}

// New constructs a provisioning service over a catalog and the backend
// registry it reads from (needed to apply slot status transitions).
func New(b *bus.Bus, cat *catalog.Catalog, backends *registry.BackendRegistry, log *logrus.Entry) *Service {
	types := envelope.NewTypeRegistry()
	types.Register("SlotStatus", func(data []byte) (any, error) {
		var slot model.LogicalSlotRecord
		if err := json.Unmarshal(data, &slot); err != nil {
			return nil, err
		}
		return slot, nil
	})
	types.Register("SlotFamilyAdvertisement", func(data []byte) (any, error) {
		var advert familyAdvert
		if err := json.Unmarshal(data, &advert); err != nil {
			return nil, err
		}
		return advert, nil
	})

	return &Service{
		bus:          b,
		catalog:      cat,
		backends:     backends,
		types:        types,
		log:          log,
		queue:        scheduler.NewQueue("provisioning-confirmation"),
		reservations: make(map[string]*reservation),
		inFlight:     make(map[string]*provisionFuture),
	}
}

// Start subscribes to the channels that feed the catalog (slot status and
// family advertisements) — the catalog is a passive read-view, so
// something must apply backends' self-reported state into it.
func (s *Service) Start(ctx context.Context) error {
	if err := s.bus.Subscribe(ctx, bus.ChanSlotStatus, s.onSlotStatus); err != nil {
		return err
	}
	return s.bus.Subscribe(ctx, bus.ChanSlotFamilyAdvert, s.onFamilyAdvert)
}

func (s *Service) onSlotStatus(ctx context.Context, env envelope.Envelope) {
	v, ok := s.types.Decode(env)
	if !ok {
		s.log.WithField("payload", env.AsTolerantTree().Map()).Warn("provisioning: malformed slot status payload")
		return
	}
	slot := v.(model.LogicalSlotRecord)
	if err := s.backends.UpdateSlot(slot.BackendID, slot); err != nil {
		s.log.WithError(err).WithField("slot_id", slot.SlotID).Debug("provisioning: slot status for unknown backend")
		return
	}
	if slot.Status == model.SlotAllocated {
		s.confirmClaim(slot.SlotID)
	}
}

type familyAdvert struct {
	BackendID string   `json:"backendId"`
	FamilyID  string   `json:"familyId"`
	Capacity  int      `json:"capacity"`
	Variants  []string `json:"variants"`
}

func (s *Service) onFamilyAdvert(ctx context.Context, env envelope.Envelope) {
	v, ok := s.types.Decode(env)
	if !ok {
		s.log.WithField("payload", env.AsTolerantTree().Map()).Warn("provisioning: malformed family advertisement")
		return
	}
	advert := v.(familyAdvert)
	if err := s.backends.UpdateFamilyCapabilities(advert.BackendID, advert.FamilyID, advert.Capacity); err != nil {
		s.log.WithError(err).Debug("provisioning: family advert for unknown backend")
		return
	}
	s.backends.UpdateFamilyVariants(advert.BackendID, advert.FamilyID, advert.Variants)
}

// reservationKey implements the §4.I idempotence key
// {requesterId, familyId, variantId}.
func reservationKey(req model.ProvisionRequest) string {
	return req.RequesterID + "|" + req.FamilyID + "|" + req.VariantID
}

// Provision matches req against the catalog and claims the winning
// slots. Repeated calls with the same requester/family/variant within
// the confirmation window return the prior reservation's token (§4.I
// idempotence) instead of allocating anew.
func (s *Service) Provision(ctx context.Context, req model.ProvisionRequest) model.ProvisionResult {
	key := reservationKey(req)

	s.mu.Lock()
	if r, ok := s.reservations[key]; ok && time.Since(r.createdAt) <= confirmationWindow {
		token := r.token
		s.mu.Unlock()
		slots := s.slotsByID(r.slotIDs)
		metrics.ProvisionRequests.WithLabelValues("idempotent").Inc()
		return model.ProvisionResult{Status: model.ProvisionSatisfied, ReservationToken: token, Slots: slots}
	}

	// Attach to an allocation already underway for this key rather than
	// starting a second one (same I6 hazard as the registration handler:
	// two concurrent Provision calls for the same key can both pass the
	// idempotence check above before either has reserved anything).
	if f, ok := s.inFlight[key]; ok {
		s.mu.Unlock()
		s.log.WithField("key", key).Debug("provisioning: attaching to in-flight allocation")
		<-f.done
		return f.result
	}

	f := &provisionFuture{done: make(chan struct{})}
	s.inFlight[key] = f
	s.mu.Unlock()

	result := s.allocate(ctx, req, key)

	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
	f.result = result
	close(f.done)
	return result
}

// allocate performs candidate selection, slot claiming, and reservation
// bookkeeping for a key with no allocation currently in flight.
func (s *Service) allocate(ctx context.Context, req model.ProvisionRequest, key string) model.ProvisionResult {
	candidates := s.catalog.SlotsOfFamily(req.FamilyID, statusPtr(model.SlotAvailable))
	if req.VariantID != "" {
		filtered := candidates[:0]
		for _, c := range candidates {
			if c.VariantID == req.VariantID {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	if len(candidates) == 0 {
		metrics.ProvisionRequests.WithLabelValues(string(model.ProvisionExhausted)).Inc()
		return model.ProvisionResult{Status: model.ProvisionExhausted, Reason: "no available slots for family"}
	}

	picked := s.scoreAndSpread(candidates, req.DesiredCount)

	token := uuid.New().String()
	var slotIDs []string
	for i := range picked {
		slot := picked[i]
		slot.Status = model.SlotProvisioning
		if err := s.backends.UpdateSlot(slot.BackendID, slot); err != nil {
			s.log.WithError(err).WithField("slot_id", slot.SlotID).Warn("provisioning: claim transition failed")
			continue
		}
		slotIDs = append(slotIDs, slot.SlotID)
		s.bus.Broadcast(ctx, bus.SlotClaimChannel(slot.BackendID), "SlotClaim", model.SlotClaim{
			SlotID:        slot.SlotID,
			ReservationID: token,
			RequesterID:   req.RequesterID,
		}, "")
	}

	if len(slotIDs) == 0 {
		metrics.ProvisionRequests.WithLabelValues(string(model.ProvisionExhausted)).Inc()
		return model.ProvisionResult{Status: model.ProvisionExhausted, Reason: "claim transition failed for all candidates"}
	}

	s.mu.Lock()
	s.reservations[key] = &reservation{token: token, slotIDs: slotIDs, createdAt: time.Now(), confirmed: make(map[string]bool)}
	s.mu.Unlock()

	s.queue.Submit(func(ctx context.Context) {
		time.Sleep(confirmationWindow)
		s.revertUnconfirmed(key, slotIDs)
	})

	result := model.ProvisionResult{ReservationToken: token, Slots: s.slotsByID(slotIDs)}
	if len(slotIDs) >= req.DesiredCount {
		result.Status = model.ProvisionSatisfied
	} else {
		result.Status = model.ProvisionPartial
		result.Reason = "fewer candidates than desired"
	}
	metrics.ProvisionRequests.WithLabelValues(string(result.Status)).Inc()
	return result
}

// scoreAndSpread orders candidates by (free-capacity desc, lastUpdated
// desc, backend load asc) and picks up to desiredCount, preferring a
// distinct backend per pick before a backend contributes a second slot.
func (s *Service) scoreAndSpread(candidates []model.LogicalSlotRecord, desiredCount int) []model.LogicalSlotRecord {
	sort.SliceStable(candidates, func(i, j int) bool {
		freeI := candidates[i].MaxPlayers - candidates[i].OnlinePlayers
		freeJ := candidates[j].MaxPlayers - candidates[j].OnlinePlayers
		if freeI != freeJ {
			return freeI > freeJ
		}
		if !candidates[i].LastUpdated.Equal(candidates[j].LastUpdated) {
			return candidates[i].LastUpdated.After(candidates[j].LastUpdated)
		}
		return s.catalog.BackendLoad(candidates[i].BackendID) < s.catalog.BackendLoad(candidates[j].BackendID)
	})

	byBackend := make(map[string][]model.LogicalSlotRecord)
	var order []string
	for _, c := range candidates {
		if _, seen := byBackend[c.BackendID]; !seen {
			order = append(order, c.BackendID)
		}
		byBackend[c.BackendID] = append(byBackend[c.BackendID], c)
	}

	var picked []model.LogicalSlotRecord
	for round := 0; len(picked) < desiredCount; round++ {
		advanced := false
		for _, backendID := range order {
			if len(picked) >= desiredCount {
				break
			}
			slots := byBackend[backendID]
			if round >= len(slots) {
				continue
			}
			picked = append(picked, slots[round])
			advanced = true
		}
		if !advanced {
			break
		}
	}
	return picked
}

func (s *Service) slotsByID(ids []string) []*model.LogicalSlotRecord {
	var out []*model.LogicalSlotRecord
	for _, rec := range s.backends.ListAll() {
		for _, slot := range rec.Slots {
			for _, id := range ids {
				if slot.SlotID == id {
					copyVal := *slot
					out = append(out, &copyVal)
				}
			}
		}
	}
	return out
}

func (s *Service) confirmClaim(slotID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reservations {
		for _, id := range r.slotIDs {
			if id == slotID {
				r.confirmed[slotID] = true
			}
		}
	}
}

// revertUnconfirmed reverts any slot in slotIDs that never transitioned
// out of PROVISIONING (i.e. was never confirmed ALLOCATED) back to
// AVAILABLE, and drops the reservation entry.
func (s *Service) revertUnconfirmed(key string, slotIDs []string) {
	s.mu.Lock()
	r, ok := s.reservations[key]
	if ok {
		delete(s.reservations, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	for _, rec := range s.backends.ListAll() {
		for _, slot := range rec.Slots {
			for _, id := range slotIDs {
				if slot.SlotID != id || r.confirmed[id] {
					continue
				}
				if slot.Status != model.SlotProvisioning {
					continue
				}
				reverted := *slot
				reverted.Status = model.SlotAvailable
				if err := s.backends.UpdateSlot(rec.ID.String(), reverted); err != nil {
					s.log.WithError(err).WithField("slot_id", id).Warn("provisioning: revert failed")
				}
			}
		}
	}
}

func statusPtr(st model.Status) *model.Status {
	return &st
}
