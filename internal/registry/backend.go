package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/fulcrum-net/registry-service/internal/identity"
	"github.com/fulcrum-net/registry-service/internal/model"
	"github.com/fulcrum-net/registry-service/internal/svcerr"
)

// BackendJoinRequest carries the fields needed to create a BackendRecord.
type BackendJoinRequest struct {
	ServerType  string
	Role        string
	Address     string
	Port        int
	MaxCapacity int
	Version     string
	IdentityVersion int
}

// BackendRegistry is the membership registry for backend nodes, extended
// with slot and family-capability bookkeeping (§4.E).
type BackendRegistry struct {
	mu        sync.RWMutex
	byID      map[string]*model.BackendRecord
	byAddr    map[string]string
	allocator *identity.Allocator
	listeners []StatusListener
}

// NewBackendRegistry constructs an empty backend registry.
func NewBackendRegistry(allocator *identity.Allocator) *BackendRegistry {
	return &BackendRegistry{
		byID:      make(map[string]*model.BackendRecord),
		byAddr:    make(map[string]string),
		allocator: allocator,
	}
}

// OnStatusChange registers a listener invoked on every transition.
func (r *BackendRegistry) OnStatusChange(l StatusListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register allocates an identifier and creates a BackendRecord, enforcing
// invariant I1.
func (r *BackendRegistry) Register(req BackendJoinRequest) (identity.NodeIdentifier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addrKey(req.Address, req.Port)
	if existingID, ok := r.byAddr[key]; ok {
		if rec, ok := r.byID[existingID]; ok && rec.Status != model.StatusDead {
			return identity.NodeIdentifier{}, svcerr.NewInvariantViolation("I1",
				fmt.Sprintf("backend already registered at %s", key))
		}
	}

	instance, err := r.allocator.AllocateBackend()
	if err != nil {
		return identity.NodeIdentifier{}, err
	}

	id, err := identity.New(identity.KindBackend, instance, req.IdentityVersion)
	if err != nil {
		r.allocator.Release(identity.KindBackend, instance)
		return identity.NodeIdentifier{}, err
	}

	now := time.Now()
	r.byID[id.String()] = &model.BackendRecord{
		ID:               id,
		ServerType:       req.ServerType,
		Role:             req.Role,
		Address:          req.Address,
		Port:             req.Port,
		MaxCapacity:      req.MaxCapacity,
		Version:          req.Version,
		Status:           model.StatusRunning,
		LastHeartbeat:    now,
		Slots:            make(map[string]*model.LogicalSlotRecord),
		FamilyCapacities: make(map[string]int),
		FamilyVariants:   make(map[string]map[string]struct{}),
	}
	r.byAddr[key] = id.String()
	return id, nil
}

// Get returns a copy of the backend record for id.
func (r *BackendRegistry) Get(id string) (model.BackendRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return model.BackendRecord{}, false
	}
	out := *rec
	out.Slots = rec.CloneSlots()
	return out, true
}

// Remove deletes the backend record and all of its catalog entries
// atomically (§4.H "When a backend is removed, all its entries are
// removed atomically from the catalog" — the catalog itself is just this
// record's Slots/FamilyCapacities, so deleting the record satisfies it).
func (r *BackendRegistry) Remove(id string) bool {
	r.mu.Lock()
	rec, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byID, id)
	delete(r.byAddr, addrKey(rec.Address, rec.Port))
	r.mu.Unlock()
	return true
}

// UpdateStatus transitions a backend's status.
func (r *BackendRegistry) UpdateStatus(id string, to model.Status) error {
	r.mu.Lock()
	rec, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return svcerr.New(svcerr.InvariantViolation, "unknown backend "+id)
	}
	from := rec.Status
	if !validTransition(from, to) {
		r.mu.Unlock()
		return svcerr.NewInvariantViolation("status-dag",
			fmt.Sprintf("invalid backend transition %s -> %s", from, to))
	}
	rec.Status = to
	listeners := make([]StatusListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		l(model.StatusChange{NodeID: id, From: from, To: to})
	}
	return nil
}

// RecordHeartbeat updates last-seen timestamp, load, and TPS.
func (r *BackendRegistry) RecordHeartbeat(id string, at time.Time, playerCount int, tps float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[id]; ok {
		rec.LastHeartbeat = at
		rec.PlayerCount = playerCount
		rec.TPS = tps
	}
}

// ListAll returns a snapshot of every backend record.
func (r *BackendRegistry) ListAll() []model.BackendRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.BackendRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		copyVal := *rec
		copyVal.Slots = rec.CloneSlots()
		out = append(out, copyVal)
	}
	return out
}

// ListByRole filters backends by their advertised role.
func (r *BackendRegistry) ListByRole(role string) []model.BackendRecord {
	all := r.ListAll()
	out := make([]model.BackendRecord, 0, len(all))
	for _, rec := range all {
		if rec.Role == role {
			out = append(out, rec)
		}
	}
	return out
}

// WasRecentlyRegistered reports whether id's last heartbeat (set at
// registration and refreshed by RecordHeartbeat) falls within windowMs
// (used for §4.G dedup). Backend records keep no separate registration
// time, so a backend that keeps heartbeating always counts as recent.
func (r *BackendRegistry) WasRecentlyRegistered(id string, windowMs int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return false
	}
	return time.Since(rec.LastHeartbeat) <= time.Duration(windowMs)*time.Millisecond
}

// FindByAddress returns the id currently registered at address:port.
func (r *BackendRegistry) FindByAddress(address string, port int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addrKey(address, port)]
	return id, ok
}

// UpdateSlot upserts a logical slot's status on a backend, enforcing
// invariant I3 (slot counts per family never exceed the advertised
// capacity) on advertisement, not on transient status churn.
func (r *BackendRegistry) UpdateSlot(backendID string, slot model.LogicalSlotRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[backendID]
	if !ok {
		return svcerr.New(svcerr.InvariantViolation, "unknown backend "+backendID)
	}

	if _, exists := rec.Slots[slot.SlotID]; !exists {
		if capacity, hasCapacity := rec.FamilyCapacities[slot.FamilyID]; hasCapacity {
			count := 0
			for _, s := range rec.Slots {
				if s.FamilyID == slot.FamilyID {
					count++
				}
			}
			if count >= capacity {
				return svcerr.NewInvariantViolation("I3",
					fmt.Sprintf("family %s at backend %s already at advertised capacity %d", slot.FamilyID, backendID, capacity))
			}
		}
	}

	slot.LastUpdated = time.Now()
	slot.BackendID = backendID
	rec.Slots[slot.SlotID] = &slot
	return nil
}

// UpdateFamilyCapabilities sets a backend's advertised per-family
// capacity.
func (r *BackendRegistry) UpdateFamilyCapabilities(backendID, familyID string, capacity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[backendID]
	if !ok {
		return svcerr.New(svcerr.InvariantViolation, "unknown backend "+backendID)
	}
	rec.FamilyCapacities[familyID] = capacity
	return nil
}

// UpdateFamilyVariants sets the set of variants a backend advertises for
// a family.
func (r *BackendRegistry) UpdateFamilyVariants(backendID, familyID string, variants []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[backendID]
	if !ok {
		return svcerr.New(svcerr.InvariantViolation, "unknown backend "+backendID)
	}
	set := make(map[string]struct{}, len(variants))
	for _, v := range variants {
		set[v] = struct{}{}
	}
	rec.FamilyVariants[familyID] = set
	return nil
}
