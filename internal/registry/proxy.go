// Package registry implements the Membership Registries (§4.E): mirror
// registries for proxies and backends, enforcing invariant I1 (no two
// active records share an address:port) and the status DAG
// RUNNING → EVACUATING → STOPPING → DEAD.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/fulcrum-net/registry-service/internal/identity"
	"github.com/fulcrum-net/registry-service/internal/model"
	"github.com/fulcrum-net/registry-service/internal/svcerr"
)

// StatusListener is notified of every status transition, used to drive
// the §4.E "Any transition emits a StatusChange on the status channel"
// requirement without coupling the registry to the bus directly.
type StatusListener func(change model.StatusChange)

// ProxyJoinRequest carries the fields needed to create a ProxyRecord.
type ProxyJoinRequest struct {
	Address string
	Port    int
	Version int
}

// ProxyRegistry is the membership registry for proxy nodes.
type ProxyRegistry struct {
	mu        sync.RWMutex
	byID      map[string]*model.ProxyRecord
	byAddr    map[string]string // "address:port" -> id
	allocator *identity.Allocator
	listeners []StatusListener
}

// NewProxyRegistry constructs an empty proxy registry over a shared
// identifier allocator.
func NewProxyRegistry(allocator *identity.Allocator) *ProxyRegistry {
	return &ProxyRegistry{
		byID:      make(map[string]*model.ProxyRecord),
		byAddr:    make(map[string]string),
		allocator: allocator,
	}
}

// OnStatusChange registers a listener invoked on every transition.
func (r *ProxyRegistry) OnStatusChange(l StatusListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func addrKey(address string, port int) string {
	return fmt.Sprintf("%s:%d", address, port)
}

// Register allocates an identifier and creates a ProxyRecord, enforcing
// invariant I1.
func (r *ProxyRegistry) Register(req ProxyJoinRequest) (identity.NodeIdentifier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addrKey(req.Address, req.Port)
	if existingID, ok := r.byAddr[key]; ok {
		if rec, ok := r.byID[existingID]; ok && rec.Status != model.StatusDead {
			return identity.NodeIdentifier{}, svcerr.NewInvariantViolation("I1",
				fmt.Sprintf("proxy already registered at %s", key))
		}
	}

	instance, err := r.allocator.AllocateProxy()
	if err != nil {
		return identity.NodeIdentifier{}, err
	}

	id, err := identity.New(identity.KindProxy, instance, req.Version)
	if err != nil {
		r.allocator.Release(identity.KindProxy, instance)
		return identity.NodeIdentifier{}, err
	}

	now := time.Now()
	r.byID[id.String()] = &model.ProxyRecord{
		ID:            id,
		Address:       req.Address,
		Port:          req.Port,
		Status:        model.StatusRunning,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	r.byAddr[key] = id.String()
	return id, nil
}

// Get returns a copy of the proxy record for id, if present.
func (r *ProxyRegistry) Get(id string) (model.ProxyRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return model.ProxyRecord{}, false
	}
	return *rec, true
}

// Remove deletes the proxy record, idempotently (§4.E "remove is
// idempotent").
func (r *ProxyRegistry) Remove(id string) bool {
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

// UpdateStatus transitions a proxy's status, enforcing the status DAG and
// notifying listeners.
func (r *ProxyRegistry) UpdateStatus(id string, to model.Status) error {
	r.mu.Lock()
	rec, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return svcerr.New(svcerr.InvariantViolation, "unknown proxy "+id)
	}
	from := rec.Status
	if !validTransition(from, to) {
		r.mu.Unlock()
		return svcerr.NewInvariantViolation("status-dag",
			fmt.Sprintf("invalid proxy transition %s -> %s", from, to))
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

// RecordHeartbeat updates the last-seen timestamp for id, enforcing
// invariant I2 implicitly via the caller's timeout comparison.
func (r *ProxyRegistry) RecordHeartbeat(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[id]; ok {
		rec.LastHeartbeat = at
	}
}

// ListAll returns a snapshot of every proxy record (read-dominant
// snapshot read per §5).
func (r *ProxyRegistry) ListAll() []model.ProxyRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ProxyRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, *rec)
	}
	return out
}

// ListByRole mirrors the backend registry's contract; proxies carry no
// role distinction, so every active proxy matches any role filter.
func (r *ProxyRegistry) ListByRole(_ string) []model.ProxyRecord {
	return r.ListAll()
}

// WasRecentlyRegistered reports whether id registered within windowMs of
// now, used by the registration handler's dedup step (§4.G step 1).
func (r *ProxyRegistry) WasRecentlyRegistered(id string, windowMs int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return false
	}
	return time.Since(rec.RegisteredAt) <= time.Duration(windowMs)*time.Millisecond
}

// FindByAddress returns the id currently registered at address:port, if
// any (used for §4.G dedup-by-address).
func (r *ProxyRegistry) FindByAddress(address string, port int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addrKey(address, port)]
	return id, ok
}

// validTransition enforces the status DAG RUNNING -> EVACUATING ->
// STOPPING -> DEAD, with direct RUNNING->STOPPING permitted for the
// graceful path and direct RUNNING->DEAD and EVACUATING->DEAD permitted
// for timeout/forced paths (§3 state machine table).
func validTransition(from, to model.Status) bool {
	if from == to {
		return true
	}
	switch from {
	case model.StatusRunning:
		return to == model.StatusEvacuating || to == model.StatusStopping || to == model.StatusDead
	case model.StatusEvacuating:
		return to == model.StatusStopping || to == model.StatusDead
	case model.StatusStopping:
		return to == model.StatusDead
	default:
		return false
	}
}
