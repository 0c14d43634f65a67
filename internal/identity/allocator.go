package identity

import (
	"sync"
	"time"

	"github.com/fulcrum-net/registry-service/internal/svcerr"
)

// reservation holds an instance slot in cool-down until it expires,
// absorbing duplicate re-registration attempts from a crashing node (§4.D).
type reservation struct {
	expiresAt time.Time
}

// perKindState tracks the free pool, in-use set, and cool-down reservations
// for one identifier kind (proxy or backend). Grounded on the teacher's
// mutex-guarded map style (infrastructure/cache/cache.go).
type perKindState struct {
	mu           sync.Mutex
	inUse        map[int]bool
	reservations map[int]reservation
	nextHint     int
}

func newPerKindState() *perKindState {
	return &perKindState{
		inUse:        make(map[int]bool),
		reservations: make(map[int]reservation),
	}
}

// Allocator assigns stable short instance IDs per kind, with release and
// TTL-bound cool-down reservations (§4.D, invariant I4).
type Allocator struct {
	proxy   *perKindState
	backend *perKindState
	now     func() time.Time
}

// NewAllocator constructs an empty allocator for both kinds.
func NewAllocator() *Allocator {
	return &Allocator{
		proxy:   newPerKindState(),
		backend: newPerKindState(),
		now:     time.Now,
	}
}

func (a *Allocator) stateFor(kind Kind) *perKindState {
	if kind == KindProxy {
		return a.proxy
	}
	return a.backend
}

// AllocateProxy allocates the next free instance slot for a proxy.
func (a *Allocator) AllocateProxy() (int, error) {
	return a.allocate(a.proxy)
}

// AllocateBackend allocates the next free instance slot for a backend.
func (a *Allocator) AllocateBackend() (int, error) {
	return a.allocate(a.backend)
}

// allocate picks the lowest free instance, skipping any still held in
// cool-down (tie-break: lowest free instance first).
func (a *Allocator) allocate(s *perKindState) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.expireLocked(s)

	for i := 0; i <= maxInstance; i++ {
		if s.inUse[i] {
			continue
		}
		if _, reserved := s.reservations[i]; reserved {
			continue
		}
		s.inUse[i] = true
		return i, nil
	}
	return 0, svcerr.NewAllocationExhausted(string(kindOf(s, a)))
}

// kindOf is a small helper so the exhaustion error can report which pool
// was full without storing a back-reference on perKindState.
func kindOf(s *perKindState, a *Allocator) Kind {
	if s == a.proxy {
		return KindProxy
	}
	return KindBackend
}

// Release returns an instance slot to the free pool immediately, used for
// graceful shutdown (§3 lifecycle, invariant I4).
func (a *Allocator) Release(kind Kind, instanceID int) {
	s := a.stateFor(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inUse, instanceID)
	delete(s.reservations, instanceID)
}

// Reserve holds a released instance slot in cool-down for ttl, preventing
// reissue while a crashing node might still retry registration (§4.D).
func (a *Allocator) Reserve(kind Kind, instanceID int, ttl time.Duration) {
	s := a.stateFor(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inUse, instanceID)
	s.reservations[instanceID] = reservation{expiresAt: a.now().Add(ttl)}
}

// expireLocked drops cool-down reservations whose TTL has elapsed. Caller
// must hold s.mu.
func (a *Allocator) expireLocked(s *perKindState) {
	now := a.now()
	for id, r := range s.reservations {
		if now.After(r.expiresAt) {
			delete(s.reservations, id)
		}
	}
}

// InUseCount reports the number of currently allocated instances, used by
// the operator console's status command.
func (a *Allocator) InUseCount(kind Kind) int {
	s := a.stateFor(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inUse)
}
