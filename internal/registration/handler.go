// Package registration implements the Registration Handler (§4.G): the
// join/leave protocol orchestrator sitting between the membership
// registries, the heartbeat monitor, and the bus. Grounded on the
// teacher's pgnotify-consumer idiom (pkg/pgnotify/bus.go Subscribe) for
// channel wiring and on infrastructure/service/base.go for the
// dedicated-queue retry/timeout pattern.
package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fulcrum-net/registry-service/internal/bus"
	"github.com/fulcrum-net/registry-service/internal/envelope"
	"github.com/fulcrum-net/registry-service/internal/heartbeat"
	"github.com/fulcrum-net/registry-service/internal/identity"
	"github.com/fulcrum-net/registry-service/internal/metrics"
	"github.com/fulcrum-net/registry-service/internal/model"
	"github.com/fulcrum-net/registry-service/internal/registry"
	"github.com/fulcrum-net/registry-service/internal/scheduler"
	"github.com/fulcrum-net/registry-service/internal/svcerr"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// addressDedupWindow is the §4.G step 1 "registered within the last
	// 30s" window for address-based dedup.
	addressDedupWindow = 30 * time.Second
	// retryWindow and retryInterval implement §4.G steps 6-7.
	retryWindow   = 30 * time.Second
	retryInterval = 10 * time.Second
	// cooldownTTL is how long a timed-out node's instance slot is
	// reserved before release, per I4.
	cooldownTTL = 30 * time.Second
)

// resolved caches a RegistrationResponse so repeated requests for the
// same tempId within retryWindow resend it instead of re-allocating
// (R2: at most one NodeAdded per tempId within the window). limiter caps
// actual resend frequency at retryInterval (§4.G step 6 "resend every
// 10s") even if the remote node repeats its request faster than that,
// so a thrashing client can't flood the bus with responses.
type resolved struct {
	response   model.RegistrationResponse
	resolvedAt time.Time
	limiter    *rate.Limiter
}

// future is the in-flight marker for a tempId currently being allocated.
// Concurrent handleRequest calls for the same tempId attach to it instead
// of re-entering allocation, satisfying I6 ("at most one in-flight future
// per temporary ID") even though the bus dispatches each message as an
// independent job on the shared executor with no same-channel ordering
// guarantee.
type future struct {
	done     chan struct{}
	response model.RegistrationResponse
}

// Handler orchestrates §4.G's join/leave protocol.
type Handler struct {
	bus       *bus.Bus
	proxies   *registry.ProxyRegistry
	backends  *registry.BackendRegistry
	hb        *heartbeat.Monitor
	allocator *identity.Allocator
	types     *envelope.TypeRegistry
	log       *logrus.Entry
	queue     *scheduler.Queue

	mu       sync.Mutex
	pending  map[string]*resolved // tempId -> last response, within retryWindow
	inFlight map[string]*future   // tempId -> allocation currently in progress
}

// New constructs a registration handler wired to both membership
// registries, the shared identifier allocator, and the heartbeat
// monitor. It installs itself as the monitor's timeout/graceful listener
// (§4.F feeds §4.G).
func New(b *bus.Bus, proxies *registry.ProxyRegistry, backends *registry.BackendRegistry, allocator *identity.Allocator, hb *heartbeat.Monitor, log *logrus.Entry) *Handler {
	types := envelope.NewTypeRegistry()
	types.Register("RegistrationRequest", func(data []byte) (any, error) {
		var req model.RegistrationRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return req, nil
	})
	types.Register("ServerRemovalNotification", func(data []byte) (any, error) {
		var note model.ServerRemovalNotification
		if err := json.Unmarshal(data, &note); err != nil {
			return nil, err
		}
		return note, nil
	})

	h := &Handler{
		bus:       b,
		proxies:   proxies,
		backends:  backends,
		hb:        hb,
		allocator: allocator,
		types:     types,
		log:       log,
		queue:     scheduler.NewQueue("registration-retry"),
		pending:   make(map[string]*resolved),
		inFlight:  make(map[string]*future),
	}
	hb.SetOnTimeout(h.onHeartbeatTimeout)
	hb.SetOnGraceful(h.onGracefulHeartbeat)
	return h
}

// Start subscribes to the incoming request channels. It never subscribes
// to any emitted-only channel (bus.ChanServerAdded, ChanServerRemoved,
// ChanProxyRemoved, ChanProxyUnavailable, ChanStatusChange,
// ChanReregistrationRequest) — the §4.G invariant against self-consuming
// removal announcements.
func (h *Handler) Start(ctx context.Context) error {
	if err := h.bus.Subscribe(ctx, bus.ChanRegistrationRequest, h.onRegistrationRequest); err != nil {
		return fmt.Errorf("registration: subscribe request channel: %w", err)
	}
	// proxy:unregister carries ServerRemovalNotification for both node
	// kinds (the channel list in §6 has no separate backend-unregister
	// channel; kind is recovered from the node id's prefix).
	if err := h.bus.Subscribe(ctx, bus.ChanProxyUnregister, h.onRemovalNotification); err != nil {
		return fmt.Errorf("registration: subscribe unregister channel: %w", err)
	}
	return nil
}

func (h *Handler) onRegistrationRequest(ctx context.Context, env envelope.Envelope) {
	v, ok := h.types.Decode(env)
	if !ok {
		h.log.WithField("payload", env.AsTolerantTree().Map()).Warn("registration: malformed RegistrationRequest")
		return
	}
	h.handleRequest(ctx, v.(model.RegistrationRequest))
}

// handleRequest dispatches a registration request, attaching to any
// allocation already in flight for the same tempId instead of racing it
// (I6: at most one in-flight future per temporary ID). The bus dispatches
// each handler invocation as an independent job on the shared executor
// with no same-channel ordering guarantee, so two concurrent requests for
// the same tempId can both reach here before either has allocated.
func (h *Handler) handleRequest(ctx context.Context, req model.RegistrationRequest) {
	// BackendJoinRequest always carries a non-empty serverType; proxies
	// never do (§3 BackendRecord vs ProxyRecord field sets).
	isBackend := req.ServerType != ""

	// Step 1: dedup by recently-resolved tempId.
	h.mu.Lock()
	if r, ok := h.pending[req.TempID]; ok && time.Since(r.resolvedAt) <= retryWindow {
		resp := r.response
		allowed := r.limiter.Allow()
		h.mu.Unlock()
		if !allowed {
			h.log.WithField("temp_id", req.TempID).Debug("registration: resend suppressed, client retrying faster than retryInterval")
			return
		}
		h.log.WithField("temp_id", req.TempID).Debug("registration: resending cached response (dedup)")
		h.publishResponse(ctx, resp)
		return
	}

	// Step 1 (concurrent): attach to an allocation already underway for
	// this tempId rather than starting a second one.
	if f, ok := h.inFlight[req.TempID]; ok {
		h.mu.Unlock()
		h.log.WithField("temp_id", req.TempID).Debug("registration: attaching to in-flight allocation (I6)")
		<-f.done
		h.publishResponse(ctx, f.response)
		return
	}

	f := &future{done: make(chan struct{})}
	h.inFlight[req.TempID] = f
	h.mu.Unlock()

	resp := h.allocateAndRespond(ctx, req, isBackend)

	h.mu.Lock()
	delete(h.inFlight, req.TempID)
	h.mu.Unlock()
	f.response = resp
	close(f.done)
}

// allocateAndRespond performs steps 1b-6 of §4.G and returns the response
// published, so handleRequest can hand the same outcome to any caller
// that raced in on the same tempId.
func (h *Handler) allocateAndRespond(ctx context.Context, req model.RegistrationRequest, isBackend bool) model.RegistrationResponse {
	// Step 1b: dedup by recently-registered address.
	if isBackend {
		if id, ok := h.backends.FindByAddress(req.Address, req.Port); ok && h.backends.WasRecentlyRegistered(id, addressDedupWindow.Milliseconds()) {
			return h.resolveAndRespond(ctx, req, id, true, "")
		}
	} else {
		if id, ok := h.proxies.FindByAddress(req.Address, req.Port); ok && h.proxies.WasRecentlyRegistered(id, addressDedupWindow.Milliseconds()) {
			return h.resolveAndRespond(ctx, req, id, true, "")
		}
	}

	// Steps 2-3: allocate and seed liveness.
	var assignedID string
	var err error
	if isBackend {
		var nodeID identity.NodeIdentifier
		nodeID, err = h.backends.Register(registry.BackendJoinRequest{
			ServerType:      req.ServerType,
			Role:            req.Role,
			Address:         req.Address,
			Port:            req.Port,
			MaxCapacity:     req.MaxCapacity,
			Version:         req.Version,
			IdentityVersion: 1,
		})
		if err == nil {
			assignedID = nodeID.String()
		}
	} else {
		var nodeID identity.NodeIdentifier
		nodeID, err = h.proxies.Register(registry.ProxyJoinRequest{
			Address: req.Address,
			Port:    req.Port,
			Version: 1,
		})
		if err == nil {
			assignedID = nodeID.String()
		}
	}

	if err != nil {
		reason := "error"
		if re, ok := svcerr.As(err); ok {
			reason = string(re.Kind)
		}
		metrics.RegistrationsRejected.WithLabelValues(reason).Inc()
		resp := model.RegistrationResponse{TempID: req.TempID, Success: false, Reason: reason}
		h.publishResponse(ctx, resp)
		return resp
	}

	h.hb.Record(assignedID, "") // step 3: seed liveness.
	metrics.RegistrationsAccepted.Inc()
	return h.resolveAndRespond(ctx, req, assignedID, false, "")
}

// resolveAndRespond caches the resolved response (dedup future, step 1/6)
// and publishes it plus a NodeAdded announcement (step 4-5). reused
// indicates the id came from the address-dedup path rather than a fresh
// allocation, so NodeAdded is not re-broadcast (R2: at most one NodeAdded
// per tempId).
func (h *Handler) resolveAndRespond(ctx context.Context, req model.RegistrationRequest, assignedID string, reused bool, reason string) model.RegistrationResponse {
	resp := model.RegistrationResponse{TempID: req.TempID, AssignedID: assignedID, Success: true, Reason: reason}

	h.mu.Lock()
	h.pending[req.TempID] = &resolved{response: resp, resolvedAt: time.Now(), limiter: rate.NewLimiter(rate.Every(retryInterval), 1)}
	h.mu.Unlock()
	h.queue.Submit(func(ctx context.Context) {
		time.Sleep(retryWindow)
		h.mu.Lock()
		if r, ok := h.pending[req.TempID]; ok && time.Since(r.resolvedAt) >= retryWindow {
			delete(h.pending, req.TempID)
		}
		h.mu.Unlock()
	})

	h.publishResponse(ctx, resp)
	if reused {
		return resp
	}

	role := req.Role
	if role == "" {
		role = string(identity.KindProxy)
	}
	h.bus.Broadcast(ctx, bus.ChanServerAdded, "NodeAdded", model.NodeAdded{
		AssignedID: assignedID,
		Role:       role,
		Address:    req.Address,
		Port:       req.Port,
	}, "")
	return resp
}

// publishResponse implements step 4: publish on both the broadcast
// response channel and the tempId-specific channel.
func (h *Handler) publishResponse(ctx context.Context, resp model.RegistrationResponse) {
	if err := h.bus.Broadcast(ctx, bus.ChanRegistrationResponse, "RegistrationResponse", resp, ""); err != nil {
		h.log.WithError(err).Warn("registration: broadcast response failed")
	}
	if err := h.bus.Broadcast(ctx, bus.TempChannel(resp.TempID), "RegistrationResponse", resp, ""); err != nil {
		h.log.WithError(err).Warn("registration: temp-channel response failed")
	}
}

func (h *Handler) onRemovalNotification(ctx context.Context, env envelope.Envelope) {
	v, ok := h.types.Decode(env)
	if !ok {
		h.log.WithField("payload", env.AsTolerantTree().Map()).Warn("registration: malformed ServerRemovalNotification")
		return
	}
	note := v.(model.ServerRemovalNotification)
	h.removeGraceful(ctx, note.NodeID, note.Reason)
}

func (h *Handler) onGracefulHeartbeat(nodeID string) {
	h.removeGraceful(context.Background(), nodeID, "shutdown")
}

// removeGraceful implements the symmetric "graceful and forced
// termination" path for ServerRemovalNotification / SHUTDOWN heartbeats:
// STOPPING, remove, broadcast removal, release ID immediately (no
// cool-down — the node told us it is leaving on purpose).
func (h *Handler) removeGraceful(ctx context.Context, nodeID, reason string) {
	id, err := identity.Parse(nodeID)
	if err != nil {
		h.log.WithError(err).WithField("node_id", nodeID).Warn("registration: cannot parse node id for graceful removal")
		return
	}

	h.hb.Forget(nodeID)

	switch id.Kind {
	case identity.KindBackend:
		if err := h.backends.UpdateStatus(nodeID, model.StatusStopping); err != nil {
			h.log.WithError(err).WithField("node_id", nodeID).Debug("registration: stopping transition rejected")
		}
		h.backends.Remove(nodeID)
		h.bus.Broadcast(ctx, bus.ChanServerRemoved, "NodeRemoved", model.NodeRemoved{
			AssignedID: nodeID, Reason: reason, GracefulShutdown: true,
		}, "")
	case identity.KindProxy:
		if err := h.proxies.UpdateStatus(nodeID, model.StatusStopping); err != nil {
			h.log.WithError(err).WithField("node_id", nodeID).Debug("registration: stopping transition rejected")
		}
		h.proxies.Remove(nodeID)
		h.bus.Broadcast(ctx, bus.ChanProxyRemoved, "NodeRemoved", model.NodeRemoved{
			AssignedID: nodeID, Reason: reason, GracefulShutdown: true,
		}, "")
	}
	h.release(id)
}

// onHeartbeatTimeout implements the forced-termination path: mark DEAD,
// reserve the instance slot for cool-down instead of releasing it
// immediately (I4), broadcast unavailability.
func (h *Handler) onHeartbeatTimeout(nodeID string) {
	ctx := context.Background()
	id, err := identity.Parse(nodeID)
	if err != nil {
		h.log.WithError(err).WithField("node_id", nodeID).Warn("registration: cannot parse node id for timeout eviction")
		return
	}

	switch id.Kind {
	case identity.KindBackend:
		if _, ok := h.backends.Get(nodeID); !ok {
			return
		}
		h.backends.UpdateStatus(nodeID, model.StatusDead)
		h.backends.Remove(nodeID)
		h.bus.Broadcast(ctx, bus.ChanServerRemoved, "NodeRemoved", model.NodeRemoved{
			AssignedID: nodeID, Reason: "timeout", GracefulShutdown: false,
		}, "")
	case identity.KindProxy:
		if _, ok := h.proxies.Get(nodeID); !ok {
			return
		}
		h.proxies.UpdateStatus(nodeID, model.StatusDead)
		h.proxies.Remove(nodeID)
		h.bus.Broadcast(ctx, bus.ChanProxyUnavailable, "NodeRemoved", model.NodeRemoved{
			AssignedID: nodeID, Reason: "timeout", GracefulShutdown: false,
		}, "")
	}

	h.allocator.Reserve(id.Kind, id.InstanceID, cooldownTTL)
}

func (h *Handler) release(id identity.NodeIdentifier) {
	h.allocator.Release(id.Kind, id.InstanceID)
}
