// Package shutdown implements the Shutdown Intent Manager (§4.K):
// coordinated, cancellable multi-target graceful shutdown countdowns,
// optionally scheduled via a cron expression. Grounded on the teacher's
// dedicated-queue worker pattern (infrastructure/service/base.go) for
// the countdown ticker and on robfig/cron/v3 (already a pack dependency)
// for ScheduleCron's expression parsing.
package shutdown

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fulcrum-net/registry-service/internal/bus"
	"github.com/fulcrum-net/registry-service/internal/envelope"
	"github.com/fulcrum-net/registry-service/internal/identity"
	"github.com/fulcrum-net/registry-service/internal/metrics"
	"github.com/fulcrum-net/registry-service/internal/model"
	"github.com/fulcrum-net/registry-service/internal/registry"
	"github.com/fulcrum-net/registry-service/internal/scheduler"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// evacuationWaitMax bounds how long an unforced shutdown waits for
// playerCount to reach zero or the target's evacuation to complete,
// before proceeding anyway. The spec names no explicit bound for this
// wait (§4.K is silent) — decided and recorded as an Open Question
// resolution.
const evacuationWaitMax = 120 * time.Second

type intentState string

const (
	stateScheduled intentState = "scheduled"
	stateExecuting intentState = "executing"
	stateCancelled intentState = "cancelled"
	stateDone      intentState = "done"
)

// intent is one in-flight shutdown countdown.
type intent struct {
	id               string
	targets          []model.ShutdownTarget
	countdownSeconds int
	reason           string
	force            bool
	state            intentState
	cancel           chan struct{}
}

// Manager orchestrates shutdown intents.
type Manager struct {
	bus      *bus.Bus
	proxies  *registry.ProxyRegistry
	backends *registry.BackendRegistry
	types    *envelope.TypeRegistry
	log      *logrus.Entry
	queue    *scheduler.Queue

	mu      sync.Mutex
	intents map[string]*intent
}

// New constructs a shutdown intent manager.
func New(b *bus.Bus, proxies *registry.ProxyRegistry, backends *registry.BackendRegistry, log *logrus.Entry) *Manager {
	types := envelope.NewTypeRegistry()
	types.Register("EvacuationResponse", func(data []byte) (any, error) {
		var resp model.EvacuationResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, err
		}
		return resp, nil
	})

	return &Manager{
		bus:      b,
		proxies:  proxies,
		backends: backends,
		types:    types,
		log:      log,
		queue:    scheduler.NewQueue("shutdown-countdown"),
		intents:  make(map[string]*intent),
	}
}

// Start subscribes to evacuation acknowledgements, the consumer half of
// the beginEvacuation/waitForDrain pair (§4.K, §4.C ChanEvacuationResponse).
func (m *Manager) Start(ctx context.Context) error {
	return m.bus.Subscribe(ctx, bus.ChanEvacuationResponse, m.onEvacuationResponse)
}

func (m *Manager) onEvacuationResponse(ctx context.Context, env envelope.Envelope) {
	v, ok := m.types.Decode(env)
	if !ok {
		m.log.WithField("payload", env.AsTolerantTree().Map()).Warn("shutdown: malformed EvacuationResponse")
		return
	}
	resp := v.(model.EvacuationResponse)
	if !resp.Drained {
		return
	}

	id, err := identity.Parse(resp.TargetID)
	if err != nil {
		m.log.WithError(err).WithField("target_id", resp.TargetID).Warn("shutdown: cannot parse evacuation response target id")
		return
	}

	switch id.Kind {
	case identity.KindBackend:
		if err := m.backends.UpdateStatus(resp.TargetID, model.StatusStopping); err != nil {
			m.log.WithError(err).WithField("target_id", resp.TargetID).Debug("shutdown: stopping transition rejected")
		}
	case identity.KindProxy:
		if err := m.proxies.UpdateStatus(resp.TargetID, model.StatusStopping); err != nil {
			m.log.WithError(err).WithField("target_id", resp.TargetID).Debug("shutdown: stopping transition rejected")
		}
	}
}

// CreateIntent starts a countdown for targets, publishing ShutdownStarting
// immediately, per-second ticks, and ShutdownExecute when the countdown
// reaches zero (after, unless force, waiting for targets to drain).
func (m *Manager) CreateIntent(ctx context.Context, targets []model.ShutdownTarget, countdownSeconds int, reason string, force bool) (string, error) {
	id := uuid.New().String()
	it := &intent{
		id:               id,
		targets:          targets,
		countdownSeconds: countdownSeconds,
		reason:           reason,
		force:            force,
		state:            stateScheduled,
		cancel:           make(chan struct{}),
	}

	m.mu.Lock()
	m.intents[id] = it
	m.mu.Unlock()
	metrics.ShutdownIntentsActive.Inc()

	channel := bus.ShutdownChannel(id)
	m.bus.Broadcast(ctx, channel, "ShutdownStarting", map[string]any{
		"intentId":         id,
		"targets":          targets,
		"countdownSeconds": countdownSeconds,
		"reason":           reason,
		"force":            force,
	}, "")

	m.queue.Submit(func(ctx context.Context) {
		m.runCountdown(ctx, it, channel)
	})

	return id, nil
}

// ScheduleCron parses a standard 5-field cron expression and creates the
// intent at its next firing time. The intent's actual id is assigned
// only when it fires and is announced in that intent's ShutdownStarting
// envelope — there is nothing meaningful to return before then.
func (m *Manager) ScheduleCron(ctx context.Context, cronExpr string, targets []model.ShutdownTarget, countdownSeconds int, reason string, force bool) error {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return err
	}
	delay := time.Until(schedule.Next(time.Now()))

	m.queue.Submit(func(ctx context.Context) {
		time.Sleep(delay)
		m.CreateIntent(ctx, targets, countdownSeconds, reason, force)
	})
	return nil
}

func (m *Manager) runCountdown(ctx context.Context, it *intent, channel string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	remaining := it.countdownSeconds
	for remaining > 0 {
		select {
		case <-it.cancel:
			return
		case <-ticker.C:
			remaining--
			m.bus.Broadcast(ctx, channel, "ShutdownTick", map[string]int{"remainingSeconds": remaining}, "")
		}
	}

	m.mu.Lock()
	it.state = stateExecuting
	m.mu.Unlock()

	if !it.force {
		m.beginEvacuation(ctx, it)
		m.waitForDrain(it)
	}

	select {
	case <-it.cancel:
		return
	default:
	}

	m.bus.Broadcast(ctx, channel, "ShutdownExecute", map[string]any{
		"intentId": it.id,
		"targets":  it.targets,
	}, "")

	m.mu.Lock()
	it.state = stateDone
	delete(m.intents, it.id)
	m.mu.Unlock()
	metrics.ShutdownIntentsActive.Dec()
}

// beginEvacuation transitions every in-scope target to EVACUATING and
// publishes ChanEvacuationRequest, so waitForDrain/allDrained's status
// check has a real signal to wait on instead of a status nothing ever
// sets. Transition-rejected targets (already STOPPING or DEAD) are
// logged and skipped, not fatal to the intent.
func (m *Manager) beginEvacuation(ctx context.Context, it *intent) {
	for _, t := range it.targets {
		var err error
		switch t.Kind {
		case model.TargetBackend:
			err = m.backends.UpdateStatus(t.ID, model.StatusEvacuating)
		case model.TargetProxy:
			err = m.proxies.UpdateStatus(t.ID, model.StatusEvacuating)
		}
		if err != nil {
			m.log.WithError(err).WithField("target_id", t.ID).Debug("shutdown: evacuating transition rejected")
		}
	}
	m.bus.Broadcast(ctx, bus.ChanEvacuationRequest, "EvacuationRequest", map[string]any{
		"intentId": it.id,
		"targets":  it.targets,
	}, "")
}

// Evacuate begins evacuation for targets outside of any shutdown
// countdown — the operator console's ad-hoc `evacuate` command (§6),
// for moving players off a node without committing to a shutdown time.
func (m *Manager) Evacuate(ctx context.Context, targets []model.ShutdownTarget) {
	m.beginEvacuation(ctx, &intent{id: uuid.New().String(), targets: targets})
}

// waitForDrain blocks until every target's playerCount reaches zero or
// its evacuation has completed (no longer EVACUATING), or
// evacuationWaitMax elapses.
func (m *Manager) waitForDrain(it *intent) {
	deadline := time.Now().Add(evacuationWaitMax)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if m.allDrained(it) {
			return
		}
		select {
		case <-it.cancel:
			return
		case <-ticker.C:
		}
	}
	m.log.WithField("intent_id", it.id).Warn("shutdown: evacuation wait exceeded, executing anyway")
}

func (m *Manager) allDrained(it *intent) bool {
	for _, t := range it.targets {
		switch t.Kind {
		case model.TargetBackend:
			rec, ok := m.backends.Get(t.ID)
			if !ok {
				continue
			}
			if rec.PlayerCount > 0 && rec.Status == model.StatusEvacuating {
				return false
			}
		case model.TargetProxy:
			rec, ok := m.proxies.Get(t.ID)
			if !ok {
				continue
			}
			if rec.Status == model.StatusEvacuating {
				return false
			}
		}
	}
	return true
}

// CancelIntent aborts a scheduled or executing intent and publishes
// ShutdownCancelled.
func (m *Manager) CancelIntent(ctx context.Context, intentID, requester string) error {
	m.mu.Lock()
	it, ok := m.intents[intentID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	it.state = stateCancelled
	delete(m.intents, intentID)
	m.mu.Unlock()

	close(it.cancel)
	metrics.ShutdownIntentsActive.Dec()
	return m.bus.Broadcast(ctx, bus.ShutdownChannel(intentID), "ShutdownCancelled", map[string]string{
		"intentId":  intentID,
		"requester": requester,
	}, "")
}
