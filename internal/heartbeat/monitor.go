// Package heartbeat implements the Heartbeat Monitor (§4.F):
// timeout-based failure detection fed by periodic sweeps on a dedicated
// scheduler queue, grounded on the teacher's ticker-worker idiom
// (infrastructure/service/base.go AddTickerWorker).
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/fulcrum-net/registry-service/internal/metrics"
	"github.com/fulcrum-net/registry-service/internal/scheduler"
	"github.com/sirupsen/logrus"
)

// TimeoutListener is invoked exactly once per node the instant it is
// declared DEAD by the sweep.
type TimeoutListener func(nodeID string)

// GracefulListener is invoked the instant a heartbeat carries
// status=SHUTDOWN, bypassing the cool-down path entirely (§4.F).
type GracefulListener func(nodeID string)

type tracked struct {
	lastSeen time.Time
}

// Config controls sweep cadence and the dead-node threshold.
type Config struct {
	CheckInterval     time.Duration
	HeartbeatTimeout  time.Duration
}

// Monitor tracks per-node last-seen timestamps and declares nodes DEAD on
// a periodic sweep.
type Monitor struct {
	cfg   Config
	log   *logrus.Entry
	queue *scheduler.Queue

	mu      sync.Mutex
	nodes   map[string]*tracked
	stopped bool
	stopCh  chan struct{}

	onTimeout  TimeoutListener
	onGraceful GracefulListener
}

// New constructs a heartbeat monitor. Defaults match §6: 5s check
// interval, 15s timeout.
func New(cfg Config, log *logrus.Entry) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 15 * time.Second
	}
	return &Monitor{
		cfg:    cfg,
		log:    log,
		queue:  scheduler.NewQueue("heartbeat-sweep"),
		nodes:  make(map[string]*tracked),
		stopCh: make(chan struct{}),
	}
}

// SetOnTimeout registers the listener invoked when a node is declared
// DEAD.
func (m *Monitor) SetOnTimeout(l TimeoutListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimeout = l
}

// SetOnGraceful registers the listener invoked when a heartbeat signals
// SHUTDOWN.
func (m *Monitor) SetOnGraceful(l GracefulListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onGraceful = l
}

// Record updates a node's last-seen timestamp. A heartbeat for an unknown
// node starts tracking it anyway (§4.F "Ordering & tie-breaks") — this is
// harmless because eviction also requires the membership registry to
// agree the node exists. status="SHUTDOWN" triggers the graceful path
// immediately, bypassing the cool-down list (§4.F, §8 boundary behavior).
func (m *Monitor) Record(nodeID string, status string) {
	m.mu.Lock()
	if _, ok := m.nodes[nodeID]; !ok {
		m.nodes[nodeID] = &tracked{}
	}
	m.nodes[nodeID].lastSeen = time.Now()
	graceful := m.onGraceful
	m.mu.Unlock()

	if status == "SHUTDOWN" {
		m.mu.Lock()
		delete(m.nodes, nodeID)
		m.mu.Unlock()
		if graceful != nil {
			graceful(nodeID)
		}
	}
}

// Forget removes a node from tracking, used once it has been removed from
// the membership registry (graceful path, or after a timeout has already
// fired) so a stray late heartbeat cannot resurrect it without a fresh
// registration (P4).
func (m *Monitor) Forget(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeID)
}

// Start launches the periodic sweep on its dedicated queue.
func (m *Monitor) Start() {
	go m.run()
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.queue.Submit(func(ctx context.Context) {
				m.sweep()
			})
		}
	}
}

func (m *Monitor) sweep() {
	now := time.Now()

	m.mu.Lock()
	var dead []string
	for id, t := range m.nodes {
		if now.Sub(t.lastSeen) >= m.cfg.HeartbeatTimeout {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(m.nodes, id)
	}
	listener := m.onTimeout
	m.mu.Unlock()

	for _, id := range dead {
		metrics.HeartbeatTimeouts.Inc()
		m.log.WithField("node_id", id).Info("heartbeat timeout: declaring node DEAD")
		if listener != nil {
			listener(id)
		}
	}
}

// Stop halts the sweep goroutine.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	close(m.stopCh)
	m.queue.Shutdown(5 * time.Second)
}
