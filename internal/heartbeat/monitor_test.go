package heartbeat

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(interval, timeout time.Duration) *Monitor {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(Config{CheckInterval: interval, HeartbeatTimeout: timeout}, log.WithField("test", true))
}

func TestMonitorDeclaresDeadAfterTimeout(t *testing.T) {
	m := newTestMonitor(10*time.Millisecond, 30*time.Millisecond)

	var mu sync.Mutex
	var timedOut []string
	m.SetOnTimeout(func(nodeID string) {
		mu.Lock()
		timedOut = append(timedOut, nodeID)
		mu.Unlock()
	})

	m.Record("backend-1", "")
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(timedOut) == 1 && timedOut[0] == "backend-1"
	}, time.Second, 5*time.Millisecond)
}

func TestMonitorGracefulShutdownBypassesCooldown(t *testing.T) {
	m := newTestMonitor(time.Hour, time.Hour)

	var graceful []string
	m.SetOnGraceful(func(nodeID string) { graceful = append(graceful, nodeID) })

	m.Record("backend-1", "")
	m.Record("backend-1", "SHUTDOWN")

	assert.Equal(t, []string{"backend-1"}, graceful)
}

func TestMonitorForgetPreventsLateTimeout(t *testing.T) {
	m := newTestMonitor(10*time.Millisecond, 20*time.Millisecond)

	var mu sync.Mutex
	timedOut := false
	m.SetOnTimeout(func(nodeID string) {
		mu.Lock()
		timedOut = true
		mu.Unlock()
	})

	m.Record("backend-1", "")
	m.Forget("backend-1")
	m.Start()
	defer m.Stop()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, timedOut, "a forgotten node must not fire a stale timeout")
}
