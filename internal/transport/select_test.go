package transport

import (
	"io"
	"testing"

	"github.com/fulcrum-net/registry-service/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectHonorsExplicitInMemoryConfig(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := config.New()
	cfg.MessageBus.Type = "IN_MEMORY"

	adapter := Select(cfg, log.WithField("test", true))
	defer adapter.Close()

	_, ok := adapter.(*Memory)
	require.True(t, ok, "explicit IN_MEMORY config must select the Memory adapter")
}

func TestSelectFallsBackToMemoryWhenRedisUnreachable(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := config.New()
	cfg.MessageBus.Type = "REDIS"
	cfg.Redis.Host = "127.0.0.1"
	cfg.Redis.Port = 1 // nothing listens on this port in the test environment

	adapter := Select(cfg, log.WithField("test", true))
	defer adapter.Close()

	_, ok := adapter.(*Memory)
	assert.True(t, ok, "an unreachable redis must fall back to the in-memory transport")
}
