package transport

import (
	"github.com/fulcrum-net/registry-service/pkg/config"
	"github.com/sirupsen/logrus"
)

// Select implements the §4.B runtime probe: it honors an explicit
// IN_MEMORY configuration, otherwise tries Redis and falls back to the
// in-memory transport with a loud warning when Redis is unreachable.
func Select(cfg *config.Config, log *logrus.Entry) Adapter {
	if cfg.MessageBus.Type == "IN_MEMORY" {
		log.Info("message bus: using in-memory transport (configured)")
		return NewMemory()
	}

	opts := RedisOptions{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
	}

	if !Probe(opts) {
		log.Warnf("message bus: redis unreachable at %s, falling back to in-memory transport", opts.Addr)
		return NewMemory()
	}

	log.Infof("message bus: using redis transport at %s", opts.Addr)
	return NewRedis(opts, log)
}
