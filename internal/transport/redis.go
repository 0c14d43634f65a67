package transport

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Redis is a Redis pub/sub backed transport adapter. Subscriptions are
// multiplexed through one *redis.PubSub per channel so Unsubscribe can
// target a single channel without disturbing others, mirroring the
// teacher's per-channel LISTEN/UNLISTEN bookkeeping in
// pkg/pgnotify/bus.go, adapted from Postgres NOTIFY to Redis PUBLISH.
type Redis struct {
	client *redis.Client
	log    *logrus.Entry

	mu      sync.Mutex
	pubsubs map[string]*redis.PubSub
	subs    map[string][]Listener
	closed  bool

	status chan StatusEvent
	cancel context.CancelFunc
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis dials Redis and starts the reconnect-with-backoff status
// reporter. It does not verify reachability; call Ping via Probe first.
func NewRedis(opts RedisOptions, log *logrus.Entry) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		client:  client,
		log:     log,
		pubsubs: make(map[string]*redis.PubSub),
		subs:    make(map[string][]Listener),
		status:  make(chan StatusEvent, 8),
		cancel:  cancel,
	}
	go r.watchConnection(ctx)
	return r
}

// Probe reports whether the Redis server is reachable right now. The
// registry uses this at startup to choose between Redis and in-memory
// (§4.B "A runtime probe selects the Redis transport when the client
// library is present and reachable").
func Probe(opts RedisOptions) bool {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return client.Ping(ctx).Err() == nil
}

func (r *Redis) watchConnection(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	connected := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.client.Ping(ctx).Err()
			if err == nil {
				if !connected {
					r.log.Info("redis transport reconnected")
					r.emitStatus(StatusEvent{Connected: true})
					backoff = time.Second
				}
				connected = true
				continue
			}

			connected = false
			r.emitStatus(StatusEvent{Connected: false, Err: err})
			r.log.WithError(err).Warnf("redis transport disconnected, retrying in %s", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (r *Redis) emitStatus(ev StatusEvent) {
	select {
	case r.status <- ev:
	default:
	}
}

// Publish fire-and-forgets a message onto a Redis channel.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens (or reuses) a Redis PubSub subscription for channel and
// registers listener against it.
func (r *Redis) Subscribe(ctx context.Context, channel string, listener Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	r.subs[channel] = append(r.subs[channel], listener)

	if _, exists := r.pubsubs[channel]; exists {
		return nil
	}

	ps := r.client.Subscribe(ctx, channel)
	r.pubsubs[channel] = ps
	go r.consume(channel, ps)
	return nil
}

func (r *Redis) consume(channel string, ps *redis.PubSub) {
	ch := ps.Channel()
	for msg := range ch {
		r.mu.Lock()
		listeners := make([]Listener, len(r.subs[channel]))
		copy(listeners, r.subs[channel])
		r.mu.Unlock()

		for _, l := range listeners {
			l(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Unsubscribe removes a listener from channel; when no listeners remain
// the underlying Redis subscription is closed.
func (r *Redis) Unsubscribe(channel string, listener Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	listeners := r.subs[channel]
	target := reflect.ValueOf(listener).Pointer()
	for i, l := range listeners {
		if reflect.ValueOf(l).Pointer() == target {
			listeners = append(listeners[:i], listeners[i+1:]...)
			break
		}
	}
	r.subs[channel] = listeners

	if len(listeners) == 0 {
		if ps, ok := r.pubsubs[channel]; ok {
			delete(r.pubsubs, channel)
			return ps.Close()
		}
	}
	return nil
}

// Status returns the connectivity status channel.
func (r *Redis) Status() <-chan StatusEvent {
	return r.status
}

// Close tears down every subscription and the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, ps := range r.pubsubs {
		_ = ps.Close()
	}
	r.pubsubs = make(map[string]*redis.PubSub)
	r.mu.Unlock()

	r.cancel()
	return r.client.Close()
}
