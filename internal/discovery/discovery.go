// Package discovery resolves the address of an agent's configured parents
// when the operator supplies logical names instead of static host:port pairs
//. It is a thin registry on top of Redis, mirroring the
// service-discovery idiom used across the rest of the domain stack, with a
// local in-memory cache so a transient Redis outage degrades to "use the
// last address we saw" instead of failing upstream connections outright.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/dghilardi/hailstorm/internal/herrors"
	"github.com/dghilardi/hailstorm/internal/logger"
)

const keyPrefix = "hailstorm:agents:"

// Resolver resolves a logical agent name to a dialable address.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
	Register(ctx context.Context, name, address string, ttl time.Duration) error
}

// RedisResolver is the default Resolver, backed by Redis string keys with a
// TTL. Every lookup that
// succeeds refreshes the local cache; every lookup that fails against Redis
// falls back to whatever address is cached, so a registry blip never stalls
// a reconnect loop that already knows where its parent lives.
type RedisResolver struct {
	client *redis.Client
	log    logger.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewRedisResolver builds a client for redisURL (a redis:// connection
// string) without connecting; the connection is made on first use, and
// resolution errors are pushed to the caller, who decides whether a stale
// cache entry is good enough.
func NewRedisResolver(redisURL string, log logger.Logger) (*RedisResolver, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, herrors.New("NewRedisResolver", herrors.KindConfig, fmt.Errorf("invalid redis url: %w", err))
	}
	return &RedisResolver{
		client: redis.NewClient(opts),
		log:    log,
		cache:  make(map[string]string),
	}, nil
}

// Resolve looks up name's address, preferring Redis and falling back to the
// local cache on any Redis error (connection refused, timeout, missing key).
func (r *RedisResolver) Resolve(ctx context.Context, name string) (string, error) {
	addr, err := r.client.Get(ctx, keyPrefix+name).Result()
	if err == nil {
		r.mu.Lock()
		r.cache[name] = addr
		r.mu.Unlock()
		return addr, nil
	}

	r.mu.RLock()
	cached, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		if r.log != nil {
			r.log.Warn("discovery lookup failed, using cached address", map[string]interface{}{
				"name": name, "error": err.Error(),
			})
		}
		return cached, nil
	}

	return "", herrors.New("RedisResolver.Resolve", herrors.KindTransport, fmt.Errorf("resolve %s: %w", name, err))
}

// Register advertises this agent's own address under name with the given
// TTL, refreshed periodically by the caller. Registration is opt-in: an
// agent with only static upstream addresses never calls this.
func (r *RedisResolver) Register(ctx context.Context, name, address string, ttl time.Duration) error {
	if err := r.client.Set(ctx, keyPrefix+name, address, ttl).Err(); err != nil {
		return herrors.New("RedisResolver.Register", herrors.KindTransport, fmt.Errorf("register %s: %w", name, err))
	}
	r.mu.Lock()
	r.cache[name] = address
	r.mu.Unlock()
	return nil
}

// KeepAlive refreshes this agent's registration on every tick of interval
// until ctx is cancelled, logging (not failing) on transient Redis errors.
func (r *RedisResolver) KeepAlive(ctx context.Context, name, address string, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Register(ctx, name, address, ttl); err != nil && r.log != nil {
				r.log.Warn("discovery keepalive failed", map[string]interface{}{"name": name, "error": err.Error()})
			}
		}
	}
}

// StaticResolver resolves from a fixed map, used when no Redis URL is
// configured.
type StaticResolver struct {
	addrs map[string]string
}

// NewStaticResolver builds a Resolver over a fixed name->address map.
func NewStaticResolver(addrs map[string]string) *StaticResolver {
	return &StaticResolver{addrs: addrs}
}

func (s *StaticResolver) Resolve(ctx context.Context, name string) (string, error) {
	addr, ok := s.addrs[name]
	if !ok {
		return "", herrors.Newf("StaticResolver.Resolve", herrors.KindConfig, "no static address configured for %s", name)
	}
	return addr, nil
}

func (s *StaticResolver) Register(ctx context.Context, name, address string, ttl time.Duration) error {
	return nil
}
