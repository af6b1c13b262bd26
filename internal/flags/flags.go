// Package flags is the runtime feature-flag registry (component C8):
// named booleans resolved environment → backing store → default, with
// lock-free reads so hot paths (breaker, scheduler, stream client) never
// contend on a mutex just to check a toggle.
package flags

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Required flag names (§4.8).
const (
	UseStream         = "USE_STREAM"
	UsePollingQueue   = "USE_POLLING_QUEUE"
	UseCircuitBreaker = "USE_CIRCUIT_BREAKER"
)

func storeKey(name string) string { return "feature:" + name }
func envKey(name string) string   { return name }

// Registry resolves and caches boolean flags.
type Registry struct {
	redis    *redis.Client
	defaults map[string]bool

	snapshot atomic.Value // map[string]bool
}

// New builds a Registry with the given defaults and performs an initial
// synchronous resolution so IsEnabled is correct before Start is called.
func New(redisClient *redis.Client, defaults map[string]bool) *Registry {
	r := &Registry{redis: redisClient, defaults: defaults}
	r.refresh(context.Background())
	return r
}

// IsEnabled reads the last-resolved value for name. Lock-free: callers on
// a hot path never block behind a refresh in progress.
func (r *Registry) IsEnabled(name string) bool {
	snap, _ := r.snapshot.Load().(map[string]bool)
	if snap == nil {
		return r.defaults[name]
	}
	if v, ok := snap[name]; ok {
		return v
	}
	return r.defaults[name]
}

// Set writes name's value to the backing store; IsEnabled reflects it only
// after the next refresh. No-op without a backend.
func (r *Registry) Set(ctx context.Context, name string, value bool) error {
	if r.redis == nil {
		return nil
	}
	return r.redis.Set(ctx, storeKey(name), strconv.FormatBool(value), 0).Err()
}

// Start begins a background refresh loop. Cancel ctx to stop it.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.refresh(ctx)
			}
		}
	}()
}

func (r *Registry) refresh(ctx context.Context) {
	resolved := make(map[string]bool, len(r.defaults))
	for name, def := range r.defaults {
		resolved[name] = r.resolve(ctx, name, def)
	}
	r.snapshot.Store(resolved)
}

// resolve implements environment → store → default (§4.8).
func (r *Registry) resolve(ctx context.Context, name string, def bool) bool {
	if raw := os.Getenv(envKey(name)); raw != "" {
		if v, ok := parseBool(raw); ok {
			return v
		}
	}

	if r.redis != nil {
		raw, err := r.redis.Get(ctx, storeKey(name)).Result()
		if err == nil {
			if v, ok := parseBool(raw); ok {
				return v
			}
		} else if err != redis.Nil {
			log.WithError(err).WithField("flag", name).Warn("flags: store read failed, using default")
		}
	}

	return def
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1":
		return true, true
	case "false", "0":
		return false, true
	default:
		return false, false
	}
}
