// Package llmconfig caches the provider configurations exposed by the
// upstream gateway so every chat session does not re-fetch them.
package llmconfig

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/barambur26/aidock/internal/upstream"
)

// Loader fetches the configuration list from the source of truth.
// Implemented by upstream.Client.
type Loader interface {
	ListConfigs(ctx context.Context) ([]upstream.ModelConfig, error)
}

// Cache is a TTL cache over the provider configuration list. Expired entries
// are refreshed on demand; a refresh failure serves the stale list when one
// exists so a flaky upstream does not take chat selection down with it.
type Cache struct {
	loader Loader
	ttl    time.Duration

	mu       sync.Mutex
	configs  []upstream.ModelConfig
	fetched  time.Time
	hasValue bool
}

// NewCache creates a configuration cache with the given TTL.
func NewCache(loader Loader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{loader: loader, ttl: ttl}
}

// List returns the active provider configurations, refreshing from the
// loader when the cached list has expired.
func (c *Cache) List(ctx context.Context) ([]upstream.ModelConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasValue && time.Since(c.fetched) < c.ttl {
		return snapshot(c.configs), nil
	}

	configs, err := c.loader.ListConfigs(ctx)
	if err != nil {
		if c.hasValue {
			slog.Warn("config refresh failed, serving stale list",
				"age", time.Since(c.fetched), "error", err)
			return snapshot(c.configs), nil
		}
		return nil, fmt.Errorf("load provider configs: %w", err)
	}

	active := configs[:0]
	for _, cfg := range configs {
		if cfg.Active {
			active = append(active, cfg)
		}
	}
	c.configs = active
	c.fetched = time.Now()
	c.hasValue = true
	return snapshot(c.configs), nil
}

// Get returns a single configuration by ID.
func (c *Cache) Get(ctx context.Context, id int64) (*upstream.ModelConfig, error) {
	configs, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range configs {
		if configs[i].ID == id {
			return &configs[i], nil
		}
	}
	return nil, fmt.Errorf("provider config %d not found", id)
}

// Invalidate expires one configuration: the entry disappears from the cached
// list immediately and the next access refetches. The remaining entries stay
// available as the stale fallback should that refetch fail.
func (c *Cache) Invalidate(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.configs {
		if c.configs[i].ID == id {
			c.configs = append(c.configs[:i], c.configs[i+1:]...)
			break
		}
	}
	c.fetched = time.Time{}
}

// InvalidateAll drops the cached list entirely so the next List refetches.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasValue = false
	c.configs = nil
	c.fetched = time.Time{}
}

func snapshot(configs []upstream.ModelConfig) []upstream.ModelConfig {
	out := make([]upstream.ModelConfig, len(configs))
	copy(out, configs)
	return out
}
