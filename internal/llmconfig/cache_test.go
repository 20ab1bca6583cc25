package llmconfig

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/barambur26/aidock/internal/upstream"
)

type fakeLoader struct {
	configs []upstream.ModelConfig
	err     error
	calls   int
}

func (l *fakeLoader) ListConfigs(ctx context.Context) ([]upstream.ModelConfig, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.configs, nil
}

func twoConfigs() []upstream.ModelConfig {
	return []upstream.ModelConfig{
		{ID: 1, Name: "OpenAI", Provider: "openai", DefaultModel: "gpt-4o", Active: true},
		{ID: 2, Name: "Disabled", Provider: "azure", Active: false},
	}
}

func TestListCachesWithinTTL(t *testing.T) {
	loader := &fakeLoader{configs: twoConfigs()}
	cache := NewCache(loader, time.Minute)

	for i := 0; i < 3; i++ {
		configs, err := cache.List(context.Background())
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(configs) != 1 {
			t.Fatalf("Expected only active configs, got %d", len(configs))
		}
	}
	if loader.calls != 1 {
		t.Errorf("Expected one loader call, got %d", loader.calls)
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	loader := &fakeLoader{configs: twoConfigs()}
	cache := NewCache(loader, time.Minute)

	if _, err := cache.List(context.Background()); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	cache.InvalidateAll()
	if _, err := cache.List(context.Background()); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if loader.calls != 2 {
		t.Errorf("Expected reload after invalidate, got %d calls", loader.calls)
	}
}

func TestInvalidateSingleConfigForcesReload(t *testing.T) {
	loader := &fakeLoader{configs: twoConfigs()}
	cache := NewCache(loader, time.Minute)

	if _, err := cache.List(context.Background()); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	cache.Invalidate(1)
	if _, err := cache.List(context.Background()); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if loader.calls != 2 {
		t.Errorf("Expected reload after single invalidate, got %d calls", loader.calls)
	}
}

func TestInvalidatedEntryAbsentFromStaleFallback(t *testing.T) {
	loader := &fakeLoader{configs: []upstream.ModelConfig{
		{ID: 1, Name: "OpenAI", Provider: "openai", DefaultModel: "gpt-4o", Active: true},
		{ID: 3, Name: "Anthropic", Provider: "anthropic", DefaultModel: "claude-3", Active: true},
	}}
	cache := NewCache(loader, time.Minute)

	if _, err := cache.List(context.Background()); err != nil {
		t.Fatalf("List failed: %v", err)
	}

	cache.Invalidate(3)
	loader.err = errors.New("upstream down")

	configs, err := cache.List(context.Background())
	if err != nil {
		t.Fatalf("Expected stale list on refresh failure, got %v", err)
	}
	if len(configs) != 1 || configs[0].ID != 1 {
		t.Errorf("Expected invalidated entry dropped from stale list, got %+v", configs)
	}
}

func TestExpiredEntryIsRefreshed(t *testing.T) {
	loader := &fakeLoader{configs: twoConfigs()}
	cache := NewCache(loader, 10*time.Millisecond)

	if _, err := cache.List(context.Background()); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := cache.List(context.Background()); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if loader.calls != 2 {
		t.Errorf("Expected refresh after TTL, got %d calls", loader.calls)
	}
}

func TestRefreshFailureServesStaleList(t *testing.T) {
	loader := &fakeLoader{configs: twoConfigs()}
	cache := NewCache(loader, 10*time.Millisecond)

	if _, err := cache.List(context.Background()); err != nil {
		t.Fatalf("List failed: %v", err)
	}

	loader.err = errors.New("upstream down")
	time.Sleep(20 * time.Millisecond)

	configs, err := cache.List(context.Background())
	if err != nil {
		t.Fatalf("Expected stale list on refresh failure, got %v", err)
	}
	if len(configs) != 1 || configs[0].ID != 1 {
		t.Errorf("Unexpected stale list: %+v", configs)
	}
}

func TestFirstLoadFailurePropagates(t *testing.T) {
	loader := &fakeLoader{err: errors.New("upstream down")}
	cache := NewCache(loader, time.Minute)

	if _, err := cache.List(context.Background()); err == nil {
		t.Fatal("Expected error with no cached value")
	}
}

func TestGetByID(t *testing.T) {
	loader := &fakeLoader{configs: twoConfigs()}
	cache := NewCache(loader, time.Minute)

	cfg, err := cache.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cfg.DefaultModel != "gpt-4o" {
		t.Errorf("Unexpected config: %+v", cfg)
	}

	if _, err := cache.Get(context.Background(), 2); err == nil {
		t.Error("Expected inactive config to be invisible")
	}
}
