package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/contexhq/contex/pkg/observability"
)

// CachedProvider wraps a Provider with a concurrent-safe LRU cache keyed
// by the SHA-256 of the input text. Encodes that miss the cache run on a
// bounded worker pool so CPU-bound embedding work cannot starve the
// request goroutines.
type CachedProvider struct {
	provider Provider
	cache    *lru.Cache[string, []float32]
	sem      chan struct{}
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// CacheConfig tunes the cached provider.
type CacheConfig struct {
	Size    int // LRU entries, default 10000
	Workers int // concurrent encodes, default 4
}

// NewCachedProvider wraps provider with an LRU cache and worker pool.
func NewCachedProvider(provider Provider, cfg CacheConfig, logger observability.Logger, metrics observability.MetricsClient) (*CachedProvider, error) {
	if cfg.Size <= 0 {
		cfg.Size = 10000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	cache, err := lru.New[string, []float32](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	return &CachedProvider{
		provider: provider,
		cache:    cache,
		sem:      make(chan struct{}, cfg.Workers),
		logger:   logger.WithPrefix("embedding.cache"),
		metrics:  metrics,
	}, nil
}

// Name implements Provider.
func (c *CachedProvider) Name() string { return c.provider.Name() }

// Embed implements Provider. Cache hits return immediately; misses
// compute through the underlying provider and populate the cache.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	start := time.Now()

	if vec, ok := c.cache.Get(key); ok {
		c.metrics.RecordCacheOperation("embedding", true, time.Since(start).Seconds())
		return vec, nil
	}

	// Bounded worker pool; the acquire is a suspension point and honors
	// the caller's deadline.
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	vec, err := c.provider.Embed(ctx, text)
	if err != nil {
		c.metrics.IncrementCounter("embedding_errors_total", 1)
		return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}
	if len(vec) != Dimensions {
		c.metrics.IncrementCounter("embedding_errors_total", 1)
		return nil, fmt.Errorf("%w: provider %s returned %d dimensions, want %d",
			ErrProviderFailed, c.provider.Name(), len(vec), Dimensions)
	}

	c.cache.Add(key, vec)
	c.metrics.RecordCacheOperation("embedding", false, time.Since(start).Seconds())
	return vec, nil
}

// Len returns the number of cached entries.
func (c *CachedProvider) Len() int { return c.cache.Len() }

// Purge drops every cached entry.
func (c *CachedProvider) Purge() { c.cache.Purge() }

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
