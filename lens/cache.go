package lens

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultComplexityCacheEntries is the default number of cached complexity analyses.
const DefaultComplexityCacheEntries = 4096

// ComplexityCache memoizes AnalyzeComplexity by source text. Concurrent analyses of the same source share a
// single evaluation.
type ComplexityCache struct {
	cache *ristretto.Cache[string, *ComplexityInfo]
	group singleflight.Group
}

// NewComplexityCache creates a cache bounded to maxEntries analyses.
func NewComplexityCache(maxEntries int64) (*ComplexityCache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultComplexityCacheEntries
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *ComplexityInfo]{
		NumCounters: 10 * maxEntries, // recommended 10x the number of items
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create complexity cache failed: %w", err)
	}
	return &ComplexityCache{cache: cache}, nil
}

// Analyze returns the complexity analysis of code, computing it on a cache miss.
func (c *ComplexityCache) Analyze(code string) ComplexityInfo {
	key := stringKey(code)
	if info, ok := c.cache.Get(key); ok {
		return info.clone()
	}
	v, _, _ := c.group.Do(key, func() (any, error) {
		info := AnalyzeComplexity(code)
		c.cache.Set(key, &info, 1)
		c.cache.Wait()
		return &info, nil
	})
	return v.(*ComplexityInfo).clone()
}

// Estimate returns the complexity report of code, computing it on a cache miss.
func (c *ComplexityCache) Estimate(code string) ComplexityReport {
	return c.Analyze(code).Report()
}

// Close releases the cache.
func (c *ComplexityCache) Close() {
	c.cache.Close()
}
