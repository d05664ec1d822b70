package scanner

import (
	"container/list"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/indicators"
)

// score component names; preset score_weights keys must match
const (
	ComponentVolSurge    = "vol_surge"
	ComponentOIDelta     = "oi_delta"
	ComponentATRQuality  = "atr_quality"
	ComponentCorrelation = "correlation"
	ComponentTPM         = "trades_per_minute"
)

const (
	scoreCacheCap    = 200
	scoreCacheTTL    = 5 * time.Minute
	scoreCacheBucket = time.Minute
)

// rawComponents extracts the unnormalized metric components for one candidate.
// Correlation enters negated in absolute value: co-movement with the base is
// always a score penalty, the weight sign only scales it.
func rawComponents(md *domain.MarketData) map[string]float64 {
	atrQuality := 0.0
	if md.Price > 0 {
		atrQuality = md.ATR15m / md.Price
	}
	return map[string]float64{
		ComponentVolSurge:    md.VolSurge1h,
		ComponentOIDelta:     md.OIDelta,
		ComponentATRQuality:  atrQuality,
		ComponentCorrelation: -math.Abs(md.BTCCorrelation),
		ComponentTPM:         md.TradesPerMinute,
	}
}

// scoreCandidates z-scores each component across the filtered universe and
// combines them with preset weights. Mutates results in place, then ranks:
// score desc, 24h volume desc, symbol asc.
func scoreCandidates(results []*domain.ScanResult, weights map[string]float64) {
	if len(results) == 0 {
		return
	}

	components := []string{ComponentVolSurge, ComponentOIDelta, ComponentATRQuality, ComponentCorrelation, ComponentTPM}
	for _, name := range components {
		values := make([]float64, len(results))
		for i, r := range results {
			values[i] = r.ScoreParts[name]
		}
		zs := indicators.ZScores(values)
		weight := weights[name]
		for i, r := range results {
			r.Score += weight * zs[i]
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		vi, vj := 0.0, 0.0
		if results[i].Market != nil {
			vi = results[i].Market.Volume24hUSD
		}
		if results[j].Market != nil {
			vj = results[j].Market.Volume24hUSD
		}
		if vi != vj {
			return vi > vj
		}
		return results[i].Symbol < results[j].Symbol
	})
	for i, r := range results {
		r.Rank = i + 1
	}
}

// componentCache is a bounded LRU of raw score components keyed by
// (symbol, data-timestamp bucket). Cleared on preset change.
type componentCache struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	order *list.List // front = most recent
	items map[cacheKey]*list.Element
}

type cacheKey struct {
	symbol string
	bucket int64
}

type cacheEntry struct {
	key        cacheKey
	components map[string]float64
	storedAt   time.Time
}

func newComponentCache() *componentCache {
	return &componentCache{
		cap:   scoreCacheCap,
		ttl:   scoreCacheTTL,
		order: list.New(),
		items: make(map[cacheKey]*list.Element),
	}
}

func bucketOf(tsMs int64) int64 {
	return tsMs / scoreCacheBucket.Milliseconds()
}

func (c *componentCache) get(symbol string, tsMs int64, now time.Time) (map[string]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{symbol, bucketOf(tsMs)}
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if now.Sub(entry.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.components, true
}

func (c *componentCache) put(symbol string, tsMs int64, components map[string]float64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{symbol, bucketOf(tsMs)}
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).components = components
		el.Value.(*cacheEntry).storedAt = now
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, components: components, storedAt: now})
	c.items[key] = el

	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// clear drops everything; called when the active preset changes
func (c *componentCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[cacheKey]*list.Element)
}

func (c *componentCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
