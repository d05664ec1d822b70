package marketdata

import (
	"sort"
	"sync"

	"github.com/rangebreak/rangebreak/internal/domain"
)

// Book maintains one symbol's live L2 orderbook from stream snapshots and
// deltas. A single stream goroutine writes; readers take cloned snapshots.
type Book struct {
	mu     sync.RWMutex
	symbol string
	bids   map[float64]float64 // price -> size
	asks   map[float64]float64
	seq    int64 // last applied update id
	ts     int64
	synced bool
}

// NewBook creates an empty, unsynced book for a symbol
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   make(map[float64]float64),
		asks:   make(map[float64]float64),
	}
}

// ApplySnapshot replaces the book contents and resets the sequence
func (b *Book) ApplySnapshot(bids, asks []domain.PriceLevel, updateID, ts int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[float64]float64, len(bids))
	for _, lvl := range bids {
		if lvl.Size > 0 {
			b.bids[lvl.Price] = lvl.Size
		}
	}
	b.asks = make(map[float64]float64, len(asks))
	for _, lvl := range asks {
		if lvl.Size > 0 {
			b.asks[lvl.Price] = lvl.Size
		}
	}
	b.seq = updateID
	b.ts = ts
	b.synced = true
}

// ApplyDelta applies an incremental update. The update id must be exactly
// one past the last applied one; a gap or regression returns DataStale and
// marks the book unsynced so the owner forces a fresh snapshot.
func (b *Book) ApplyDelta(bids, asks []domain.PriceLevel, updateID, ts int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.synced {
		return domain.NewError(domain.KindDataStale, "book %s: delta before snapshot", b.symbol)
	}
	if updateID <= b.seq {
		// Bybit re-sends the last update id on reconnect; identical id is a no-op
		if updateID == b.seq {
			return nil
		}
		b.synced = false
		return domain.NewError(domain.KindDataStale, "book %s: update id regressed %d -> %d", b.symbol, b.seq, updateID)
	}
	if updateID != b.seq+1 {
		b.synced = false
		return domain.NewError(domain.KindDataStale, "book %s: update id gap %d -> %d", b.symbol, b.seq, updateID)
	}

	for _, lvl := range bids {
		if lvl.Size == 0 {
			delete(b.bids, lvl.Price)
		} else {
			b.bids[lvl.Price] = lvl.Size
		}
	}
	for _, lvl := range asks {
		if lvl.Size == 0 {
			delete(b.asks, lvl.Price)
		} else {
			b.asks[lvl.Price] = lvl.Size
		}
	}
	b.seq = updateID
	b.ts = ts
	return nil
}

// Invalidate marks the book unsynced, forcing the owner to resubscribe
func (b *Book) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.synced = false
}

// Synced reports whether the book has a valid snapshot applied
func (b *Book) Synced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.synced
}

// Sequence returns the last applied update id
func (b *Book) Sequence() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Snapshot returns a cloned, depth-limited view: bids descending, asks
// ascending. Callers own the returned slices.
func (b *Book) Snapshot(depth int) *domain.OrderBookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids := make([]domain.PriceLevel, 0, len(b.bids))
	for price, size := range b.bids {
		bids = append(bids, domain.PriceLevel{Price: price, Size: size})
	}
	asks := make([]domain.PriceLevel, 0, len(b.asks))
	for price, size := range b.asks {
		asks = append(asks, domain.PriceLevel{Price: price, Size: size})
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	if depth > 0 {
		if len(bids) > depth {
			bids = bids[:depth]
		}
		if len(asks) > depth {
			asks = asks[:depth]
		}
	}

	return &domain.OrderBookSnapshot{
		Symbol:     b.symbol,
		Bids:       bids,
		Asks:       asks,
		SequenceID: b.seq,
		Ts:         b.ts,
	}
}
