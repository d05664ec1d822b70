// Package diag records filter decisions, signal conditions and lifecycle
// events into a bounded in-memory ring for near-miss analysis and the
// control API's diagnostics endpoint.
package diag

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is a single appended diagnostic record
type Event struct {
	Ts        time.Time              `json:"ts"`
	Component string                 `json:"component"`
	Stage     string                 `json:"stage"`
	Symbol    string                 `json:"symbol,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Passed    *bool                  `json:"passed,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Collector is a thread-safe append-only ring of diagnostic events
type Collector struct {
	mu     sync.Mutex
	events []Event
	head   int
	size   int
	cap    int

	log zerolog.Logger
}

// DefaultCapacity bounds the per-session diagnostic ring
const DefaultCapacity = 4096

// NewCollector creates a collector with the given ring capacity (0 uses the default)
func NewCollector(capacity int, logger zerolog.Logger) *Collector {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Collector{
		events: make([]Event, capacity),
		cap:    capacity,
		log:    logger,
	}
}

// Record appends a generic event
func (c *Collector) Record(component, stage, symbol, reason string, payload map[string]interface{}) {
	c.append(Event{
		Ts:        time.Now().UTC(),
		Component: component,
		Stage:     stage,
		Symbol:    symbol,
		Reason:    reason,
		Payload:   payload,
	})
}

// RecordFilter appends one scanner filter decision
func (c *Collector) RecordFilter(symbol, filterName string, passed bool, detail map[string]interface{}) {
	p := passed
	c.append(Event{
		Ts:        time.Now().UTC(),
		Component: "scanner",
		Stage:     filterName,
		Symbol:    symbol,
		Passed:    &p,
		Payload:   detail,
	})
	if !passed {
		c.log.Debug().
			Str("symbol", symbol).
			Str("filter", filterName).
			Msg("Filter rejected candidate")
	}
}

// RecordSignalCondition appends one strategy condition evaluation with its
// observed value and threshold, so near-miss analysis can quantify the gap.
func (c *Collector) RecordSignalCondition(symbol, strategy, condition string, value, threshold float64, passed bool) {
	p := passed
	c.append(Event{
		Ts:        time.Now().UTC(),
		Component: "signal",
		Stage:     strategy + ":" + condition,
		Symbol:    symbol,
		Passed:    &p,
		Payload: map[string]interface{}{
			"value":     value,
			"threshold": threshold,
		},
	})
}

func (c *Collector) append(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events[c.head] = e
	c.head = (c.head + 1) % c.cap
	if c.size < c.cap {
		c.size++
	}
}

// Recent returns up to n most recent events, newest last
func (c *Collector) Recent(n int) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 || n > c.size {
		n = c.size
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (c.head - n + i + c.cap) % c.cap
		out[i] = c.events[idx]
	}
	return out
}

// Len returns the number of buffered events
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Shrink halves the ring capacity, dropping the oldest events. Invoked by the
// resource governor under memory pressure; capacity never drops below 256.
func (c *Collector) Shrink() {
	c.mu.Lock()
	defer c.mu.Unlock()

	newCap := c.cap / 2
	if newCap < 256 {
		newCap = 256
	}
	if newCap == c.cap {
		return
	}

	keep := c.size
	if keep > newCap {
		keep = newCap
	}
	events := make([]Event, newCap)
	for i := 0; i < keep; i++ {
		idx := (c.head - keep + i + c.cap) % c.cap
		events[i] = c.events[idx]
	}
	c.events = events
	c.cap = newCap
	c.size = keep
	c.head = keep % newCap
}
