package engine

import (
	"sync"

	"github.com/rangebreak/rangebreak/internal/diag"
	"github.com/rangebreak/rangebreak/internal/domain"
)

// signalQueue is a bounded pending-signal buffer. When full, the oldest
// entry is dropped and a diagnostic records the loss; a fresh signal always
// beats a stale one.
type signalQueue struct {
	mu   sync.Mutex
	buf  []*domain.Signal
	cap  int
	diag *diag.Collector
}

func newSignalQueue(capacity int, collector *diag.Collector) *signalQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &signalQueue{cap: capacity, diag: collector}
}

func (q *signalQueue) push(sig *domain.Signal) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.buf) >= q.cap {
		dropped := q.buf[0]
		q.buf = q.buf[1:]
		if q.diag != nil {
			q.diag.Record("engine", "signal_dropped", dropped.Symbol, "queue full, oldest dropped", map[string]interface{}{
				"signal_id": dropped.ID.String(),
				"strategy":  string(dropped.Strategy),
				"capacity":  q.cap,
			})
		}
	}
	q.buf = append(q.buf, sig)
}

func (q *signalQueue) drain() []*domain.Signal {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.buf
	q.buf = nil
	return out
}

func (q *signalQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
