package dispatch

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chorus-labs/chorus/pkg/store"
)

// Dedup is the handled-message-id set: LRU-capped by count and expired
// by TTL, so growth is bounded without the false-negative window a
// grow-then-clear set would have. Check-and-insert is atomic under one
// lock, which makes the dispatch decision per message id race-free
// within the process.
type Dedup struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = oldest
	cap     int
	ttl     time.Duration

	// ids marked since the last flush, for durable recovery
	pending []string

	now func() time.Time // test hook
}

type dedupEntry struct {
	id      string
	addedAt time.Time
}

// NewDedup creates a dedup set holding at most cap ids, each for at most
// ttl.
func NewDedup(cap int, ttl time.Duration) *Dedup {
	if cap <= 0 {
		cap = 2000
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Dedup{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		cap:     cap,
		ttl:     ttl,
		now:     time.Now,
	}
}

// CheckAndMark reports whether id was already handled and, when it was
// not, marks it. The test and insert are one atomic step.
func (d *Dedup) CheckAndMark(id string) (alreadyHandled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.entries[id]; ok {
		if d.now().Sub(el.Value.(*dedupEntry).addedAt) < d.ttl {
			return true
		}
		// expired: fall through and re-mark
		d.order.Remove(el)
		delete(d.entries, id)
	}

	el := d.order.PushBack(&dedupEntry{id: id, addedAt: d.now()})
	d.entries[id] = el
	d.pending = append(d.pending, id)

	for d.order.Len() > d.cap {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.entries, oldest.Value.(*dedupEntry).id)
	}
	return false
}

// Seen reports membership without marking.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.entries[id]
	if !ok {
		return false
	}
	return d.now().Sub(el.Value.(*dedupEntry).addedAt) < d.ttl
}

// Len returns the current number of tracked ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}

// Preload seeds the set with ids recovered from the store at boot,
// without queueing them for re-flush.
func (d *Dedup) Preload(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		if _, ok := d.entries[id]; ok {
			continue
		}
		el := d.order.PushBack(&dedupEntry{id: id, addedAt: d.now()})
		d.entries[id] = el
		for d.order.Len() > d.cap {
			oldest := d.order.Front()
			d.order.Remove(oldest)
			delete(d.entries, oldest.Value.(*dedupEntry).id)
		}
	}
}

// takePending returns and clears the ids queued for durable flush.
func (d *Dedup) takePending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.pending
	d.pending = nil
	return out
}

// FlushLoop periodically persists newly handled ids and prunes expired
// markers from the store. Blocks until ctx is cancelled; a final flush
// runs on shutdown.
func (d *Dedup) FlushLoop(ctx context.Context, s *store.Store, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.flushOnce(s)
			return
		case <-ticker.C:
			d.flushOnce(s)
			if _, err := s.PruneHandled(d.now().Add(-d.ttl)); err != nil {
				slog.Warn("dedup: prune failed", "error", err)
			}
		}
	}
}

func (d *Dedup) flushOnce(s *store.Store) {
	ids := d.takePending()
	if len(ids) == 0 {
		return
	}
	if err := s.SaveHandled(ids); err != nil {
		slog.Warn("dedup: flush failed", "count", len(ids), "error", err)
		// put them back so the next tick retries
		d.mu.Lock()
		d.pending = append(ids, d.pending...)
		d.mu.Unlock()
		return
	}
	slog.Debug("dedup markers flushed", "count", len(ids))
}
