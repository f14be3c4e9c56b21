package stream

import (
	"sync"
	"sync/atomic"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/metrics"
	"github.com/jprillam8/gnsstk/internal/navdata"
)

// Filter selects the records a subscriber receives. Zero fields match all.
type Filter struct {
	Kind navdata.Kind
	Sys  gnss.System
}

func (f Filter) match(rec navdata.Record) bool {
	if f.Kind != navdata.KindUnknown && rec.Kind() != f.Kind {
		return false
	}
	if f.Sys != gnss.SysUnknown && rec.Meta().Sat.Sys != f.Sys {
		return false
	}
	return true
}

// Subscription is one consumer of the hub.
type Subscription struct {
	C       <-chan navdata.Record
	ch      chan navdata.Record
	filter  Filter
	dropped atomic.Int64
}

// TakeDropped returns the number of records lost since the previous call.
func (s *Subscription) TakeDropped() int64 {
	return s.dropped.Swap(0)
}

// Hub fans inserted records out to subscribers. A subscriber that falls
// behind loses records rather than stalling the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
}

// NewHub creates a hub whose subscriptions buffer up to buffer records.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a consumer. Call Unsubscribe when done.
func (h *Hub) Subscribe(f Filter) *Subscription {
	ch := make(chan navdata.Record, h.buffer)
	s := &Subscription{C: ch, ch: ch, filter: f}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.ch)
}

// Publish offers recs to every matching subscriber without blocking and
// returns the number of records dropped.
func (h *Hub) Publish(recs []navdata.Record) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var dropped int
	for s := range h.subs {
		for _, rec := range recs {
			if !s.filter.match(rec) {
				continue
			}
			select {
			case s.ch <- rec:
			default:
				dropped++
				s.dropped.Add(1)
				metrics.IncStreamMessages("dropped")
			}
		}
	}
	return dropped
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
