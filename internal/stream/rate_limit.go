package stream

import (
	"errors"
	"sync"
)

var (
	errPerIPLimit = errors.New("too many concurrent streams from this address")
	errTotalLimit = errors.New("stream capacity reached")
)

// streamLimiter hands out stream slots, bounded per client address and
// overall.
type streamLimiter struct {
	mu       sync.Mutex
	open     map[string]int
	total    int
	maxPerIP int
	maxTotal int
}

func newStreamLimiter(maxPerIP, maxTotal int) *streamLimiter {
	return &streamLimiter{open: make(map[string]int), maxPerIP: maxPerIP, maxTotal: maxTotal}
}

// acquire takes a slot for ip or reports which bound refused it.
func (l *streamLimiter) acquire(ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.total >= l.maxTotal:
		return errTotalLimit
	case l.maxPerIP > 0 && l.open[ip] >= l.maxPerIP:
		return errPerIPLimit
	}
	l.open[ip]++
	l.total++
	return nil
}

func (l *streamLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open[ip] == 0 {
		return
	}
	l.total--
	if l.open[ip]--; l.open[ip] == 0 {
		delete(l.open, ip)
	}
}

// usage returns the open stream count and the number of distinct addresses.
func (l *streamLimiter) usage() (streams, addrs int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, len(l.open)
}

func (l *streamLimiter) count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open[ip]
}
