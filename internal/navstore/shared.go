package navstore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/metrics"
	"github.com/jprillam8/gnsstk/internal/navdata"
)

// Shared provides thread-safe access to a Store. Writers are the ingest
// goroutine and the retention loop; readers are HTTP handlers and the
// snapshot workers.
type Shared struct {
	mu      sync.RWMutex
	store   *Store
	version atomic.Uint64 // bumped on every mutation
}

// NewShared wraps s. The caller must not use s directly afterwards.
func NewShared(s *Store) *Shared {
	return &Shared{store: s}
}

// Insert adds recs under one write lock.
func (s *Shared) Insert(recs ...navdata.Record) {
	if len(recs) == 0 {
		return
	}
	s.mu.Lock()
	for _, rec := range recs {
		s.store.Insert(rec)
	}
	s.publish()
	s.mu.Unlock()
}

// Edit prunes records outside [start, end).
func (s *Shared) Edit(start, end time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.store.Edit(start, end)
	if n > 0 {
		s.publish()
	}
	return n
}

// EditFrom prunes records that ended at or before start.
func (s *Shared) EditFrom(start time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.store.EditFrom(start)
	if n > 0 {
		s.publish()
	}
	return n
}

// publish must be called with the write lock held.
func (s *Shared) publish() {
	s.version.Add(1)
	for _, k := range navdata.AllKinds {
		metrics.SetStoreRecords(k.String(), s.store.Count(k))
	}
}

// Version changes whenever the contents change.
func (s *Shared) Version() uint64 {
	return s.version.Load()
}

// View runs fn with the read lock held. fn must not retain s past return.
func (s *Shared) View(fn func(s *Store)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.store)
}

func (s *Shared) Find(kind navdata.Kind, sat gnss.SatID, t time.Time) (navdata.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Find(kind, sat, t)
}

func (s *Shared) FindNav(kind navdata.Kind, sat gnss.SatID, nav gnss.NavType, t time.Time) (navdata.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.FindNav(kind, sat, nav, t)
}

func (s *Shared) FindTimeOffset(from, to gnss.TimeSystem, t time.Time) (*navdata.TimeOffset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.FindTimeOffset(from, to, t)
}

func (s *Shared) ComputeState(sat gnss.SatID, t time.Time, fit navdata.FitPolicy) (navdata.Xvt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.ComputeState(sat, t, fit)
}

func (s *Shared) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Len()
}

func (s *Shared) Satellites(kind navdata.Kind) []gnss.SatID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Satellites(kind)
}

func (s *Shared) Records(kind navdata.Kind, sat gnss.SatID) []navdata.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Records(kind, sat)
}

func (s *Shared) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Stats()
}
