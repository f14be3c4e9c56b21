package navstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/navdata"
)

func TestSharedVersion(t *testing.T) {
	s := NewShared(New())
	v0 := s.Version()

	s.Insert()
	assert.Equal(t, v0, s.Version(), "empty insert is not a mutation")

	s.Insert(eph(g07, gnss.SigGPSL1CA, at(0), at(4), at(2), 1))
	v1 := s.Version()
	assert.Greater(t, v1, v0)

	assert.Equal(t, 0, s.Edit(at(0), at(1)))
	assert.Equal(t, v1, s.Version())

	assert.Equal(t, 1, s.EditFrom(at(5)))
	assert.Greater(t, s.Version(), v1)
	assert.Equal(t, 0, s.Len())
}

// TestSharedConcurrentAccess exercises readers against a writer; run with
// -race.
func TestSharedConcurrentAccess(t *testing.T) {
	s := NewShared(New())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.Insert(eph(g07, gnss.SigGPSL1CA, at(float64(i)), at(float64(i)+4), at(float64(i)+1), i))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _ = s.Find(navdata.KindEphemeris, g07, at(float64(i)+2))
				_ = s.Stats()
				s.View(func(st *Store) { _ = st.Satellites(navdata.KindEphemeris) })
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 200, s.Len())
	rec, err := s.Find(navdata.KindEphemeris, g07, at(150.5))
	require.NoError(t, err)
	assert.Equal(t, 149, rec.(*navdata.Ephemeris).IODE)
}
