package seen

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
)

func TestAddAndHas(t *testing.T) {
	s := New()
	o := identity.PeerID("alice_aa11")

	assert.False(t, s.Has(o), "fresh record should not have origin")
	assert.True(t, s.Add(o), "first Add should return true (new)")
	assert.True(t, s.Has(o))
	assert.False(t, s.Add(o), "second Add should return false (duplicate)")
	assert.Equal(t, 1, s.Len())
}

func TestDifferentOriginsIndependent(t *testing.T) {
	s := New()
	s.Add("alice_aa11")

	assert.True(t, s.Has("alice_aa11"))
	assert.False(t, s.Has("bob_bb22"))
}

func TestForget(t *testing.T) {
	s := New()
	s.Add("alice_aa11")

	assert.True(t, s.Forget("alice_aa11"))
	assert.False(t, s.Forget("alice_aa11"))
	assert.False(t, s.Has("alice_aa11"))
	assert.True(t, s.Add("alice_aa11"))
}

func TestOriginsSorted(t *testing.T) {
	s := New()
	s.Add("carl_cc33")
	s.Add("alice_aa11")
	s.Add("bob_bb22")

	assert.Equal(t, []identity.PeerID{"alice_aa11", "bob_bb22", "carl_cc33"}, s.Origins())
}

func TestResetStartsNewEpoch(t *testing.T) {
	s := New()
	first := s.Epoch()
	s.Add("alice_aa11")

	next := s.Reset()
	assert.NotEqual(t, first, next)
	assert.Equal(t, next, s.Epoch())
	assert.Zero(t, s.Len())
	assert.True(t, s.Add("alice_aa11"), "origin is new again after reset")
}

func TestConcurrentAddCountsOnce(t *testing.T) {
	s := New()
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Add("alice_aa11") {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, won)

	for i := 0; i < 100; i++ {
		s.Add(identity.PeerID(fmt.Sprintf("peer_%d", i)))
	}
	assert.Equal(t, 101, s.Len())
}
