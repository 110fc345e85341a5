package lobby

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
)

const (
	host  = identity.PeerID("DischargeServer_xx")
	aaron = identity.PeerID("Aaron_a1")
	alice = identity.PeerID("alice_aa11")
	bob   = identity.PeerID("bob_bb22")
)

func TestEveryPeerLeadsAlone(t *testing.T) {
	for _, id := range []identity.PeerID{host, alice} {
		l := New(id)
		assert.Equal(t, id, l.Leader())
		assert.True(t, l.IsLocalLeader())
		require.NoError(t, l.CanStart(), "a lone peer may start")
	}
}

func TestOutranks(t *testing.T) {
	assert.True(t, Outranks(alice, bob))
	assert.False(t, Outranks(bob, alice))
	assert.False(t, Outranks(alice, alice))
	assert.True(t, aaron < host, "aaron sorts first")
	assert.True(t, Outranks(host, aaron), "host ids beat player ids")
	assert.False(t, Outranks(aaron, host))
	assert.True(t, Outranks(identity.HostPeerID("aa"), host), "lower host id wins")
}

func TestAddRemove(t *testing.T) {
	l := New(alice)
	assert.False(t, l.Add(alice), "local peer is never a member")
	assert.True(t, l.Add(host))
	assert.False(t, l.Add(host))
	assert.True(t, l.Add(bob))

	m, ok := l.Member(host)
	require.True(t, ok)
	assert.Equal(t, "DischargeServer", m.DisplayName)
	assert.False(t, m.Ready)

	members := l.Members()
	require.Len(t, members, 2)
	assert.Equal(t, host, members[0].PeerID, "sorted by PeerID")
	assert.Equal(t, bob, members[1].PeerID)
	assert.Equal(t, 2, l.Len())

	assert.True(t, l.Remove(host))
	assert.False(t, l.Remove(host))
	_, ok = l.Member(host)
	assert.False(t, ok)
}

func TestSetReady(t *testing.T) {
	l := New(host)
	l.Add(alice)

	changed, err := l.SetReady(alice, true)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = l.SetReady(alice, true)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = l.SetReady(bob, true)
	require.ErrorIs(t, err, ErrUnknownMember)

	assert.True(t, l.SetLocalReady(true))
	assert.False(t, l.SetLocalReady(true))
	assert.True(t, l.LocalReady())
}

func TestAdoptLeader(t *testing.T) {
	l := New(bob)
	assert.False(t, l.AdoptLeader(""))
	assert.True(t, l.AdoptLeader(alice))
	assert.Equal(t, alice, l.Leader())

	assert.False(t, l.AdoptLeader(alice), "same claim is a no-op")
	assert.False(t, l.AdoptLeader(bob), "higher id loses a conflict")
	assert.True(t, l.AdoptLeader(aaron), "lower id wins a conflict")
	assert.True(t, l.AdoptLeader(host), "host beats any player")
	assert.False(t, l.AdoptLeader(aaron))
	assert.Equal(t, host, l.Leader())

	// Both sides of a link end on the same leader whatever the order.
	a, b := New(alice), New(bob)
	b.AdoptLeader(a.Leader())
	a.AdoptLeader(b.Leader())
	assert.Equal(t, alice, a.Leader())
	assert.Equal(t, alice, b.Leader())
}

func TestElectLeader(t *testing.T) {
	l := New(bob)
	l.Add(alice)
	l.Add(aaron)
	l.Add(host)
	l.AdoptLeader(host)
	assert.False(t, l.ElectLeader(), "host still present")

	l.Remove(host)
	assert.True(t, l.ElectLeader())
	assert.Equal(t, aaron, l.Leader())

	l.Remove(aaron)
	assert.True(t, l.ElectLeader())
	assert.Equal(t, alice, l.Leader())

	l.Remove(alice)
	assert.True(t, l.ElectLeader())
	assert.Equal(t, bob, l.Leader())
	assert.True(t, l.IsLocalLeader())
	assert.False(t, l.ElectLeader())
}

func TestAuthorize(t *testing.T) {
	l := New(alice)
	require.NoError(t, l.Authorize(alice))
	require.ErrorIs(t, l.Authorize(host), ErrNotLeader)

	l.AdoptLeader(host)
	require.NoError(t, l.Authorize(host))
	require.ErrorIs(t, l.Authorize(bob), ErrNotLeader)
}

func TestCanStartAndStart(t *testing.T) {
	l := New(host)
	l.Add(alice)
	l.Add(bob)

	require.ErrorIs(t, l.CanStart(), ErrNotAllReady)
	l.SetReady(alice, true)
	require.ErrorIs(t, l.CanStart(), ErrNotAllReady)
	l.SetReady(bob, true)
	require.NoError(t, l.CanStart())

	require.NoError(t, l.Start())
	assert.True(t, l.Started())
	require.ErrorIs(t, l.Start(), ErrAlreadyStarted)
	require.ErrorIs(t, l.CanStart(), ErrAlreadyStarted)

	follower := New(alice)
	follower.AdoptLeader(host)
	require.ErrorIs(t, follower.CanStart(), ErrNotLeader)
}

func TestReset(t *testing.T) {
	h := New(host)
	h.Add(alice)
	h.SetLocalReady(true)
	h.Start()
	h.Reset()
	assert.Zero(t, h.Len())
	assert.False(t, h.Started())
	assert.False(t, h.LocalReady())
	assert.Equal(t, host, h.Leader())

	j := New(alice)
	j.AdoptLeader(host)
	j.Reset()
	assert.Equal(t, alice, j.Leader())
}
