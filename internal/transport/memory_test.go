package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
)

func join(t *testing.T, n *Network, id identity.PeerID) *MemoryTransport {
	t.Helper()
	tr, err := n.Join(id)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func accept(t *testing.T, tr Transport) Link {
	t.Helper()
	select {
	case l := <-tr.Accept():
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for inbound link")
		return nil
	}
}

func recv(t *testing.T, l Link) []byte {
	t.Helper()
	select {
	case f, ok := <-l.Recv():
		require.True(t, ok, "link closed before frame arrived")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

func TestMemoryDialAndExchange(t *testing.T) {
	n := NewNetwork()
	a := join(t, n, "alice_aa11")
	b := join(t, n, "bob_bb22")

	la, err := a.Dial(context.Background(), b.ID())
	require.NoError(t, err)
	lb := accept(t, b)

	assert.Equal(t, b.ID(), la.RemoteID())
	assert.Equal(t, a.ID(), lb.RemoteID())

	require.NoError(t, la.Send([]byte("one")))
	require.NoError(t, la.Send([]byte("two")))
	require.NoError(t, lb.Send([]byte("back")))

	assert.Equal(t, "one", string(recv(t, lb)))
	assert.Equal(t, "two", string(recv(t, lb)))
	assert.Equal(t, "back", string(recv(t, la)))
	assert.Equal(t, 1, a.Dials(b.ID()))
}

func TestMemoryDialUnknownPeer(t *testing.T) {
	n := NewNetwork()
	a := join(t, n, "alice_aa11")

	_, err := a.Dial(context.Background(), "ghost_0000")
	require.ErrorIs(t, err, ErrPeerUnavailable)
}

func TestMemoryJoinTaken(t *testing.T) {
	n := NewNetwork()
	join(t, n, "alice_aa11")
	_, err := n.Join("alice_aa11")
	require.ErrorIs(t, err, ErrIDTaken)
}

func TestMemoryCloseDeliversPendingFrames(t *testing.T) {
	n := NewNetwork()
	a := join(t, n, "alice_aa11")
	b := join(t, n, "bob_bb22")

	la, err := a.Dial(context.Background(), b.ID())
	require.NoError(t, err)
	lb := accept(t, b)

	require.NoError(t, la.Send([]byte("bye")))
	require.NoError(t, la.Close())
	require.ErrorIs(t, la.Send([]byte("late")), ErrClosed)

	assert.Equal(t, "bye", string(recv(t, lb)))
	select {
	case _, ok := <-lb.Recv():
		assert.False(t, ok, "remote Recv should close after the last frame")
	case <-time.After(2 * time.Second):
		t.Fatal("remote end never observed close")
	}
	<-lb.Done()
}

func TestMemoryDisconnect(t *testing.T) {
	n := NewNetwork()
	a := join(t, n, "alice_aa11")
	b := join(t, n, "bob_bb22")

	la, err := a.Dial(context.Background(), b.ID())
	require.NoError(t, err)
	accept(t, b)

	assert.Equal(t, 1, b.Disconnect(a.ID()))
	select {
	case <-la.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dialer side not closed")
	}
}

func TestMemoryDialDelayHonoursContext(t *testing.T) {
	n := NewNetwork()
	n.DialDelay = time.Second
	a := join(t, n, "alice_aa11")
	join(t, n, "bob_bb22")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Dial(ctx, "bob_bb22")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryCloseTransport(t *testing.T) {
	n := NewNetwork()
	a := join(t, n, "alice_aa11")
	b := join(t, n, "bob_bb22")

	la, err := a.Dial(context.Background(), b.ID())
	require.NoError(t, err)
	accept(t, b)

	require.NoError(t, b.Close())
	<-la.Done()

	_, err = a.Dial(context.Background(), b.ID())
	require.ErrorIs(t, err, ErrPeerUnavailable)
}
