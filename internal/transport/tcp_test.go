package transport

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
	"github.com/Lukas-Petervary/Discharge/internal/protocol"
)

func startTCP(t *testing.T, id identity.PeerID, r Resolver) *TCPTransport {
	t.Helper()
	tr := NewTCP(TCPConfig{ID: id, ListenAddr: "127.0.0.1:0", Resolver: r})
	require.NoError(t, tr.Start())
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTCPDialAndExchange(t *testing.T) {
	res := StaticResolver{}
	a := startTCP(t, "alice_aa11", res)
	b := startTCP(t, "bob_bb22", res)
	res[b.ID()] = b.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	la, err := a.Dial(ctx, b.ID())
	require.NoError(t, err)
	lb := accept(t, b)

	assert.Equal(t, b.ID(), la.RemoteID())
	assert.Equal(t, a.ID(), lb.RemoteID())

	require.NoError(t, la.Send([]byte(`{"type":"start-game","peer":"alice_aa11"}`)))
	assert.Equal(t, `{"type":"start-game","peer":"alice_aa11"}`, string(recv(t, lb)))

	require.NoError(t, lb.Close())
	select {
	case <-la.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dialer did not observe close")
	}
}

func TestTCPCloseFlushesQueuedFrames(t *testing.T) {
	res := StaticResolver{}
	a := startTCP(t, "alice_aa11", res)
	b := startTCP(t, "bob_bb22", res)
	res[b.ID()] = b.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	la, err := a.Dial(ctx, b.ID())
	require.NoError(t, err)
	lb := accept(t, b)

	require.NoError(t, la.Send([]byte(`{"type":"kick-player","peer":"alice_aa11"}`)))
	require.NoError(t, la.Close())
	require.ErrorIs(t, la.Send([]byte("late")), ErrClosed)

	assert.Equal(t, `{"type":"kick-player","peer":"alice_aa11"}`, string(recv(t, lb)))
	select {
	case <-lb.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("remote did not observe close")
	}
}

// A remote that completes the hello and then never reads must not block
// Send; the link is dropped once its queue overflows.
func TestTCPStalledRemoteDropsLink(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	held := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if _, err := readHello(conn); err == nil {
			writeHello(conn, "bob_bb22")
		}
		held <- conn
	}()

	a := NewTCP(TCPConfig{
		ID:         "alice_aa11",
		ListenAddr: "127.0.0.1:0",
		Resolver:   StaticResolver{"bob_bb22": ln.Addr().String()},
		SendQueue:  4,
	})
	require.NoError(t, a.Start())
	t.Cleanup(func() { a.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l, err := a.Dial(ctx, "bob_bb22")
	require.NoError(t, err)
	conn := <-held
	t.Cleanup(func() { conn.Close() })

	frame := bytes.Repeat([]byte("x"), 32*1024)
	start := time.Now()
	for i := 0; i < 10000 && err == nil; i++ {
		err = l.Send(frame)
	}
	require.ErrorIs(t, err, ErrSendQueueFull)
	assert.Less(t, time.Since(start), writeTimeout, "Send blocked on the stalled remote")

	select {
	case <-l.Done():
	default:
		t.Fatal("link still open after overflow")
	}
	require.ErrorIs(t, l.Send(frame), ErrClosed)
}

func TestTCPDialUnresolvable(t *testing.T) {
	a := startTCP(t, "alice_aa11", StaticResolver{})
	_, err := a.Dial(context.Background(), "ghost_0000")
	require.ErrorIs(t, err, ErrPeerUnavailable)
}

func TestTCPDialWrongPeer(t *testing.T) {
	res := StaticResolver{}
	a := startTCP(t, "alice_aa11", res)
	b := startTCP(t, "bob_bb22", res)
	res["carl_cc33"] = b.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := a.Dial(ctx, "carl_cc33")
	require.ErrorIs(t, err, ErrPeerUnavailable)
}

func TestFrameRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("abc")))
	require.NoError(t, writeFrame(&buf, nil))

	f, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(f))
	f, err = readFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, f)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, writeFrame(&buf, []byte(strings.Repeat("x", protocol.MaxFrameSize+1))))

	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := readFrame(&buf)
	require.Error(t, err)
}
