// Package transport defines the peer link interface and provides
// implementations for production (TCP) and testing (in-memory).
package transport

import (
	"context"
	"errors"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
)

var (
	// ErrPeerUnavailable means the remote PeerID is unknown or unreachable.
	ErrPeerUnavailable = errors.New("transport: peer unavailable")
	// ErrClosed is returned by operations on a closed link or transport.
	ErrClosed = errors.New("transport: closed")
	// ErrIDTaken is returned when a PeerID is already registered.
	ErrIDTaken = errors.New("transport: peer id already taken")
	// ErrSendQueueFull is returned when a link's remote stops draining
	// frames. The link is closed when it is returned.
	ErrSendQueueFull = errors.New("transport: send queue full")
)

// Link is a reliable, ordered frame stream to exactly one remote peer.
// Send never blocks on the remote reader. Recv is closed after the last
// frame once the link is closed by either side; Done is closed as soon as
// Close is called.
type Link interface {
	RemoteID() identity.PeerID
	Send(frame []byte) error
	Recv() <-chan []byte
	Done() <-chan struct{}
	Close() error
}

// Transport abstracts the rendezvous and connection substrate.
// The node uses this interface exclusively so that tests can inject an
// in-memory transport without needing real network sockets.
type Transport interface {
	// ID is the local PeerID links are opened under.
	ID() identity.PeerID

	// Dial opens a link to id. It resolves once the link is open and fails
	// with an error wrapping ErrPeerUnavailable if id cannot be reached.
	Dial(ctx context.Context, id identity.PeerID) (Link, error)

	// Accept delivers links opened by remote peers.
	Accept() <-chan Link

	// Close shuts down the transport and all of its links.
	Close() error
}

// Resolver maps a PeerID to a dialable network address.
type Resolver interface {
	Resolve(ctx context.Context, id identity.PeerID) (string, error)
}

// StaticResolver resolves from a fixed table.
type StaticResolver map[identity.PeerID]string

func (r StaticResolver) Resolve(_ context.Context, id identity.PeerID) (string, error) {
	addr, ok := r[id]
	if !ok {
		return "", ErrPeerUnavailable
	}
	return addr, nil
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, id identity.PeerID) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, id identity.PeerID) (string, error) {
	return f(ctx, id)
}
