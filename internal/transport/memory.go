package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
)

// Network is an in-process rendezvous for MemoryTransports.
// Each test builds its own Network, so sessions never share state.
type Network struct {
	// DialDelay holds every Dial this long before the link opens.
	DialDelay time.Duration

	mu        sync.Mutex
	endpoints map[identity.PeerID]*MemoryTransport
}

// NewNetwork creates an empty Network.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[identity.PeerID]*MemoryTransport)}
}

// Join registers id on the network.
func (n *Network) Join(id identity.PeerID) (*MemoryTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[id]; ok {
		return nil, fmt.Errorf("memory transport: %q: %w", id, ErrIDTaken)
	}
	t := &MemoryTransport{
		net:      n,
		id:       id,
		incoming: make(chan Link, 64),
		done:     make(chan struct{}),
		links:    make(map[*memLink]struct{}),
		dials:    make(map[identity.PeerID]int),
	}
	n.endpoints[id] = t
	return t, nil
}

func (n *Network) lookup(id identity.PeerID) (*MemoryTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.endpoints[id]
	return t, ok
}

func (n *Network) leave(t *MemoryTransport) {
	n.mu.Lock()
	if n.endpoints[t.id] == t {
		delete(n.endpoints, t.id)
	}
	n.mu.Unlock()
}

// MemoryTransport is an in-process Transport for tests.
type MemoryTransport struct {
	net      *Network
	id       identity.PeerID
	incoming chan Link
	done     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	links map[*memLink]struct{}
	dials map[identity.PeerID]int
}

func (t *MemoryTransport) ID() identity.PeerID { return t.id }

func (t *MemoryTransport) Accept() <-chan Link { return t.incoming }

func (t *MemoryTransport) Dial(ctx context.Context, id identity.PeerID) (Link, error) {
	t.mu.Lock()
	t.dials[id]++
	t.mu.Unlock()

	if d := t.net.DialDelay; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.done:
			return nil, ErrClosed
		}
	}

	other, ok := t.net.lookup(id)
	if !ok || other == t {
		return nil, fmt.Errorf("memory transport: dial %q: %w", id, ErrPeerUnavailable)
	}

	local, remote := newMemPair(t, other)
	select {
	case other.incoming <- remote:
	case <-other.done:
		local.Close()
		return nil, fmt.Errorf("memory transport: dial %q: %w", id, ErrPeerUnavailable)
	case <-ctx.Done():
		local.Close()
		return nil, ctx.Err()
	}
	return local, nil
}

// Dials reports how many times Dial was called for id.
func (t *MemoryTransport) Dials(id identity.PeerID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials[id]
}

// Disconnect closes every link between t and id, as a network fault would.
// It returns the number of links closed.
func (t *MemoryTransport) Disconnect(id identity.PeerID) int {
	var victims []*memLink
	t.mu.Lock()
	for l := range t.links {
		if l.remote == id {
			victims = append(victims, l)
		}
	}
	t.mu.Unlock()
	for _, l := range victims {
		l.Close()
	}
	return len(victims)
}

func (t *MemoryTransport) Close() error {
	var err error
	t.stopOnce.Do(func() {
		t.net.leave(t)
		close(t.done)
		t.mu.Lock()
		links := make([]*memLink, 0, len(t.links))
		for l := range t.links {
			links = append(links, l)
		}
		t.mu.Unlock()
		for _, l := range links {
			err = multierr.Append(err, l.Close())
		}
	})
	return err
}

func (t *MemoryTransport) track(l *memLink) {
	t.mu.Lock()
	t.links[l] = struct{}{}
	t.mu.Unlock()
}

func (t *MemoryTransport) untrack(l *memLink) {
	t.mu.Lock()
	delete(t.links, l)
	t.mu.Unlock()
}

// memLink is one end of an in-process link. Frames are queued without bound
// and a pump goroutine feeds them to the reader in order.
type memLink struct {
	owner  *MemoryTransport
	remote identity.PeerID
	peer   *memLink

	out    chan []byte
	done   chan struct{}
	notify chan struct{}

	mu     sync.Mutex
	queue  [][]byte
	closed bool
}

func newMemPair(a, b *MemoryTransport) (*memLink, *memLink) {
	la := newMemLink(a, b.id)
	lb := newMemLink(b, a.id)
	la.peer, lb.peer = lb, la
	a.track(la)
	b.track(lb)
	go la.pump()
	go lb.pump()
	return la, lb
}

func newMemLink(owner *MemoryTransport, remote identity.PeerID) *memLink {
	return &memLink{
		owner:  owner,
		remote: remote,
		out:    make(chan []byte),
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

func (l *memLink) RemoteID() identity.PeerID { return l.remote }

func (l *memLink) Recv() <-chan []byte { return l.out }

func (l *memLink) Done() <-chan struct{} { return l.done }

func (l *memLink) Send(frame []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return l.peer.enqueue(frame)
}

// Close closes both ends. Frames already sent are still delivered.
func (l *memLink) Close() error {
	l.shutdown()
	l.peer.shutdown()
	return nil
}

func (l *memLink) enqueue(frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, buf)
	l.mu.Unlock()
	l.wake()
	return nil
}

func (l *memLink) shutdown() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()
	l.owner.untrack(l)
	l.wake()
}

func (l *memLink) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *memLink) pump() {
	defer close(l.out)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-l.notify:
			case <-l.owner.done:
				return
			}
			continue
		}
		frame := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		select {
		case l.out <- frame:
		case <-l.owner.done:
			return
		}
	}
}
