// Package node implements the Discharge session engine.
//
// Design:
//   - One goroutine (loop) owns every piece of protocol state: the connection
//     registry, the handshake record and the lobby. Nothing else touches them.
//   - Link readers, dialers and public API calls post closures onto the loop
//     inbox. A dial runs on its own goroutine and posts its result back, so a
//     dial in flight is visible to the loop as a pending entry.
//   - Handshakes drive mesh formation: each origin is processed once, dialed
//     if unknown, and relayed one hop when it arrives directly from its origin.
//   - Once the game starts a fixed-rate ticker broadcasts the local position
//     whenever it changed.
package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
	"github.com/Lukas-Petervary/Discharge/internal/lobby"
	"github.com/Lukas-Petervary/Discharge/internal/protocol"
	"github.com/Lukas-Petervary/Discharge/internal/seen"
	"github.com/Lukas-Petervary/Discharge/internal/transport"
)

const (
	defaultTickRate    = 20 // position broadcasts per second
	defaultDialTimeout = 10 * time.Second
	defaultEventBuffer = 256
	inboxDepth         = 256
)

var (
	ErrSelfDial         = errors.New("node: refusing to dial self")
	ErrAlreadyConnected = errors.New("node: peer already connected or dial pending")
	ErrUnknownPeer      = errors.New("node: no link to peer")
	ErrKickSelf         = errors.New("node: cannot kick self")
	ErrStopped          = errors.New("node: stopped")
	ErrLeft             = errors.New("node: session left while dialing")
)

// Config configures a Node.
type Config struct {
	Transport   transport.Transport
	Bootstrap   []identity.PeerID // peers to dial on start
	TickRate    int               // position broadcasts per second; defaults to defaultTickRate
	DialTimeout time.Duration
	EventBuffer int // position, chat and alert events held for a slow observer
	Logger      *zap.Logger
	Registry    prometheus.Registerer // nil gets a private registry
}

// Snapshot is a consistent copy of the node's state.
type Snapshot struct {
	ID         identity.PeerID
	Epoch      uuid.UUID
	Leader     identity.PeerID
	Members    []lobby.Member
	Links      []LinkInfo
	Pending    []identity.PeerID
	Record     []identity.PeerID
	Relays     map[identity.PeerID]int
	LocalReady bool
	Started    bool
	Sent       uint64
	Received   uint64
}

// LinkInfo describes one registry entry.
type LinkInfo struct {
	Peer       identity.PeerID
	Handshaked bool
	Outbound   bool
}

// Node is the Discharge session engine.
type Node struct {
	cfg     Config
	self    identity.PeerID
	tr      transport.Transport
	log     *zap.Logger
	metrics *metrics
	inbox   chan func()
	events  *eventQueue

	ctx      context.Context // cancelled on Stop; parent of every dial
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup

	// Owned by loop.
	entries  map[identity.PeerID]*entry
	pending  map[identity.PeerID]*dial
	record   *seen.Set
	lobby    *lobby.Lobby
	relays   map[identity.PeerID]int
	position protocol.Position
	moved    bool
	sent     uint64
	received uint64
}

// New creates a Node over cfg.Transport.
func New(cfg Config) (*Node, error) {
	if cfg.Transport == nil {
		return nil, errors.New("node: transport is required")
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = defaultTickRate
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	self := cfg.Transport.ID()
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		self:     self,
		tr:       cfg.Transport,
		log:      cfg.Logger.Named("node").With(zap.Stringer("self", self)),
		metrics:  newMetrics(cfg.Registry, string(self)),
		inbox:    make(chan func(), inboxDepth),
		events:   newEventQueue(cfg.EventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
		entries:  make(map[identity.PeerID]*entry),
		pending:  make(map[identity.PeerID]*dial),
		record:   seen.New(),
		lobby:    lobby.New(self),
		relays:   make(map[identity.PeerID]int),
	}
	n.position.Peer = self
	return n, nil
}

// ID is the local PeerID.
func (n *Node) ID() identity.PeerID { return n.self }

// Start launches the event loop and dials the bootstrap peers.
func (n *Node) Start() error {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.events.pump(n.stopCh)
	}()
	go n.loop()
	for _, id := range n.cfg.Bootstrap {
		id := id
		n.post(func() {
			if err := n.connect(id, nil); err != nil {
				n.log.Warn("bootstrap dial refused", zap.Stringer("peer", id), zap.Error(err))
			}
		})
	}
	return nil
}

// Stop shuts down the node and its transport.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		n.cancel()
		close(n.stopCh)
		<-n.loopDone
		err = multierr.Append(err, n.closeAll())
		err = multierr.Append(err, n.tr.Close())
		n.wg.Wait()
	})
	return err
}

// Events returns the observer channel.
func (n *Node) Events() <-chan Event {
	return n.events.out
}

// ConnectToPeer dials id and waits until the link is registered or the dial
// fails. It refuses with ErrSelfDial or ErrAlreadyConnected without dialing.
func (n *Node) ConnectToPeer(ctx context.Context, id identity.PeerID) error {
	result := make(chan error, 1)
	var refused error
	if err := n.do(ctx, func() { refused = n.connect(id, result) }); err != nil {
		return err
	}
	if refused != nil {
		return refused
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopCh:
		return ErrStopped
	}
}

// SetReady toggles the local ready flag and tells every linked peer.
func (n *Node) SetReady(ctx context.Context, ready bool) error {
	return n.do(ctx, func() {
		if !n.lobby.SetLocalReady(ready) {
			return
		}
		n.broadcast(protocol.LobbyReady{Header: n.header(), Ready: ready})
		n.emit(ReadyChanged{Peer: n.self, Ready: ready})
	})
}

// StartGame starts the session. Only the leader may start, and only when
// every other member is ready.
func (n *Node) StartGame(ctx context.Context) error {
	var err error
	if derr := n.do(ctx, func() { err = n.startGame() }); derr != nil {
		return derr
	}
	return err
}

// Kick removes id from the session. Only the leader may kick.
func (n *Node) Kick(ctx context.Context, id identity.PeerID) error {
	var err error
	if derr := n.do(ctx, func() { err = n.kick(id) }); derr != nil {
		return derr
	}
	return err
}

// Leave closes every link and forgets the session.
func (n *Node) Leave(ctx context.Context) error {
	return n.do(ctx, n.leave)
}

// SendChat broadcasts a chat line.
func (n *Node) SendChat(ctx context.Context, msg string) error {
	return n.do(ctx, func() { n.broadcast(protocol.Chat{Header: n.header(), Message: msg}) })
}

// SendAlert broadcasts a notice.
func (n *Node) SendAlert(ctx context.Context, msg string) error {
	return n.do(ctx, func() { n.broadcast(protocol.Alert{Header: n.header(), Message: msg}) })
}

// SetPosition records the local player position. It goes out on the next
// tick once the game has started.
func (n *Node) SetPosition(ctx context.Context, x, y, z float64) error {
	return n.do(ctx, func() {
		if n.position.X == x && n.position.Y == y && n.position.Z == z {
			return
		}
		n.position.X, n.position.Y, n.position.Z = x, y, z
		n.moved = true
	})
}

// Snapshot copies the current state.
func (n *Node) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := n.do(ctx, func() { s = n.snapshot() })
	return s, err
}

func (n *Node) loop() {
	defer close(n.loopDone)
	ticker := time.NewTicker(time.Second / time.Duration(n.cfg.TickRate))
	defer ticker.Stop()
	accept := n.tr.Accept()
	for {
		select {
		case <-n.stopCh:
			return
		case fn := <-n.inbox:
			fn()
		case l, ok := <-accept:
			if !ok {
				accept = nil
				continue
			}
			n.register(l, false)
		case <-ticker.C:
			n.tick()
		}
	}
}

// post queues fn for the loop. It drops fn once the node is stopping.
func (n *Node) post(fn func()) {
	select {
	case n.inbox <- fn:
	case <-n.stopCh:
	}
}

// do runs fn on the loop and waits for it.
func (n *Node) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case n.inbox <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopCh:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopCh:
		return ErrStopped
	}
}

func (n *Node) header() protocol.Header {
	return protocol.Header{Peer: n.self}
}

// send encodes p and writes it to one link.
func (n *Node) send(l transport.Link, p protocol.Packet) {
	frame, err := protocol.Encode(p)
	if err != nil {
		n.log.Error("encode failed", zap.String("type", string(p.Type())), zap.Error(err))
		return
	}
	n.sendFrame(l, p.Type(), frame)
}

func (n *Node) sendFrame(l transport.Link, typ protocol.Type, frame []byte) bool {
	if err := l.Send(frame); err != nil {
		n.log.Debug("send failed", zap.Stringer("peer", l.RemoteID()), zap.String("type", string(typ)), zap.Error(err))
		return false
	}
	n.sent++
	n.metrics.packetsSent.WithLabelValues(string(typ)).Inc()
	return true
}

// broadcast sends p on every open link.
func (n *Node) broadcast(p protocol.Packet) {
	frame, err := protocol.Encode(p)
	if err != nil {
		n.log.Error("encode failed", zap.String("type", string(p.Type())), zap.Error(err))
		return
	}
	for _, e := range n.sortedEntries() {
		n.sendFrame(e.link, p.Type(), frame)
	}
}

func (n *Node) tick() {
	if !n.lobby.Started() || !n.moved {
		return
	}
	n.moved = false
	n.broadcast(n.position)
}

func (n *Node) snapshot() Snapshot {
	s := Snapshot{
		ID:         n.self,
		Epoch:      n.record.Epoch(),
		Leader:     n.lobby.Leader(),
		Members:    n.lobby.Members(),
		Record:     n.record.Origins(),
		Relays:     make(map[identity.PeerID]int, len(n.relays)),
		LocalReady: n.lobby.LocalReady(),
		Started:    n.lobby.Started(),
		Sent:       n.sent,
		Received:   n.received,
	}
	for _, e := range n.sortedEntries() {
		s.Links = append(s.Links, LinkInfo{Peer: e.id, Handshaked: e.handshaked, Outbound: e.outbound})
	}
	for id := range n.pending {
		s.Pending = append(s.Pending, id)
	}
	sort.Slice(s.Pending, func(i, j int) bool { return s.Pending[i] < s.Pending[j] })
	for o, c := range n.relays {
		s.Relays[o] = c
	}
	return s
}

// closeAll closes every link after the loop has exited.
func (n *Node) closeAll() error {
	var err error
	for id, e := range n.entries {
		err = multierr.Append(err, e.link.Close())
		delete(n.entries, id)
	}
	if err != nil {
		return fmt.Errorf("node: close links: %w", err)
	}
	return nil
}
