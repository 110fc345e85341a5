package node

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
	"github.com/Lukas-Petervary/Discharge/internal/protocol"
	"github.com/Lukas-Petervary/Discharge/internal/transport"
)

// entry is one open link in the registry. The ready flag lives on the
// matching lobby member.
type entry struct {
	id         identity.PeerID
	link       transport.Link
	outbound   bool
	handshaked bool
}

// dial is an outbound attempt in flight.
type dial struct {
	epoch   uuid.UUID
	waiters []chan<- error
}

// connect starts an asynchronous dial to id. result, if non-nil, receives
// the outcome exactly once.
func (n *Node) connect(id identity.PeerID, result chan<- error) error {
	if id == n.self {
		n.log.Warn("refusing self dial")
		return ErrSelfDial
	}
	if _, ok := n.entries[id]; ok {
		n.log.Debug("refusing dial, already linked", zap.Stringer("peer", id))
		return ErrAlreadyConnected
	}
	if _, ok := n.pending[id]; ok {
		n.log.Debug("refusing dial, already pending", zap.Stringer("peer", id))
		return ErrAlreadyConnected
	}

	d := &dial{epoch: n.record.Epoch()}
	if result != nil {
		d.waiters = append(d.waiters, result)
	}
	n.pending[id] = d

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.DialTimeout)
		defer cancel()
		l, err := n.tr.Dial(ctx, id)
		n.postOrClose(l, func() { n.dialed(id, d, l, err) })
	}()
	return nil
}

// postOrClose posts fn, closing l if the node stops first.
func (n *Node) postOrClose(l transport.Link, fn func()) {
	select {
	case n.inbox <- fn:
	case <-n.stopCh:
		if l != nil {
			l.Close()
		}
	}
}

// dialed handles a dial result on the loop.
func (n *Node) dialed(id identity.PeerID, d *dial, l transport.Link, err error) {
	if n.pending[id] == d {
		delete(n.pending, id)
	}
	if err == nil && d.epoch != n.record.Epoch() {
		l.Close()
		err = ErrLeft
	}
	for _, w := range d.waiters {
		w <- err
	}
	if err != nil {
		n.metrics.dials.WithLabelValues("failed").Inc()
		if !errors.Is(err, ErrLeft) {
			n.log.Warn("dial failed", zap.Stringer("peer", id), zap.Error(err))
		}
		return
	}
	n.metrics.dials.WithLabelValues("open").Inc()
	n.register(l, true)
}

// register adds an open link to the registry and greets the remote.
// A second link to a peer that is already linked is resolved the same way
// on both ends: the link dialed by the lower PeerID survives. A second link
// from the same dialer means the remote dropped the old one and came back.
func (n *Node) register(l transport.Link, outbound bool) {
	id := l.RemoteID()
	n.wg.Add(1)
	go n.read(l)

	if id == n.self {
		l.Close()
		return
	}

	if e, ok := n.entries[id]; ok {
		oldDialer, newDialer := n.dialer(id, e.outbound), n.dialer(id, outbound)
		switch {
		case oldDialer == newDialer:
			n.log.Debug("peer redialed, dropping stale link", zap.Stringer("peer", id))
			e.link.Close()
			n.remove(e)
		case newDialer < oldDialer:
			n.log.Debug("duplicate link replaces existing", zap.Stringer("peer", id), zap.Bool("outbound", outbound))
			old := e.link
			e.link, e.outbound = l, outbound
			old.Close()
			n.greet(l)
			return
		default:
			n.log.Debug("duplicate link closed", zap.Stringer("peer", id), zap.Bool("outbound", outbound))
			l.Close()
			return
		}
	}

	n.entries[id] = &entry{id: id, link: l, outbound: outbound}
	n.metrics.links.Set(float64(len(n.entries)))
	n.log.Debug("link registered", zap.Stringer("peer", id), zap.Bool("outbound", outbound))
	n.greet(l)
}

// greet sends the handshake, plus the ready flag when it is set.
func (n *Node) greet(l transport.Link) {
	n.sendHandshake(l)
	if n.lobby.LocalReady() {
		n.send(l, protocol.LobbyReady{Header: n.header(), Ready: true})
	}
}

func (n *Node) dialer(remote identity.PeerID, outbound bool) identity.PeerID {
	if outbound {
		return n.self
	}
	return remote
}

// read feeds frames from l to the loop until the link closes.
func (n *Node) read(l transport.Link) {
	defer n.wg.Done()
	for {
		select {
		case frame, ok := <-l.Recv():
			if !ok {
				n.post(func() { n.closed(l) })
				return
			}
			n.post(func() { n.receive(l, frame) })
		case <-n.stopCh:
			return
		}
	}
}

// closed removes l's entry and lobby member, unless l was already replaced.
// There is no automatic redial.
func (n *Node) closed(l transport.Link) {
	id := l.RemoteID()
	e, ok := n.entries[id]
	if !ok || e.link != l {
		return
	}
	n.remove(e)
}

func (n *Node) remove(e *entry) {
	delete(n.entries, e.id)
	n.metrics.links.Set(float64(len(n.entries)))
	n.record.Forget(e.id)
	delete(n.relays, e.id)
	n.log.Debug("link removed", zap.Stringer("peer", e.id))

	if n.lobby.Remove(e.id) {
		n.metrics.members.Set(float64(n.lobby.Len()))
		n.emit(MemberLeft{Peer: e.id})
	}
	if n.lobby.Leader() == e.id && n.lobby.ElectLeader() {
		n.log.Info("leader lost, elected replacement", zap.Stringer("lost", e.id), zap.Stringer("leader", n.lobby.Leader()))
		n.emit(LeaderChanged{Leader: n.lobby.Leader()})
	}
}

// disconnect closes id's link and removes it at once.
func (n *Node) disconnect(id identity.PeerID) bool {
	e, ok := n.entries[id]
	if !ok {
		return false
	}
	e.link.Close()
	n.remove(e)
	return true
}

func (n *Node) sortedEntries() []*entry {
	out := make([]*entry, 0, len(n.entries))
	for _, e := range n.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
