package node

import (
	"go.uber.org/zap"

	"github.com/Lukas-Petervary/Discharge/internal/protocol"
	"github.com/Lukas-Petervary/Discharge/internal/transport"
)

// sendHandshake greets l with the local leader view.
func (n *Node) sendHandshake(l transport.Link) {
	n.send(l, protocol.Handshake{Header: n.header(), Leader: n.lobby.Leader()})
}

// handshake processes one inbound handshake. frame is the raw packet, which
// is relayed unchanged.
func (n *Node) handshake(l transport.Link, hs protocol.Handshake, frame []byte) {
	sender, origin := l.RemoteID(), hs.Peer

	// The first handshake on the current link completes the exchange.
	if e, ok := n.entries[sender]; ok && e.link == l && !e.handshaked {
		e.handshaked = true
		if n.lobby.Add(sender) {
			n.metrics.members.Set(float64(n.lobby.Len()))
			n.log.Info("member joined", zap.Stringer("peer", sender))
			n.emit(MemberJoined{Peer: sender})
		}
	}

	if origin == n.self {
		n.metrics.dropped.WithLabelValues("own-handshake").Inc()
		return
	}
	if !n.record.Add(origin) {
		n.metrics.dropped.WithLabelValues("duplicate-handshake").Inc()
		return
	}

	if n.lobby.AdoptLeader(hs.Leader) {
		n.log.Info("leader adopted", zap.Stringer("leader", hs.Leader), zap.Stringer("from", origin))
		n.emit(LeaderChanged{Leader: hs.Leader})
	}

	if e, ok := n.entries[origin]; ok {
		n.sendHandshake(e.link)
	} else if _, dialing := n.pending[origin]; !dialing {
		if err := n.connect(origin, nil); err != nil {
			n.log.Warn("propagation dial refused", zap.Stringer("origin", origin), zap.Error(err))
		}
	}

	if sender != origin {
		return
	}
	forwarded := 0
	for _, e := range n.sortedEntries() {
		if e.id == origin {
			continue
		}
		if n.sendFrame(e.link, protocol.TypeHandshake, frame) {
			forwarded++
		}
	}
	n.relays[origin]++
	n.metrics.relayed.Add(float64(forwarded))
	n.log.Debug("handshake relayed", zap.Stringer("origin", origin), zap.Int("links", forwarded))
}
