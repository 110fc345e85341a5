package node

import (
	"go.uber.org/zap"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
	"github.com/Lukas-Petervary/Discharge/internal/lobby"
	"github.com/Lukas-Petervary/Discharge/internal/protocol"
	"github.com/Lukas-Petervary/Discharge/internal/transport"
)

// receive decodes one frame from l and dispatches it.
func (n *Node) receive(l transport.Link, frame []byte) {
	sender := l.RemoteID()

	// 1. Decode
	p, err := protocol.Decode(frame)
	if err != nil {
		n.metrics.dropped.WithLabelValues("decode").Inc()
		n.log.Warn("discarding undecodable packet", zap.Stringer("peer", sender), zap.Error(err))
		return
	}
	n.received++
	n.metrics.packetsReceived.WithLabelValues(string(p.Type())).Inc()

	// 2. Only handshakes are relayed; everything else must come from its
	// original sender.
	if p.Type() != protocol.TypeHandshake && p.Sender() != sender {
		n.metrics.dropped.WithLabelValues("spoofed").Inc()
		n.log.Warn("discarding packet with foreign sender",
			zap.Stringer("peer", sender), zap.Stringer("claimed", p.Sender()), zap.String("type", string(p.Type())))
		return
	}

	// 3. Type-specific processing
	switch v := p.(type) {
	case protocol.Handshake:
		n.handshake(l, v, frame)

	case protocol.LobbyReady:
		changed, err := n.lobby.SetReady(sender, v.Ready)
		if err != nil {
			n.log.Debug("ready from non-member", zap.Stringer("peer", sender))
			return
		}
		if changed {
			n.emit(ReadyChanged{Peer: sender, Ready: v.Ready})
		}

	case protocol.KickPlayer:
		if !n.authorized(sender, v) {
			return
		}
		if v.Kicked == n.self {
			n.log.Info("kicked from session", zap.Stringer("by", sender))
			n.emit(Kicked{By: sender})
			n.leave()
			return
		}
		n.disconnect(v.Kicked)

	case protocol.StartGame:
		if !n.authorized(sender, v) {
			return
		}
		if err := n.lobby.Start(); err != nil {
			return
		}
		n.log.Info("game started", zap.Stringer("leader", sender))
		n.emit(GameStarted{Leader: sender})
		n.broadcast(protocol.JoinGame{Header: n.header()})

	case protocol.JoinGame:
		n.emit(PlayerJoined{Peer: sender})

	case protocol.Position:
		n.emit(PositionUpdated{Peer: sender, X: v.X, Y: v.Y, Z: v.Z})

	case protocol.Chat:
		n.emit(ChatReceived{Peer: sender, Message: v.Message})

	case protocol.Alert:
		n.emit(AlertReceived{Peer: sender, Message: v.Message})

	default:
		n.log.Error("unhandled packet type", zap.String("type", string(p.Type())))
	}
}

// authorized checks a leader-only packet against the local leader view.
func (n *Node) authorized(sender identity.PeerID, p protocol.Packet) bool {
	if err := n.lobby.Authorize(sender); err != nil {
		n.metrics.dropped.WithLabelValues("unauthorized").Inc()
		n.log.Warn("discarding leader-only packet",
			zap.Stringer("peer", sender), zap.Stringer("leader", n.lobby.Leader()),
			zap.String("type", string(p.Type())), zap.Error(err))
		return false
	}
	return true
}

func (n *Node) startGame() error {
	if err := n.lobby.CanStart(); err != nil {
		return err
	}
	if err := n.lobby.Start(); err != nil {
		return err
	}
	n.log.Info("starting game", zap.Int("members", n.lobby.Len()))
	n.broadcast(protocol.StartGame{Header: n.header()})
	n.emit(GameStarted{Leader: n.self})
	n.broadcast(protocol.JoinGame{Header: n.header()})
	return nil
}

func (n *Node) kick(id identity.PeerID) error {
	if !n.lobby.IsLocalLeader() {
		return lobby.ErrNotLeader
	}
	if id == n.self {
		return ErrKickSelf
	}
	if _, ok := n.entries[id]; !ok {
		return ErrUnknownPeer
	}
	n.broadcast(protocol.KickPlayer{Header: n.header(), Kicked: id})
	n.disconnect(id)
	n.log.Info("kicked", zap.Stringer("peer", id))
	return nil
}

// leave closes every link and resets the session state.
func (n *Node) leave() {
	for _, e := range n.sortedEntries() {
		e.link.Close()
		delete(n.entries, e.id)
		if n.lobby.Remove(e.id) {
			n.emit(MemberLeft{Peer: e.id})
		}
	}
	for id := range n.pending {
		delete(n.pending, id)
	}
	n.metrics.links.Set(0)
	n.metrics.members.Set(0)

	before := n.lobby.Leader()
	n.lobby.Reset()
	n.record.Reset()
	n.relays = make(map[identity.PeerID]int)
	n.moved = false
	if after := n.lobby.Leader(); after != before {
		n.emit(LeaderChanged{Leader: after})
	}
	n.log.Info("left session", zap.Stringer("epoch", n.record.Epoch()))
}
