package node

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
)

// Event is delivered to observers via the Events() channel. The set of
// event types is closed.
type Event interface {
	isEvent()
}

// MemberJoined fires when a peer completes its handshake on a new link.
type MemberJoined struct {
	Peer identity.PeerID
}

// MemberLeft fires when a member's link closes or the local peer leaves.
type MemberLeft struct {
	Peer identity.PeerID
}

// LeaderChanged fires whenever the local leader designation moves.
type LeaderChanged struct {
	Leader identity.PeerID
}

// ReadyChanged fires for remote and local ready toggles.
type ReadyChanged struct {
	Peer  identity.PeerID
	Ready bool
}

// Kicked tells the local peer it was removed from the session.
type Kicked struct {
	By identity.PeerID
}

// GameStarted fires once per session when the leader starts the game.
type GameStarted struct {
	Leader identity.PeerID
}

// PlayerJoined announces a player body entering the world.
type PlayerJoined struct {
	Peer identity.PeerID
}

type PositionUpdated struct {
	Peer    identity.PeerID
	X, Y, Z float64
}

type ChatReceived struct {
	Peer    identity.PeerID
	Message string
}

type AlertReceived struct {
	Peer    identity.PeerID
	Message string
}

func (MemberJoined) isEvent()    {}
func (MemberLeft) isEvent()      {}
func (LeaderChanged) isEvent()   {}
func (ReadyChanged) isEvent()    {}
func (Kicked) isEvent()          {}
func (GameStarted) isEvent()     {}
func (PlayerJoined) isEvent()    {}
func (PositionUpdated) isEvent() {}
func (ChatReceived) isEvent()    {}
func (AlertReceived) isEvent()   {}

// lossy reports whether ev may be shed when observers fall behind. These
// arrive at the peers' send rate; everything else changes session state
// and is always delivered.
func lossy(ev Event) bool {
	switch ev.(type) {
	case PositionUpdated, ChatReceived, AlertReceived:
		return true
	default:
		return false
	}
}

// eventQueue sits between the loop and the observer. Lifecycle events are
// queued without bound; at most limit lossy events wait at any time.
type eventQueue struct {
	out    chan Event
	notify chan struct{}
	limit  int

	mu      sync.Mutex
	queue   []Event
	waiting int // lossy events not yet delivered
}

func newEventQueue(limit int) *eventQueue {
	return &eventQueue{
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
		limit:  limit,
	}
}

// push queues ev and reports false if it was shed.
func (q *eventQueue) push(ev Event) bool {
	q.mu.Lock()
	if lossy(ev) {
		if q.waiting >= q.limit {
			q.mu.Unlock()
			return false
		}
		q.waiting++
	}
	q.queue = append(q.queue, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pump feeds queued events to out in order until stop closes.
func (q *eventQueue) pump(stop <-chan struct{}) {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
			case <-stop:
				return
			}
			continue
		}
		ev := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-stop:
			return
		}
		if lossy(ev) {
			q.mu.Lock()
			q.waiting--
			q.mu.Unlock()
		}
	}
}

// emit hands ev to the observer queue without blocking the loop.
func (n *Node) emit(ev Event) {
	if !n.events.push(ev) {
		n.metrics.eventsDropped.Inc()
		n.log.Debug("event dropped", zap.String("event", eventName(ev)))
	}
}

func eventName(ev Event) string {
	switch ev.(type) {
	case MemberJoined:
		return "member-joined"
	case MemberLeft:
		return "member-left"
	case LeaderChanged:
		return "leader-changed"
	case ReadyChanged:
		return "ready-changed"
	case Kicked:
		return "kicked"
	case GameStarted:
		return "game-started"
	case PlayerJoined:
		return "player-joined"
	case PositionUpdated:
		return "position-updated"
	case ChatReceived:
		return "chat"
	case AlertReceived:
		return "alert"
	default:
		return "unknown"
	}
}
