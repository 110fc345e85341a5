// Package lobby is the session membership state machine: members, ready
// flags, the leader designation and the start transition.
//
// A Lobby is plain data. It is owned by the node event loop and is not safe
// for concurrent use.
package lobby

import (
	"errors"
	"sort"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
)

var (
	ErrNotLeader      = errors.New("lobby: sender is not the leader")
	ErrNotAllReady    = errors.New("lobby: not every member is ready")
	ErrAlreadyStarted = errors.New("lobby: game already started")
	ErrUnknownMember  = errors.New("lobby: unknown member")
)

// Member is one remote participant as seen locally.
type Member struct {
	PeerID      identity.PeerID
	DisplayName string
	Ready       bool
}

// Lobby tracks the local view of a session. The local peer is implicitly a
// member and never appears in Members.
type Lobby struct {
	self       identity.PeerID
	members    map[identity.PeerID]*Member
	leader     identity.PeerID
	localReady bool
	started    bool
}

// New creates an empty lobby for self. Until it hears a better claim the
// local peer leads its own one-member session.
func New(self identity.PeerID) *Lobby {
	return &Lobby{
		self:    self,
		members: make(map[identity.PeerID]*Member),
		leader:  self,
	}
}

// Outranks reports whether a is preferred over b as leader. Host ids beat
// player ids; otherwise the lower PeerID wins.
func Outranks(a, b identity.PeerID) bool {
	if a.IsHost() != b.IsHost() {
		return a.IsHost()
	}
	return a < b
}

// Self is the local PeerID.
func (l *Lobby) Self() identity.PeerID { return l.self }

// Add inserts id as an unready member. It reports false if id is the local
// peer or already present.
func (l *Lobby) Add(id identity.PeerID) bool {
	if id == l.self {
		return false
	}
	if _, ok := l.members[id]; ok {
		return false
	}
	l.members[id] = &Member{PeerID: id, DisplayName: id.DisplayName()}
	return true
}

// Remove deletes id and reports whether it was present.
func (l *Lobby) Remove(id identity.PeerID) bool {
	if _, ok := l.members[id]; !ok {
		return false
	}
	delete(l.members, id)
	return true
}

// Member returns a copy of id's entry.
func (l *Lobby) Member(id identity.PeerID) (Member, bool) {
	m, ok := l.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Members returns copies of all remote members sorted by PeerID.
func (l *Lobby) Members() []Member {
	out := make([]Member, 0, len(l.members))
	for _, m := range l.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Len counts remote members.
func (l *Lobby) Len() int { return len(l.members) }

// SetReady records id's ready flag. changed is false when the flag already
// had that value.
func (l *Lobby) SetReady(id identity.PeerID, ready bool) (changed bool, err error) {
	m, ok := l.members[id]
	if !ok {
		return false, ErrUnknownMember
	}
	if m.Ready == ready {
		return false, nil
	}
	m.Ready = ready
	return true, nil
}

// SetLocalReady records the local peer's own flag.
func (l *Lobby) SetLocalReady(ready bool) bool {
	if l.localReady == ready {
		return false
	}
	l.localReady = ready
	return true
}

func (l *Lobby) LocalReady() bool { return l.localReady }

// Leader is the current leader. It is never empty.
func (l *Lobby) Leader() identity.PeerID { return l.leader }

// IsLeader reports whether id is the current leader.
func (l *Lobby) IsLeader(id identity.PeerID) bool { return l.leader == id }

// IsLocalLeader reports whether the local peer leads.
func (l *Lobby) IsLocalLeader() bool { return l.IsLeader(l.self) }

// AdoptLeader folds an inbound leader claim into the local view. The claim
// wins only if it outranks the current leader, so any two peers that
// exchange claims settle on the same one.
func (l *Lobby) AdoptLeader(claim identity.PeerID) (changed bool) {
	if claim == "" || claim == l.leader || !Outranks(claim, l.leader) {
		return false
	}
	l.leader = claim
	return true
}

// ElectLeader picks the best ranked peer among the local peer and the
// remaining members. It is called after the leader's link is gone.
func (l *Lobby) ElectLeader() (changed bool) {
	next := l.self
	for id := range l.members {
		if Outranks(id, next) {
			next = id
		}
	}
	if next == l.leader {
		return false
	}
	l.leader = next
	return true
}

// Authorize checks that sender may issue leader-only packets.
func (l *Lobby) Authorize(sender identity.PeerID) error {
	if !l.IsLeader(sender) {
		return ErrNotLeader
	}
	return nil
}

// CanStart checks the leader-side start precondition: the local peer leads
// and every other member is ready.
func (l *Lobby) CanStart() error {
	if !l.IsLocalLeader() {
		return ErrNotLeader
	}
	if l.started {
		return ErrAlreadyStarted
	}
	for _, m := range l.members {
		if !m.Ready {
			return ErrNotAllReady
		}
	}
	return nil
}

// Start marks the game running.
func (l *Lobby) Start() error {
	if l.started {
		return ErrAlreadyStarted
	}
	l.started = true
	return nil
}

func (l *Lobby) Started() bool { return l.started }

// Reset forgets the session and hands leadership back to the local peer.
func (l *Lobby) Reset() {
	l.members = make(map[identity.PeerID]*Member)
	l.localReady = false
	l.started = false
	l.leader = l.self
}
