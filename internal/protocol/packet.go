// Package protocol defines the Discharge wire format.
//
// Every frame on a link is one UTF-8 JSON object. The "type" field selects
// the packet kind and "peer" names the original sender, which differs from
// the link's remote end only when a handshake is being relayed.
//
// Packet is a closed set: Encode and Decode switch over every kind, so adding
// a kind means touching both switches and the node dispatcher.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
)

// Type is the wire discriminator.
type Type string

const (
	TypeHandshake  Type = "handshake"
	TypeLobbyReady Type = "lobby-ready"
	TypeKickPlayer Type = "kick-player"
	TypeStartGame  Type = "start-game"
	TypeJoinGame   Type = "join-game"
	TypePosition   Type = "position"
	TypeChat       Type = "message"
	TypeAlert      Type = "alert"
)

// MaxFrameSize bounds a single encoded packet.
const MaxFrameSize = 64 * 1024

var (
	ErrMalformed   = errors.New("protocol: malformed packet")
	ErrUnknownType = errors.New("protocol: unknown packet type")
)

// Packet is implemented by every packet kind in this package and nothing else.
type Packet interface {
	Type() Type
	Sender() identity.PeerID
	isPacket()
}

// Header carries the fields shared by all packets.
type Header struct {
	Peer identity.PeerID
}

func (h Header) Sender() identity.PeerID { return h.Peer }

func (Header) isPacket() {}

// Handshake is exchanged on link open and relayed one hop to spread
// membership. Leader is empty when the sender is in no session yet.
type Handshake struct {
	Header
	Leader identity.PeerID
}

// LobbyReady toggles the sender's ready flag.
type LobbyReady struct {
	Header
	Ready bool
}

// KickPlayer removes Kicked from the session. Only the leader may send it.
type KickPlayer struct {
	Header
	Kicked identity.PeerID
}

// StartGame moves the lobby into the running game. Only the leader may send it.
type StartGame struct {
	Header
}

// JoinGame announces that the sender's player body entered the world.
type JoinGame struct {
	Header
}

// Position is the high-frequency player state sync. It is never relayed.
type Position struct {
	Header
	X, Y, Z float64
}

// Chat is a free-form text message.
type Chat struct {
	Header
	Message string
}

// Alert is a text notice the UI shows prominently.
type Alert struct {
	Header
	Message string
}

func (Handshake) Type() Type  { return TypeHandshake }
func (LobbyReady) Type() Type { return TypeLobbyReady }
func (KickPlayer) Type() Type { return TypeKickPlayer }
func (StartGame) Type() Type  { return TypeStartGame }
func (JoinGame) Type() Type   { return TypeJoinGame }
func (Position) Type() Type   { return TypePosition }
func (Chat) Type() Type       { return TypeChat }
func (Alert) Type() Type      { return TypeAlert }

// wire is the flat JSON shape of every packet.
type wire struct {
	Type         Type            `json:"type"`
	Peer         identity.PeerID `json:"peer"`
	Leader       identity.PeerID `json:"leader,omitempty"`
	Ready        *bool           `json:"ready,omitempty"`
	KickedPlayer identity.PeerID `json:"kickedPlayer,omitempty"`
	X            *float64        `json:"x,omitempty"`
	Y            *float64        `json:"y,omitempty"`
	Z            *float64        `json:"z,omitempty"`
	Message      *string         `json:"message,omitempty"`
}

// Encode serialises p into one JSON frame.
func Encode(p Packet) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil packet", ErrMalformed)
	}
	w := wire{Type: p.Type(), Peer: p.Sender()}
	if w.Peer == "" {
		return nil, fmt.Errorf("%w: %s without peer", ErrMalformed, w.Type)
	}
	switch v := p.(type) {
	case Handshake:
		w.Leader = v.Leader
	case LobbyReady:
		w.Ready = &v.Ready
	case KickPlayer:
		if v.Kicked == "" {
			return nil, fmt.Errorf("%w: kick-player without kickedPlayer", ErrMalformed)
		}
		w.KickedPlayer = v.Kicked
	case StartGame, JoinGame:
	case Position:
		w.X, w.Y, w.Z = &v.X, &v.Y, &v.Z
	case Chat:
		w.Message = &v.Message
	case Alert:
		w.Message = &v.Message
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, p)
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformed, len(b), MaxFrameSize)
	}
	return b, nil
}

// Decode parses one JSON frame. Errors wrap ErrMalformed or ErrUnknownType.
func Decode(b []byte) (Packet, error) {
	if len(b) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformed, len(b), MaxFrameSize)
	}
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if w.Peer == "" {
		return nil, fmt.Errorf("%w: %s without peer", ErrMalformed, w.Type)
	}
	h := Header{Peer: w.Peer}

	switch w.Type {
	case TypeHandshake:
		return Handshake{Header: h, Leader: w.Leader}, nil
	case TypeLobbyReady:
		if w.Ready == nil {
			return nil, fmt.Errorf("%w: lobby-ready without ready", ErrMalformed)
		}
		return LobbyReady{Header: h, Ready: *w.Ready}, nil
	case TypeKickPlayer:
		if w.KickedPlayer == "" {
			return nil, fmt.Errorf("%w: kick-player without kickedPlayer", ErrMalformed)
		}
		return KickPlayer{Header: h, Kicked: w.KickedPlayer}, nil
	case TypeStartGame:
		return StartGame{Header: h}, nil
	case TypeJoinGame:
		return JoinGame{Header: h}, nil
	case TypePosition:
		if w.X == nil || w.Y == nil || w.Z == nil {
			return nil, fmt.Errorf("%w: position needs x, y and z", ErrMalformed)
		}
		return Position{Header: h, X: *w.X, Y: *w.Y, Z: *w.Z}, nil
	case TypeChat:
		if w.Message == nil {
			return nil, fmt.Errorf("%w: message without text", ErrMalformed)
		}
		return Chat{Header: h, Message: *w.Message}, nil
	case TypeAlert:
		if w.Message == nil {
			return nil, fmt.Errorf("%w: alert without text", ErrMalformed)
		}
		return Alert{Header: h, Message: *w.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}
