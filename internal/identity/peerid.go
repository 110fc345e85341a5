package identity

import "strings"

// PeerID is the rendezvous identifier of a participant: "<name>_<salt>".
type PeerID string

const (
	// HostPrefix is the reserved display name of a dedicated session host.
	HostPrefix = "DischargeServer"

	separator = "_"
)

// HostPeerID returns the PeerID of the host reachable under join code code.
func HostPeerID(code string) PeerID {
	return PeerID(HostPrefix + separator + strings.ToLower(strings.TrimSpace(code)))
}

// DisplayName is the part of the id before the last separator.
func (id PeerID) DisplayName() string {
	s := string(id)
	i := strings.LastIndex(s, separator)
	if i < 0 {
		return s
	}
	return s[:i]
}

// Salt is the part of the id after the last separator.
func (id PeerID) Salt() string {
	s := string(id)
	i := strings.LastIndex(s, separator)
	if i < 0 {
		return ""
	}
	return s[i+1:]
}

// IsHost reports whether id uses the reserved host prefix.
func (id PeerID) IsHost() bool {
	return id.DisplayName() == HostPrefix
}

func (id PeerID) String() string { return string(id) }
