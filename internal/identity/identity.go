// Package identity holds the local peer's durable identity: a chosen display
// name plus a random salt. The pair is cached on disk so the PeerID survives
// restarts; the rendezvous broker refuses a second live registration of the
// same PeerID.
package identity

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
	"unicode"
)

const (
	saltAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	SaltLength   = 8
	MaxNameRunes = 24
)

var (
	ErrInvalidName  = errors.New("identity: display name is empty after sanitizing")
	ErrReservedName = errors.New("identity: display name is reserved for hosts")
)

// Identity is the persisted {name, salt} pair.
type Identity struct {
	Name string `json:"name"`
	Salt string `json:"salt"`
}

// New creates an identity for name with a fresh salt.
func New(name string) (Identity, error) {
	clean, err := Sanitize(name)
	if err != nil {
		return Identity{}, err
	}
	salt, err := NewSalt()
	if err != nil {
		return Identity{}, err
	}
	return Identity{Name: clean, Salt: salt}, nil
}

// NewHost creates a dedicated host identity. Its salt doubles as the join code.
func NewHost() (Identity, error) {
	salt, err := NewSalt()
	if err != nil {
		return Identity{}, err
	}
	return Identity{Name: HostPrefix, Salt: salt}, nil
}

// PeerID derives the rendezvous id.
func (i Identity) PeerID() PeerID {
	return PeerID(i.Name + separator + i.Salt)
}

// Rename keeps the salt and swaps the display name.
func (i Identity) Rename(name string) (Identity, error) {
	clean, err := Sanitize(name)
	if err != nil {
		return i, err
	}
	i.Name = clean
	return i, nil
}

// Sanitize makes name safe to embed in a PeerID. The separator is removed so
// DisplayName can always split on the last one.
func Sanitize(name string) (string, error) {
	var b strings.Builder
	n := 0
	for _, field := range strings.Fields(name) {
		if b.Len() > 0 && n < MaxNameRunes {
			b.WriteByte('-')
			n++
		}
		for _, r := range field {
			if n >= MaxNameRunes {
				break
			}
			if r == '-' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))) {
				b.WriteRune(r)
				n++
			}
		}
	}
	clean := strings.Trim(b.String(), "-")
	if clean == "" {
		return "", ErrInvalidName
	}
	// Host ids outrank players in leader elections.
	if strings.EqualFold(clean, HostPrefix) {
		return "", ErrReservedName
	}
	return clean, nil
}

// NewSalt returns SaltLength random base36 characters.
func NewSalt() (string, error) {
	out := make([]byte, SaltLength)
	max := big.NewInt(int64(len(saltAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = saltAlphabet[n.Int64()]
	}
	return string(out), nil
}
