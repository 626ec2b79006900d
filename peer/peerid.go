package peer

import (
	"crypto/rand"
)

// IDLen is the length in bytes of a BitTorrent peer id.
const IDLen = 20

// clientPrefix is this client's two-letter Azureus-style identifier,
// embedded in every generated peer id.
const clientPrefix = "XX"

// version is the four-digit version string used in the generated peer
// id prefix, per spec.md §6 ("-XX0001-" followed by 12 random bytes).
const version = "0001"

// NewID generates a fresh process-wide peer identity: "-XX0001-" followed
// by 12 random ASCII bytes, matching spec.md §6 exactly. Unlike the
// teacher's peer/peerid.go (which supports both Azureus and Shadow
// styles for arbitrary client/version strings), this core only ever
// needs its own fixed identity, so the style selection collapses to one
// literal prefix.
func NewID() [IDLen]byte {
	var id [IDLen]byte
	prefix := "-" + clientPrefix + version + "-"
	copy(id[:], prefix)
	tail := id[len(prefix):]
	randomASCII(tail)
	return id
}

// randomASCII fills b with random printable ASCII bytes (0x20-0x7e), the
// same range a human-readable peer id suffix uses in the wild.
func randomASCII(b []byte) {
	raw := make([]byte, len(b))
	if _, err := rand.Read(raw); err != nil {
		panic("peer: crypto/rand unavailable: " + err.Error())
	}
	for i, c := range raw {
		b[i] = 0x20 + c%(0x7f-0x20)
	}
}
