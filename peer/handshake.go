package peer

import (
	"bytes"
	"io"
	"net"
	"time"

	"github.com/gohugoio/hugo/bufferpool"
	"github.com/pkg/errors"

	"github.com/halvard-ek/bget/meta"
)

const (
	protocolName = "BitTorrent protocol"
	// HandshakeLen is the fixed size of the handshake frame: pstrlen (1)
	// + pstr (19) + reserved (8) + info_hash (20) + peer_id (20).
	HandshakeLen = 1 + len(protocolName) + 8 + meta.HashSize + IDLen

	// extensionByte/extensionBit mark BEP-10 support: bit 20 from the
	// right of the 8 reserved bytes, i.e. reserved[5] & 0x10, per
	// spec.md §4.5.
	extensionByte = 5
	extensionBit  = 0x10
)

// ErrHandshakeMismatch is returned when a peer's handshake frame fails
// pstrlen/pstr/info-hash validation. Per spec.md §7 this closes the
// peer connection immediately; it is never retried against the same
// peer.
var ErrHandshakeMismatch = errors.New("peer: handshake mismatch")

// Handshake is the fixed 68-byte frame that opens every peer
// connection, per spec.md §4.5.
type Handshake struct {
	InfoHash    meta.Hash
	PeerID      [IDLen]byte
	SupportsExt bool
}

// NewHandshake builds the local side's handshake, always advertising
// BEP-10 support (the reserved extension bit is set unconditionally;
// whether it is actually used is negotiated in ExchangingExtensions).
func NewHandshake(infoHash meta.Hash, peerID [IDLen]byte) Handshake {
	return Handshake{InfoHash: infoHash, PeerID: peerID, SupportsExt: true}
}

// marshal encodes h as the 68-byte wire frame.
func (h Handshake) marshal() []byte {
	buf := bufferpool.GetBuffer()
	defer bufferpool.PutBuffer(buf)
	buf.WriteByte(byte(len(protocolName)))
	buf.WriteString(protocolName)
	reserved := make([]byte, 8)
	if h.SupportsExt {
		reserved[extensionByte] |= extensionBit
	}
	buf.Write(reserved)
	buf.Write(h.InfoHash[:])
	buf.Write(h.PeerID[:])
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// Send writes h to conn.
func (h Handshake) Send(conn net.Conn) error {
	_, err := conn.Write(h.marshal())
	if err != nil {
		return errors.Wrap(err, "peer: send handshake")
	}
	return nil
}

// ReadHandshake reads exactly HandshakeLen bytes from conn, bounded by
// deadline, and validates pstrlen/pstr/info-hash against wantInfoHash.
// On mismatch it returns ErrHandshakeMismatch without waiting for more
// data, per spec.md §4.6's Handshaking state.
func ReadHandshake(conn net.Conn, wantInfoHash meta.Hash, deadline time.Time) (Handshake, error) {
	var zero Handshake
	if err := conn.SetReadDeadline(deadline); err != nil {
		return zero, errors.Wrap(err, "peer: set read deadline")
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return zero, errors.Wrap(err, "peer: read handshake")
	}

	pstrlen := int(buf[0])
	if pstrlen != len(protocolName) {
		return zero, errors.Wrapf(ErrHandshakeMismatch, "pstrlen %d", pstrlen)
	}
	off := 1
	if !bytes.Equal(buf[off:off+pstrlen], []byte(protocolName)) {
		return zero, errors.Wrap(ErrHandshakeMismatch, "pstr")
	}
	off += pstrlen
	reserved := buf[off : off+8]
	off += 8
	var infoHash meta.Hash
	copy(infoHash[:], buf[off:off+meta.HashSize])
	off += meta.HashSize
	if infoHash != wantInfoHash {
		return zero, errors.Wrap(ErrHandshakeMismatch, "info hash")
	}
	var peerID [IDLen]byte
	copy(peerID[:], buf[off:off+IDLen])

	return Handshake{
		InfoHash:    infoHash,
		PeerID:      peerID,
		SupportsExt: reserved[extensionByte]&extensionBit != 0,
	}, nil
}
