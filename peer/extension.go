// BEP-10 extension handshake and the ut_metadata (BEP-9) extension it
// bootstraps. Kept as a self-contained sub-component a Session delegates
// to whenever it sees an id=20 message, per spec.md §9's design note —
// the same layering the teacher uses for its own fast-extension
// (BEP-6) handling in peer/protocol.go.
package peer

import (
	"crypto/sha1"
	"net"
	"time"

	"github.com/gohugoio/hugo/bufferpool"
	"github.com/pkg/errors"

	"github.com/halvard-ek/bget/bencode"
	"github.com/halvard-ek/bget/meta"
)

// ErrExtensionUnsupported is returned when the caller needs a peer
// extension the peer never advertised (spec.md §4.6 ExchangingExtensions:
// "If the local caller is in metadata-fetch mode and the peer did not
// advertise ut_metadata, close with ExtensionUnsupported").
var ErrExtensionUnsupported = errors.New("peer: extension unsupported")

// ErrHashMismatch is returned when assembled metadata bytes don't hash
// to the expected info-hash, or a piece's bytes don't hash to its
// expected piece hash.
var ErrHashMismatch = errors.New("peer: hash mismatch")

const utMetadataName = "ut_metadata"

// localUTMetadataID is the extended-message id this client assigns to
// ut_metadata in its own extended handshake's "m" dictionary. A peer
// echoes back its own chosen id for the same name, which is what we
// must use when sending further metadata requests — BEP-10 ids are
// per-direction, not a single negotiated value.
const localUTMetadataID ID = 1

// metadataPieceSize is the BEP-9 metadata piece size: 16 KiB, distinct
// from the torrent's own piece length.
const metadataPieceSize = 16 * 1024

// ExtensionMap is a peer's extended-handshake "m" dictionary: extension
// name to the id that peer wants used when sending it that extension.
type ExtensionMap map[string]int

// extendedHandshakePayload is the bencoded body of an id=20,
// extended-id=0 message, per BEP-10.
type extendedHandshakePayload struct {
	M            ExtensionMap `bencode:"m"`
	MetadataSize int          `bencode:"metadata_size,omitempty"`
}

// BuildExtendedHandshake encodes the local extended handshake,
// advertising ut_metadata under localUTMetadataID. metadataSize is 0
// when the local side does not yet have (or is not serving) metadata.
func BuildExtendedHandshake(metadataSize int) (Message, error) {
	payload := extendedHandshakePayload{
		M:            ExtensionMap{utMetadataName: int(localUTMetadataID)},
		MetadataSize: metadataSize,
	}
	body, err := bencode.Marshal(payload)
	if err != nil {
		return Message{}, errors.Wrap(err, "peer: marshal extended handshake")
	}
	return Message{ID: IDExtended, ExtendedID: 0, ExtPayload: body}, nil
}

// ParseExtendedHandshake decodes a peer's extended handshake payload.
func ParseExtendedHandshake(payload []byte) (ExtensionMap, int, error) {
	var out extendedHandshakePayload
	if err := bencode.Unmarshal(payload, &out); err != nil {
		return nil, 0, errors.Wrap(err, "peer: malformed extended handshake")
	}
	return out.M, out.MetadataSize, nil
}

// ut_metadata message types, per BEP-9.
const (
	utMetadataRequest = 0
	utMetadataData    = 1
	utMetadataReject  = 2
)

type utMetadataHeader struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

// BuildMetadataRequest encodes a ut_metadata request for metadata piece
// index, addressed to the peer's own chosen extended id for ut_metadata
// (obtained from that peer's ExtensionMap).
func BuildMetadataRequest(peerUTMetadataID ID, piece int) (Message, error) {
	body, err := bencode.Marshal(utMetadataHeader{MsgType: utMetadataRequest, Piece: piece})
	if err != nil {
		return Message{}, errors.Wrap(err, "peer: marshal metadata request")
	}
	return Message{ID: IDExtended, ExtendedID: peerUTMetadataID, ExtPayload: body}, nil
}

// MetadataPiece is one decoded ut_metadata response: either a data
// block (with its bencode header stripped) or a rejection.
type MetadataPiece struct {
	Piece     int
	Rejected  bool
	TotalSize int
	Data      []byte
}

// ParseMetadataMessage decodes an extended message's payload as a
// ut_metadata response. The payload is the bencoded header immediately
// followed, for a data message only, by up to 16384 raw trailing bytes
// (per spec.md §4.7); bencode.Decode is what makes slicing that
// trailing block off possible without a wrapping bencode value around
// it.
func ParseMetadataMessage(payload []byte) (MetadataPiece, error) {
	var header utMetadataHeader
	n, err := bencode.Decode(payload, &header)
	if err != nil {
		return MetadataPiece{}, errors.Wrap(err, "peer: malformed ut_metadata header")
	}
	switch header.MsgType {
	case utMetadataReject:
		return MetadataPiece{Piece: header.Piece, Rejected: true}, nil
	case utMetadataData:
		return MetadataPiece{Piece: header.Piece, TotalSize: header.TotalSize, Data: payload[n:]}, nil
	default:
		return MetadataPiece{}, errors.Wrapf(ErrPeerProtocol, "unexpected ut_metadata msg_type %d", header.MsgType)
	}
}

// FetchMetadata drives the ut_metadata request/response loop against
// one already-handshaken, extension-negotiated connection, assembling
// and validating the full info dictionary. It owns only this exchange;
// the caller (Session) is responsible for handshake and extension
// negotiation before calling this, and for deciding what to do with the
// connection afterward.
func FetchMetadata(conn net.Conn, peerUTMetadataID ID, wantInfoHash meta.Hash, totalSizeHint int, timeout time.Duration) (*meta.Torrent, error) {
	buf := bufferpool.GetBuffer()
	defer bufferpool.PutBuffer(buf)
	totalSize := totalSizeHint
	piece := 0

	for totalSize == 0 || buf.Len() < totalSize {
		req, err := BuildMetadataRequest(peerUTMetadataID, piece)
		if err != nil {
			return nil, err
		}
		if err := WriteMessage(conn, req); err != nil {
			return nil, errors.Wrap(err, "peer: send metadata request")
		}

		resp, err := ReadMessage(conn, time.Now().Add(timeout))
		if err != nil {
			return nil, errors.Wrap(err, "peer: read metadata response")
		}
		if resp.ID != IDExtended {
			continue
		}
		mp, err := ParseMetadataMessage(resp.ExtPayload)
		if err != nil {
			return nil, err
		}
		if mp.Rejected {
			return nil, errors.Wrapf(ErrExtensionUnsupported, "peer rejected metadata piece %d", mp.Piece)
		}
		if mp.Piece != piece {
			continue
		}
		if mp.TotalSize > 0 {
			totalSize = mp.TotalSize
		}
		buf.Write(mp.Data)
		piece++
	}

	assembled := make([]byte, buf.Len())
	copy(assembled, buf.Bytes())

	if sha1.Sum(assembled) != wantInfoHash {
		return nil, errors.Wrapf(ErrHashMismatch, "assembled metadata")
	}

	info := new(meta.Info)
	if err := bencode.Unmarshal(assembled, info); err != nil {
		return nil, errors.Wrap(err, "peer: parse assembled metadata")
	}
	return &meta.Torrent{Info: *info}, nil
}

// MetadataPieceCount returns the number of 16 KiB ut_metadata pieces a
// metadata blob of totalSize bytes is split into.
func MetadataPieceCount(totalSize int) int {
	return (totalSize + metadataPieceSize - 1) / metadataPieceSize
}
