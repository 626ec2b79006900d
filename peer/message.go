package peer

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/pkg/errors"
)

// ID identifies a peer wire message's type, per spec.md §4.5's table.
type ID byte

// Message ids, in wire order.
const (
	IDChoke         ID = 0
	IDUnchoke       ID = 1
	IDInterested    ID = 2
	IDNotInterested ID = 3
	IDHave          ID = 4
	IDBitfield      ID = 5
	IDRequest       ID = 6
	IDPiece         ID = 7
	IDCancel        ID = 8
	IDExtended      ID = 20
)

// maxMessageLen bounds framing: a configured cap well above any legal
// payload (a torrent piece plus a few bytes of header), per spec.md
// §4.5's "length exceeds a configured cap" malformed case.
const maxMessageLen = 1<<20 + 16*1024 + 16

// ErrPeerProtocol covers malformed message framing or an unrecognized
// payload shape for a known id, per spec.md §7.
var ErrPeerProtocol = errors.New("peer: protocol error")

// Message is a decoded peer wire message. Fields not relevant to ID are
// zero. This mirrors the teacher's tagged-variant approach
// (peer/message.go's per-id message* types) collapsed into one struct,
// which is simpler to dispatch on here because the core only ever needs
// one live message at a time per session, never a persistent per-kind
// value.
type Message struct {
	ID ID

	// IDHave, IDRequest, IDCancel
	Index  int
	Begin  int
	Length int

	// IDBitfield
	BitfieldPayload []byte

	// IDPiece
	Block []byte

	// IDExtended
	ExtendedID ID
	ExtPayload []byte

	// Unknown ids: UnknownID/UnknownPayload rather than a decode error,
	// per spec.md §9 ("Unknown ids become an Unknown{id, payload} case
	// that the session ignores").
	Unknown        bool
	UnknownID      byte
	UnknownPayload []byte

	// IsKeepalive is set only on the zero-length frame (no id byte at
	// all), distinguishing "no message" from Choke (id 0) — both would
	// otherwise render as the ID zero value.
	IsKeepalive bool
}

// Keepalive is the sentinel value ReadMessage returns for a zero-length
// frame.
var Keepalive = Message{IsKeepalive: true}

// WriteMessage encodes and sends m as a length-prefixed frame.
func WriteMessage(conn net.Conn, m Message) error {
	var body []byte
	switch m.ID {
	case IDChoke, IDUnchoke, IDInterested, IDNotInterested:
		body = pool.Get(1)
		body[0] = byte(m.ID)
	case IDHave:
		body = pool.Get(5)
		body[0] = byte(m.ID)
		binary.BigEndian.PutUint32(body[1:], uint32(m.Index))
	case IDBitfield:
		body = pool.Get(1 + len(m.BitfieldPayload))
		body[0] = byte(m.ID)
		copy(body[1:], m.BitfieldPayload)
	case IDRequest, IDCancel:
		body = pool.Get(13)
		body[0] = byte(m.ID)
		binary.BigEndian.PutUint32(body[1:], uint32(m.Index))
		binary.BigEndian.PutUint32(body[5:], uint32(m.Begin))
		binary.BigEndian.PutUint32(body[9:], uint32(m.Length))
	case IDPiece:
		body = pool.Get(9 + len(m.Block))
		body[0] = byte(m.ID)
		binary.BigEndian.PutUint32(body[1:], uint32(m.Index))
		binary.BigEndian.PutUint32(body[5:], uint32(m.Begin))
		copy(body[9:], m.Block)
	case IDExtended:
		body = pool.Get(2 + len(m.ExtPayload))
		body[0] = byte(m.ID)
		body[1] = byte(m.ExtendedID)
		copy(body[2:], m.ExtPayload)
	default:
		return errors.Wrapf(ErrPeerProtocol, "write unsupported id %d", m.ID)
	}
	defer pool.Put(body)

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := conn.Write(header); err != nil {
		return errors.Wrap(err, "peer: write message length")
	}
	if _, err := conn.Write(body); err != nil {
		return errors.Wrap(err, "peer: write message body")
	}
	return nil
}

// WriteKeepalive sends the zero-length keepalive frame.
func WriteKeepalive(conn net.Conn) error {
	_, err := conn.Write([]byte{0, 0, 0, 0})
	if err != nil {
		return errors.Wrap(err, "peer: write keepalive")
	}
	return nil
}

// ReadMessage reads one length-prefixed frame from conn, bounded by
// deadline. A zero-length frame decodes to Keepalive. Ids this client
// does not recognize are still framed correctly but their payload is
// returned verbatim as Unknown rather than rejected, per spec.md §4.5
// ("Unknown ids are discarded silently after reading their full
// payload").
func ReadMessage(conn net.Conn, deadline time.Time) (Message, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return Message{}, errors.Wrap(err, "peer: set read deadline")
	}
	defer conn.SetReadDeadline(time.Time{})

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return Message{}, errors.Wrap(err, "peer: read message length")
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Keepalive, nil
	}
	if length > maxMessageLen {
		return Message{}, errors.Wrapf(ErrPeerProtocol, "frame length %d exceeds cap", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return Message{}, errors.Wrap(err, "peer: read message body")
	}

	return decodeMessage(ID(body[0]), body[1:])
}

func decodeMessage(id ID, payload []byte) (Message, error) {
	switch id {
	case IDChoke, IDUnchoke, IDInterested, IDNotInterested:
		return Message{ID: id}, nil
	case IDHave:
		if len(payload) != 4 {
			return Message{}, errors.Wrapf(ErrPeerProtocol, "have payload length %d", len(payload))
		}
		return Message{ID: id, Index: int(binary.BigEndian.Uint32(payload))}, nil
	case IDBitfield:
		return Message{ID: id, BitfieldPayload: payload}, nil
	case IDRequest, IDCancel:
		if len(payload) != 12 {
			return Message{}, errors.Wrapf(ErrPeerProtocol, "%v payload length %d", id, len(payload))
		}
		return Message{
			ID:     id,
			Index:  int(binary.BigEndian.Uint32(payload[0:4])),
			Begin:  int(binary.BigEndian.Uint32(payload[4:8])),
			Length: int(binary.BigEndian.Uint32(payload[8:12])),
		}, nil
	case IDPiece:
		if len(payload) < 8 {
			return Message{}, errors.Wrapf(ErrPeerProtocol, "piece payload length %d", len(payload))
		}
		return Message{
			ID:    id,
			Index: int(binary.BigEndian.Uint32(payload[0:4])),
			Begin: int(binary.BigEndian.Uint32(payload[4:8])),
			Block: payload[8:],
		}, nil
	case IDExtended:
		if len(payload) < 1 {
			return Message{}, errors.Wrap(ErrPeerProtocol, "extended payload empty")
		}
		return Message{ID: id, ExtendedID: ID(payload[0]), ExtPayload: payload[1:]}, nil
	default:
		return Message{Unknown: true, UnknownID: byte(id), UnknownPayload: payload}, nil
	}
}
