package peer

import (
	"net"
	"time"

	"github.com/google/logger"
	"github.com/pkg/errors"

	"github.com/halvard-ek/bget/meta"
)

// BlockSize is the fixed request granularity, per spec.md §4.6: exactly
// 16384 except the last block of the last piece, which may be shorter.
const BlockSize = 16384

// Defaults from spec.md §4.6 and §5.
const (
	DefaultConnectTimeout    = 3 * time.Second
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultBlockTimeout      = 30 * time.Second
	DefaultKeepaliveInterval = 2 * time.Minute
	DefaultIdleTimeout       = 2 * time.Minute
	DefaultRequestWindow     = 5
)

// ErrTimeout covers a connect, handshake, or per-block timeout.
var ErrTimeout = errors.New("peer: timeout")

// ErrChoked is returned by DownloadPiece when the peer chokes us
// mid-piece; the caller (coordinator) releases the piece back to the
// scheduler rather than treating this as a fatal session error.
var ErrChoked = errors.New("peer: choked")

// Config bundles the timeouts and window size a Session runs with,
// grounded on the teacher's config.go pattern of a single struct with a
// defaults constructor rather than scattering named constants through
// call sites.
type Config struct {
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	BlockTimeout      time.Duration
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
	RequestWindow     int
}

// DefaultConfig returns the defaults spec.md §4.6/§5 prescribe.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    DefaultConnectTimeout,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		BlockTimeout:      DefaultBlockTimeout,
		KeepaliveInterval: DefaultKeepaliveInterval,
		IdleTimeout:       DefaultIdleTimeout,
		RequestWindow:     DefaultRequestWindow,
	}
}

// State is a Session's position in the state machine of spec.md §4.6:
// Connecting -> Handshaking -> ExchangingExtensions -> (FetchingMetadata)?
// -> Exchanging -> Closed.
type State int

// States, in the order spec.md §4.6 transitions through them.
const (
	StateConnecting State = iota
	StateHandshaking
	StateExchangingExtensions
	StateFetchingMetadata
	StateExchanging
	StateClosed
)

// Session is one peer connection's state machine: it owns the socket,
// choke/interest state, the peer's bitfield, and the outbound request
// window for whichever piece the scheduler has currently assigned it,
// per spec.md §3 (PeerSessionState) and §9 ("Sessions never share piece
// buffers").
type Session struct {
	addr     string
	infoHash meta.Hash
	localID  [IDLen]byte
	cfg      Config

	conn net.Conn
	state State

	// per spec.md §3: initial choke=true, interested=false on both
	// sides.
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	peerID          [IDLen]byte
	peerSupportsExt bool
	peerExtensions  ExtensionMap
	peerUTMetaID    ID
	metadataSize    int

	bitfield    *Bitfield
	numPieces   int
	lastWriteAt time.Time
}

// NewSession builds a Session for one peer address. numPieces may be 0
// if the piece count isn't known yet (the magnet metadata-fetch path);
// SetBitfieldSize must be called with the real count once metadata is
// available, before StartExchanging.
func NewSession(addr string, infoHash meta.Hash, localID [IDLen]byte, numPieces int, cfg Config) *Session {
	return &Session{
		addr:        addr,
		infoHash:    infoHash,
		localID:     localID,
		cfg:         cfg,
		state:       StateConnecting,
		amChoking:   true,
		peerChoking: true,
		numPieces:   numPieces,
		bitfield:    NewBitfield(numPieces),
	}
}

// SetBitfieldSize re-sizes the peer bitfield once the real piece count
// is known (the magnet path doesn't know it at session creation).
func (s *Session) SetBitfieldSize(numPieces int) {
	s.numPieces = numPieces
	resized := NewBitfield(numPieces)
	for i := 0; i < numPieces && i < s.bitfield.Len(); i++ {
		if s.bitfield.Has(i) {
			resized.Set(i)
		}
	}
	s.bitfield = resized
}

// PeerID returns the 20-byte peer id received at handshake.
func (s *Session) PeerID() [IDLen]byte { return s.peerID }

// Extensions returns the peer's advertised extended-message id map.
func (s *Session) Extensions() ExtensionMap { return s.peerExtensions }

// MetadataSize returns the metadata_size the peer advertised in its
// extended handshake, or 0 if absent.
func (s *Session) MetadataSize() int { return s.metadataSize }

// HasPiece reports whether the peer's bitfield claims piece i; it
// satisfies scheduler.HasFunc.
func (s *Session) HasPiece(i int) bool { return s.bitfield.Has(i) }

// Connect dials the peer with the configured connect timeout, per
// spec.md §4.6's Connecting state.
func (s *Session) Connect() error {
	conn, err := net.DialTimeout("tcp", s.addr, s.cfg.ConnectTimeout)
	if err != nil {
		return errors.Wrapf(ErrTimeout, "connect to %s: %v", s.addr, err)
	}
	s.conn = conn
	s.state = StateHandshaking
	return nil
}

// Handshake sends our handshake and validates the peer's, per spec.md
// §4.6's Handshaking state.
func (s *Session) Handshake() error {
	hs := NewHandshake(s.infoHash, s.localID)
	if err := hs.Send(s.conn); err != nil {
		s.Close()
		return err
	}
	s.touchWrite()
	resp, err := ReadHandshake(s.conn, s.infoHash, time.Now().Add(s.cfg.HandshakeTimeout))
	if err != nil {
		s.Close()
		return err
	}
	s.peerID = resp.PeerID
	s.peerSupportsExt = resp.SupportsExt
	s.state = StateExchangingExtensions
	logger.Infof("peer: handshake ok with %s, ext=%v", s.addr, resp.SupportsExt)
	return nil
}

// NegotiateExtensions runs the ExchangingExtensions state: if both
// sides advertised the BEP-10 reserved bit, it exchanges extended
// handshakes and records the peer's ut_metadata id and metadata_size.
// If requireMetadataExt is true (the magnet path) and the peer never
// advertised ut_metadata, it fails with ErrExtensionUnsupported per
// spec.md §4.6.
func (s *Session) NegotiateExtensions(requireMetadataExt bool, localMetadataSize int) error {
	if !s.peerSupportsExt {
		if requireMetadataExt {
			s.Close()
			return errors.Wrap(ErrExtensionUnsupported, "peer did not advertise BEP-10")
		}
		s.state = StateExchanging
		return nil
	}

	hs, err := BuildExtendedHandshake(localMetadataSize)
	if err != nil {
		s.Close()
		return err
	}
	if err := s.send(hs); err != nil {
		s.Close()
		return err
	}

	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	for {
		msg, err := ReadMessage(s.conn, deadline)
		if err != nil {
			s.Close()
			return errors.Wrap(err, "peer: read extended handshake")
		}
		if !s.absorbIncidental(msg) {
			continue
		}
		if msg.ID != IDExtended || msg.ExtendedID != 0 {
			continue
		}
		m, size, err := ParseExtendedHandshake(msg.ExtPayload)
		if err != nil {
			s.Close()
			return err
		}
		s.peerExtensions = m
		s.metadataSize = size
		if id, ok := m[utMetadataName]; ok {
			s.peerUTMetaID = ID(id)
		} else if requireMetadataExt {
			s.Close()
			return errors.Wrap(ErrExtensionUnsupported, "peer did not advertise ut_metadata")
		}
		break
	}
	s.state = StateExchanging
	return nil
}

// FetchMetadata runs the FetchingMetadata state (magnet path only): it
// requests and assembles the info dictionary over ut_metadata and
// verifies it against s.infoHash.
func (s *Session) FetchMetadata() (*meta.Torrent, error) {
	if s.peerUTMetaID == 0 {
		return nil, errors.Wrap(ErrExtensionUnsupported, "peer has no ut_metadata id")
	}
	t, err := FetchMetadata(s.conn, s.peerUTMetaID, s.infoHash, s.metadataSize, s.cfg.BlockTimeout)
	if err != nil {
		return nil, err
	}
	s.SetBitfieldSize(t.Info.PieceCount())
	return t, nil
}

// StartExchanging sends Interested and blocks (up to BlockTimeout)
// until the peer unchokes us, absorbing any Bitfield/Have/keepalive
// messages that arrive in the meantime.
func (s *Session) StartExchanging() error {
	s.amInterested = true
	if err := s.send(Message{ID: IDInterested}); err != nil {
		s.Close()
		return err
	}
	for s.peerChoking {
		msg, err := ReadMessage(s.conn, time.Now().Add(s.cfg.BlockTimeout))
		if err != nil {
			s.Close()
			return errors.Wrap(ErrTimeout, "peer: waiting for unchoke")
		}
		s.absorbIncidental(msg)
	}
	return nil
}

// absorbIncidental updates session state for messages that can arrive
// at any point in the Exchanging phase (and, for Bitfield/Extended,
// during ExchangingExtensions too): Choke/Unchoke, Have, Bitfield,
// keepalive. It returns false for messages the caller should treat as
// "nothing to act on yet" (keepalive, unknown ids) so callers can loop
// past them,
// and true otherwise — including for message kinds the caller still
// needs to inspect itself (e.g. Piece, Extended).
func (s *Session) absorbIncidental(msg Message) bool {
	switch {
	case msg.IsKeepalive:
		return false
	case msg.Unknown:
		return false
	case msg.ID == IDChoke:
		s.peerChoking = true
		return true
	case msg.ID == IDUnchoke:
		s.peerChoking = false
		return true
	case msg.ID == IDInterested:
		s.peerInterested = true
		return true
	case msg.ID == IDNotInterested:
		s.peerInterested = false
		return true
	case msg.ID == IDHave:
		s.bitfield.Set(msg.Index)
		return true
	case msg.ID == IDBitfield:
		if bf, err := ParseBitfield(msg.BitfieldPayload, s.numPieces); err == nil {
			s.bitfield = bf
		} else {
			logger.Warningf("peer: %s sent invalid bitfield: %v", s.addr, err)
		}
		return true
	default:
		return true
	}
}

// pendingBlock is one outstanding block request.
type pendingBlock struct {
	offset int
	length int
}

// DownloadPiece requests every block of desc in ascending offset order,
// keeping up to cfg.RequestWindow requests outstanding at once, and
// returns the fully assembled piece bytes. If the peer chokes us before
// the piece completes, it returns ErrChoked so the coordinator can
// release the piece back to the scheduler without closing the session
// as a protocol failure.
func (s *Session) DownloadPiece(desc meta.PieceDescriptor) ([]byte, error) {
	buf := make([]byte, desc.Length)
	blocks := blockPlan(desc.Length)

	nextToSend := 0
	outstanding := make(map[int]pendingBlock) // offset -> block
	doneCount := 0

	for doneCount < len(blocks) {
		if s.peerChoking {
			return nil, ErrChoked
		}
		for len(outstanding) < s.cfg.RequestWindow && nextToSend < len(blocks) {
			b := blocks[nextToSend]
			if err := s.send(Message{ID: IDRequest, Index: desc.Index, Begin: b.offset, Length: b.length}); err != nil {
				return nil, err
			}
			outstanding[b.offset] = b
			nextToSend++
		}
		if len(outstanding) == 0 {
			break
		}

		if time.Since(s.lastWriteAt) > s.cfg.KeepaliveInterval {
			if err := WriteKeepalive(s.conn); err == nil {
				s.touchWrite()
			}
		}

		msg, err := ReadMessage(s.conn, time.Now().Add(s.cfg.IdleTimeout))
		if err != nil {
			return nil, errors.Wrap(ErrTimeout, "peer: block read timeout")
		}
		if !s.absorbIncidental(msg) {
			continue
		}
		if msg.ID == IDChoke {
			return nil, ErrChoked
		}
		if msg.ID != IDPiece || msg.Index != desc.Index {
			continue
		}
		b, ok := outstanding[msg.Begin]
		if !ok || len(msg.Block) != b.length {
			continue
		}
		copy(buf[msg.Begin:msg.Begin+len(msg.Block)], msg.Block)
		delete(outstanding, msg.Begin)
		doneCount++
	}
	return buf, nil
}

// blockPlan splits a piece of the given length into BlockSize-aligned
// requests, the last one shorter if length isn't a multiple of
// BlockSize, per spec.md §4.6.
func blockPlan(length int64) []pendingBlock {
	var blocks []pendingBlock
	var offset int64
	for offset < length {
		l := int64(BlockSize)
		if length-offset < l {
			l = length - offset
		}
		blocks = append(blocks, pendingBlock{offset: int(offset), length: int(l)})
		offset += l
	}
	return blocks
}

// send writes a message and records the write time for keepalive
// pacing.
func (s *Session) send(m Message) error {
	if err := WriteMessage(s.conn, m); err != nil {
		return errors.Wrap(err, "peer: write")
	}
	s.touchWrite()
	return nil
}

func (s *Session) touchWrite() {
	s.lastWriteAt = time.Now()
}

// Close tears down the connection and marks the session terminal. Any
// piece assignment the caller was holding must still be released to the
// scheduler — that is the coordinator's responsibility, not this
// method's, per spec.md §4.6's Closed state description.
func (s *Session) Close() error {
	s.state = StateClosed
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }
