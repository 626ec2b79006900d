package peer

import (
	"net"
	"testing"
	"time"

	"github.com/halvard-ek/bget/meta"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.BlockTimeout = time.Second
	cfg.IdleTimeout = time.Second
	cfg.KeepaliveInterval = time.Hour
	cfg.RequestWindow = 2
	return cfg
}

func TestSessionConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	var hash meta.Hash
	s := NewSession(ln.Addr().String(), hash, NewID(), 0, testConfig())
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.State() != StateHandshaking {
		t.Fatalf("state = %v, want StateHandshaking", s.State())
	}
	s.Close()
}

func TestSessionHandshake(t *testing.T) {
	var hash meta.Hash
	copy(hash[:], "01234567890123456789")

	client, server := net.Pipe()
	peerID := NewID()
	// net.Pipe is unbuffered: the fake peer must read the session's
	// handshake before sending its own, as a real peer would.
	go func() {
		if _, err := ReadHandshake(client, hash, time.Now().Add(time.Second)); err != nil {
			return
		}
		NewHandshake(hash, peerID).Send(client)
	}()

	s := NewSession("peer:0", hash, NewID(), 0, testConfig())
	s.conn = server
	if err := s.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if s.PeerID() != peerID {
		t.Fatalf("PeerID = %x, want %x", s.PeerID(), peerID)
	}
	if !s.peerSupportsExt {
		t.Fatal("expected peerSupportsExt true")
	}
	if s.State() != StateExchangingExtensions {
		t.Fatalf("state = %v, want StateExchangingExtensions", s.State())
	}
}

func TestSessionNegotiateExtensionsSkippedWithoutSupport(t *testing.T) {
	var hash meta.Hash
	client, server := net.Pipe()
	defer client.Close()

	s := NewSession("peer:0", hash, NewID(), 10, testConfig())
	s.conn = server
	s.peerSupportsExt = false

	if err := s.NegotiateExtensions(false, 0); err != nil {
		t.Fatalf("NegotiateExtensions: %v", err)
	}
	if s.State() != StateExchanging {
		t.Fatalf("state = %v, want StateExchanging", s.State())
	}
}

func TestSessionNegotiateExtensionsRequiresUTMetadata(t *testing.T) {
	var hash meta.Hash
	client, server := net.Pipe()

	s := NewSession("peer:0", hash, NewID(), 0, testConfig())
	s.conn = server
	s.peerSupportsExt = true

	go func() {
		// read the session's extended handshake first (net.Pipe is unbuffered)
		ReadMessage(client, time.Now().Add(time.Second))
		// peer advertises extensions but not ut_metadata
		msg, _ := BuildExtendedHandshake(0)
		msg.ExtPayload = []byte("d1:md5:otheri1ee")
		WriteMessage(client, msg)
	}()

	err := s.NegotiateExtensions(true, 0)
	if err != ErrExtensionUnsupported && !isWrapped(err, ErrExtensionUnsupported) {
		t.Fatalf("NegotiateExtensions: got %v, want ErrExtensionUnsupported", err)
	}
}

func TestSessionNegotiateExtensionsRecordsUTMetadataID(t *testing.T) {
	var hash meta.Hash
	client, server := net.Pipe()
	defer client.Close()

	s := NewSession("peer:0", hash, NewID(), 0, testConfig())
	s.conn = server
	s.peerSupportsExt = true

	go func() {
		// read the session's extended handshake first (net.Pipe is unbuffered)
		ReadMessage(client, time.Now().Add(time.Second))
		msg, _ := BuildExtendedHandshake(3417)
		WriteMessage(client, msg)
	}()

	if err := s.NegotiateExtensions(true, 0); err != nil {
		t.Fatalf("NegotiateExtensions: %v", err)
	}
	if s.MetadataSize() != 3417 {
		t.Fatalf("MetadataSize = %d, want 3417", s.MetadataSize())
	}
	if s.peerUTMetaID != localUTMetadataID {
		t.Fatalf("peerUTMetaID = %d, want %d", s.peerUTMetaID, localUTMetadataID)
	}
}

func TestSessionStartExchangingWaitsForUnchoke(t *testing.T) {
	var hash meta.Hash
	client, server := net.Pipe()
	defer client.Close()

	s := NewSession("peer:0", hash, NewID(), 4, testConfig())
	s.conn = server

	go func() {
		// read the session's Interested first (net.Pipe is unbuffered)
		ReadMessage(client, time.Now().Add(time.Second))
		WriteMessage(client, Message{ID: IDBitfield, BitfieldPayload: []byte{0xF0}})
		WriteMessage(client, Message{ID: IDUnchoke})
	}()

	if err := s.StartExchanging(); err != nil {
		t.Fatalf("StartExchanging: %v", err)
	}
	if !s.amInterested {
		t.Fatal("expected amInterested true")
	}
	if s.peerChoking {
		t.Fatal("expected peerChoking false after unchoke")
	}
	if !s.bitfield.Has(0) {
		t.Fatal("expected bitfield bit 0 set from peer's Bitfield message")
	}
}

func TestSessionDownloadPieceAssemblesBlocks(t *testing.T) {
	var hash meta.Hash
	client, server := net.Pipe()
	defer client.Close()

	s := NewSession("peer:0", hash, NewID(), 1, testConfig())
	s.conn = server
	s.peerChoking = false

	want := make([]byte, BlockSize+100)
	for i := range want {
		want[i] = byte(i)
	}

	// The session sends both requests of its window before reading, and
	// net.Pipe is unbuffered, so the fake peer reads both before answering.
	go func() {
		var reqs []Message
		for i := 0; i < 2; i++ {
			req, err := ReadMessage(client, time.Now().Add(time.Second))
			if err != nil || req.ID != IDRequest {
				return
			}
			reqs = append(reqs, req)
		}
		for _, req := range reqs {
			WriteMessage(client, Message{
				ID:    IDPiece,
				Index: req.Index,
				Begin: req.Begin,
				Block: want[req.Begin : req.Begin+req.Length],
			})
		}
	}()

	got, err := s.DownloadPiece(meta.PieceDescriptor{Index: 0, Length: int64(len(want))})
	if err != nil {
		t.Fatalf("DownloadPiece: %v", err)
	}
	if string(got) != string(want) {
		t.Fatal("assembled piece does not match expected bytes")
	}
}

func TestSessionDownloadPieceReturnsErrChokedOnChoke(t *testing.T) {
	var hash meta.Hash
	client, server := net.Pipe()
	defer client.Close()

	s := NewSession("peer:0", hash, NewID(), 1, testConfig())
	s.conn = server
	s.peerChoking = false

	go func() {
		ReadMessage(client, time.Now().Add(time.Second))
		WriteMessage(client, Message{ID: IDChoke})
	}()

	_, err := s.DownloadPiece(meta.PieceDescriptor{Index: 0, Length: BlockSize})
	if err != ErrChoked {
		t.Fatalf("DownloadPiece: got %v, want ErrChoked", err)
	}
}

// isWrapped reports whether err wraps target via errors.Wrap's Cause chain.
func isWrapped(err, target error) bool {
	type causer interface{ Cause() error }
	for err != nil {
		if err == target {
			return true
		}
		c, ok := err.(causer)
		if !ok {
			return false
		}
		err = c.Cause()
	}
	return false
}
