package download

import (
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/logger"

	"github.com/halvard-ek/bget/meta"
	"github.com/halvard-ek/bget/peer"
	"github.com/halvard-ek/bget/tracker"
)

func init() {
	logger.Init("test", false, false, os.Stdout)
}

// servePiece runs a minimal fake peer on ln: handshake, bitfield, unchoke,
// then answers every Request for data with a matching Piece message.
func servePiece(t *testing.T, ln net.Listener, hash meta.Hash, data []byte) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	if _, err := peer.ReadHandshake(conn, hash, time.Now().Add(2*time.Second)); err != nil {
		t.Logf("fake peer: read handshake: %v", err)
		return
	}
	fakeID := peer.NewID()
	hs := peer.Handshake{InfoHash: hash, PeerID: fakeID, SupportsExt: false}
	if err := hs.Send(conn); err != nil {
		t.Logf("fake peer: send handshake: %v", err)
		return
	}

	if err := peer.WriteMessage(conn, peer.Message{ID: peer.IDBitfield, BitfieldPayload: []byte{0x80}}); err != nil {
		return
	}
	if err := peer.WriteMessage(conn, peer.Message{ID: peer.IDUnchoke}); err != nil {
		return
	}

	for {
		msg, err := peer.ReadMessage(conn, time.Now().Add(2*time.Second))
		if err != nil {
			return
		}
		if msg.ID != peer.IDRequest {
			continue
		}
		block := data[msg.Begin : msg.Begin+msg.Length]
		if err := peer.WriteMessage(conn, peer.Message{ID: peer.IDPiece, Index: msg.Index, Begin: msg.Begin, Block: block}); err != nil {
			return
		}
	}
}

func TestDownloadSinglePieceSinglePeer(t *testing.T) {
	data := []byte("AAAABBBB")
	hash := sha1.Sum(data)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	tor := &meta.Torrent{Info: meta.Info{
		Name:        "out.bin",
		PieceLength: len(data),
		Length:      int64(len(data)),
		Pieces:      hash[:],
	}}

	go servePiece(t, ln, tor.Info.Hash, data)

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	peers := []tracker.PeerAddress{{IP: net.ParseIP("127.0.0.1"), Port: port}}

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.OutputDir = dir
	cfg.Peer.ConnectTimeout = time.Second
	cfg.Peer.HandshakeTimeout = time.Second
	cfg.Peer.BlockTimeout = time.Second
	cfg.Peer.IdleTimeout = time.Second

	if err := Download(tor, peers, cfg); err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestDownloadPieceSinglePeer(t *testing.T) {
	data := []byte("piece0piece0")
	hash := sha1.Sum(data)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	tor := &meta.Torrent{Info: meta.Info{
		Name:        "out.bin",
		PieceLength: len(data),
		Length:      int64(len(data)),
		Pieces:      hash[:],
	}}

	go servePiece(t, ln, tor.Info.Hash, data)

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	peers := []tracker.PeerAddress{{IP: net.ParseIP("127.0.0.1"), Port: port}}

	cfg := DefaultConfig()
	cfg.Peer.ConnectTimeout = time.Second
	cfg.Peer.HandshakeTimeout = time.Second
	cfg.Peer.BlockTimeout = time.Second
	cfg.Peer.IdleTimeout = time.Second

	got, err := DownloadPiece(tor, peers, 0, cfg)
	if err != nil {
		t.Fatalf("DownloadPiece: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

// servePieceWithChoke behaves like servePiece, except it chokes the
// client once on its first Request (without answering it) before
// unchoking and serving normally. A worker that treats a mid-piece choke
// as fatal would give up on this peer entirely instead of retrying.
func servePieceWithChoke(t *testing.T, ln net.Listener, hash meta.Hash, data []byte) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	if _, err := peer.ReadHandshake(conn, hash, time.Now().Add(2*time.Second)); err != nil {
		t.Logf("fake peer: read handshake: %v", err)
		return
	}
	fakeID := peer.NewID()
	hs := peer.Handshake{InfoHash: hash, PeerID: fakeID, SupportsExt: false}
	if err := hs.Send(conn); err != nil {
		return
	}
	if err := peer.WriteMessage(conn, peer.Message{ID: peer.IDBitfield, BitfieldPayload: []byte{0x80}}); err != nil {
		return
	}
	if err := peer.WriteMessage(conn, peer.Message{ID: peer.IDUnchoke}); err != nil {
		return
	}

	chokedOnce := false
	for {
		msg, err := peer.ReadMessage(conn, time.Now().Add(2*time.Second))
		if err != nil {
			return
		}
		if msg.ID != peer.IDRequest {
			continue
		}
		if !chokedOnce {
			chokedOnce = true
			if err := peer.WriteMessage(conn, peer.Message{ID: peer.IDChoke}); err != nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
			if err := peer.WriteMessage(conn, peer.Message{ID: peer.IDUnchoke}); err != nil {
				return
			}
			continue
		}
		block := data[msg.Begin : msg.Begin+msg.Length]
		if err := peer.WriteMessage(conn, peer.Message{ID: peer.IDPiece, Index: msg.Index, Begin: msg.Begin, Block: block}); err != nil {
			return
		}
	}
}

func TestDownloadSurvivesMidPieceChoke(t *testing.T) {
	data := []byte("CCCCDDDD")
	hash := sha1.Sum(data)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	tor := &meta.Torrent{Info: meta.Info{
		Name:        "out.bin",
		PieceLength: len(data),
		Length:      int64(len(data)),
		Pieces:      hash[:],
	}}

	go servePieceWithChoke(t, ln, tor.Info.Hash, data)

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	peers := []tracker.PeerAddress{{IP: net.ParseIP("127.0.0.1"), Port: port}}

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.OutputDir = dir
	cfg.Peer.ConnectTimeout = time.Second
	cfg.Peer.HandshakeTimeout = time.Second
	cfg.Peer.BlockTimeout = time.Second
	cfg.Peer.IdleTimeout = time.Second

	if err := Download(tor, peers, cfg); err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestDownloadFailsWithNoPeers(t *testing.T) {
	data := []byte("AAAA")
	hash := sha1.Sum(data)
	tor := &meta.Torrent{Info: meta.Info{
		Name:        "out.bin",
		PieceLength: len(data),
		Length:      int64(len(data)),
		Pieces:      hash[:],
	}}

	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()

	err := Download(tor, nil, cfg)
	if err != ErrNoPeersLeft {
		t.Fatalf("Download: got %v, want ErrNoPeersLeft", err)
	}
}
