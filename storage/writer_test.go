package storage

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/halvard-ek/bget/meta"
)

func TestVerify(t *testing.T) {
	data := []byte("piece bytes")
	want := sha1.Sum(data)
	if !Verify(data, want) {
		t.Fatal("expected match")
	}
	want[0] ^= 0xff
	if Verify(data, want) {
		t.Fatal("expected mismatch")
	}
}

func TestWritePieceSingleFile(t *testing.T) {
	dir := t.TempDir()
	torrent := &meta.Torrent{Info: meta.Info{
		Name:        "out.bin",
		PieceLength: 4,
		Length:      8,
		Pieces:      make([]byte, 40),
	}}
	w, err := NewWriter(torrent, dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if err := w.WritePiece(0, []byte("AAAA")); err != nil {
		t.Fatalf("WritePiece(0): %v", err)
	}
	if err := w.WritePiece(1, []byte("BBBB")); err != nil {
		t.Fatalf("WritePiece(1): %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "AAAABBBB" {
		t.Fatalf("got %q, want AAAABBBB", got)
	}
}

func TestWritePieceIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	torrent := &meta.Torrent{Info: meta.Info{
		Name:        "out.bin",
		PieceLength: 4,
		Length:      4,
		Pieces:      make([]byte, 20),
	}}
	w, err := NewWriter(torrent, dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if err := w.WritePiece(0, []byte("AAAA")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := w.WritePiece(0, []byte("ZZZZ")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "AAAA" {
		t.Fatalf("got %q, want AAAA (second write should be a no-op)", got)
	}
}

func TestWritePieceSplitsAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	torrent := &meta.Torrent{Info: meta.Info{
		Name:        "multi",
		PieceLength: 4,
		Files: []meta.FileInfo{
			{Path: []string{"a.txt"}, Length: 2},
			{Path: []string{"b.txt"}, Length: 2},
		},
		Pieces: make([]byte, 20),
	}}
	w, err := NewWriter(torrent, dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if err := w.WritePiece(0, []byte("WXYZ")); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}

	a, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile a.txt: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "b.txt"))
	if err != nil {
		t.Fatalf("ReadFile b.txt: %v", err)
	}
	if string(a) != "WX" || string(b) != "YZ" {
		t.Fatalf("got a=%q b=%q, want a=WX b=YZ", a, b)
	}
}
