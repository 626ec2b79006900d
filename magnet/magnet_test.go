package magnet

import (
	"strings"
	"testing"
)

const exampleHash = "d0d14c926e6e99761a2fdcff27b403d96376eff0"

func TestParseHex(t *testing.T) {
	uri := "magnet:?xt=urn:btih:" + exampleHash + "&dn=example.iso&tr=http%3A%2F%2Ftracker.one%2Fannounce&tr=http%3A%2F%2Ftracker.two%2Fannounce"
	m, err := Parse(uri)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.InfoHash.String() != exampleHash {
		t.Errorf("InfoHash = %s, want %s", m.InfoHash, exampleHash)
	}
	if m.Name != "example.iso" {
		t.Errorf("Name = %q", m.Name)
	}
	want := []string{"http://tracker.one/announce", "http://tracker.two/announce"}
	if len(m.Trackers) != 2 || m.Trackers[0] != want[0] || m.Trackers[1] != want[1] {
		t.Errorf("Trackers = %v, want %v", m.Trackers, want)
	}
}

func TestParseBase32(t *testing.T) {
	hexURI := "magnet:?xt=urn:btih:" + exampleHash
	hexM, err := Parse(hexURI)
	if err != nil {
		t.Fatalf("Parse(hex): %v", err)
	}

	b32 := toBase32(hexM.InfoHash[:])
	b32URI := "magnet:?xt=urn:btih:" + b32
	b32M, err := Parse(b32URI)
	if err != nil {
		t.Fatalf("Parse(base32): %v", err)
	}
	if b32M.InfoHash != hexM.InfoHash {
		t.Errorf("base32 and hex forms decoded to different hashes: %v != %v", b32M.InfoHash, hexM.InfoHash)
	}
}

func TestParseMissingXT(t *testing.T) {
	if _, err := Parse("magnet:?dn=foo"); err == nil {
		t.Error("Parse: want error for missing xt, got nil")
	}
}

func TestParseNonMagnetScheme(t *testing.T) {
	if _, err := Parse("http://example.com/?xt=urn:btih:" + exampleHash); err == nil {
		t.Error("Parse: want error for non-magnet scheme, got nil")
	}
}

func TestStringRoundTrip(t *testing.T) {
	uri := "magnet:?xt=urn:btih:" + exampleHash + "&dn=name&tr=http%3A%2F%2Ftracker%2Fannounce"
	m, err := Parse(uri)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out := m.String()
	m2, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse(String()): %v", err)
	}
	if m2.InfoHash != m.InfoHash || m2.Name != m.Name || len(m2.Trackers) != len(m.Trackers) {
		t.Errorf("round trip mismatch: %+v != %+v", m2, m)
	}
	if !strings.Contains(out, "xt=urn:btih:"+exampleHash) {
		t.Errorf("String() = %q, missing xt", out)
	}
}

func toBase32(b []byte) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	var out strings.Builder
	var buf uint64
	var bits uint
	for _, c := range b {
		buf = buf<<8 | uint64(c)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out.WriteByte(alphabet[(buf>>bits)&0x1f])
		}
	}
	if bits > 0 {
		out.WriteByte(alphabet[(buf<<(5-bits))&0x1f])
	}
	return out.String()
}
