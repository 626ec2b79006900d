// Package meta provides a typed view over a decoded torrent metainfo
// dictionary: the piece layout, file list, and the info-hash that
// identifies the swarm.
package meta

import (
	"crypto/sha1"
	"fmt"
	"io/ioutil"

	"github.com/pkg/errors"

	"github.com/halvard-ek/bget/bencode"
)

// HashSize is the length in bytes of a SHA-1 digest: both the info-hash
// and each per-piece hash.
const HashSize = 20

// Hash is a SHA-1 digest: an info-hash or a piece hash.
type Hash [HashSize]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// FileInfo describes one file within a multi-file torrent.
type FileInfo struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

// Info is the decoded `info` dictionary plus the info-hash computed over
// its exact original bytes. It implements bencode.Unmarshaler itself so
// that it can capture those bytes before recursing into its own fields —
// re-encoding the dictionary would not reliably reproduce byte-identical
// output (key order, integer formatting quirks from another client), so
// the hash is taken from the input directly.
type Info struct {
	Hash        Hash   `bencode:"-"`
	Name        string `bencode:"name"`
	PieceLength int    `bencode:"piece length"`
	Pieces      []byte `bencode:"pieces"`
	Length      int64  `bencode:"length,omitempty"`
	Files       []FileInfo `bencode:"files,omitempty"`
}

// noRecurseInfo has the same memory layout as Info but no UnmarshalBencode
// method, so bencode.Unmarshal can be pointed at it without looping back
// into Info.UnmarshalBencode.
type noRecurseInfo Info

// UnmarshalBencode implements bencode.Unmarshaler. data is the exact
// bencoded bytes of the `info` dictionary, sliced out by the decoder
// before any of its fields were interpreted.
func (i *Info) UnmarshalBencode(data []byte) error {
	i.Hash = sha1.Sum(data)
	return bencode.Unmarshal(data, (*noRecurseInfo)(i))
}

// IsMultiFile reports whether the info dictionary describes a multi-file
// layout (info.files present) rather than a single file (info.length).
func (i *Info) IsMultiFile() bool {
	return len(i.Files) > 0
}

// TotalLength returns the sum of all file lengths: info.length for a
// single-file torrent, or the sum of info.files[*].length otherwise.
func (i *Info) TotalLength() int64 {
	if !i.IsMultiFile() {
		return i.Length
	}
	var total int64
	for _, f := range i.Files {
		total += f.Length
	}
	return total
}

// PieceHashes slices the raw `pieces` byte string into one Hash per piece.
func (i *Info) PieceHashes() ([]Hash, error) {
	if len(i.Pieces)%HashSize != 0 {
		return nil, errors.Errorf("meta: pieces length %d is not a multiple of %d", len(i.Pieces), HashSize)
	}
	n := len(i.Pieces) / HashSize
	hashes := make([]Hash, n)
	for idx := range hashes {
		copy(hashes[idx][:], i.Pieces[idx*HashSize:(idx+1)*HashSize])
	}
	return hashes, nil
}

// PieceCount returns the number of pieces implied by the `pieces` field.
func (i *Info) PieceCount() int {
	return len(i.Pieces) / HashSize
}

// PieceLen returns the exact length of piece index: PieceLength for
// every piece except the last, which may be shorter.
func (i *Info) PieceLen(index int) int64 {
	total := i.TotalLength()
	pieceLen := int64(i.PieceLength)
	last := int64(i.PieceCount() - 1)
	if int64(index) == last {
		rem := total - last*pieceLen
		return rem
	}
	return pieceLen
}

// validate enforces the structural invariants from the spec: the piece
// count implied by total length and piece length must match the number
// of piece hashes actually present, and the final piece must be a
// positive fraction of piece length. Checked eagerly at load time
// (following original_source/src/torrent/metainfo.rs, which rejects the
// mismatch immediately rather than deferring it to download time).
func (i *Info) validate() error {
	if i.PieceLength <= 0 {
		return errors.New("meta: piece length must be positive")
	}
	hashes, err := i.PieceHashes()
	if err != nil {
		return err
	}
	total := i.TotalLength()
	want := (total + int64(i.PieceLength) - 1) / int64(i.PieceLength)
	if total == 0 {
		want = 0
	}
	if want != int64(len(hashes)) {
		return errors.Errorf("meta: piece count mismatch: total_length/piece_length implies %d, pieces field has %d", want, len(hashes))
	}
	if len(hashes) > 0 {
		last := i.PieceLen(len(hashes) - 1)
		if last <= 0 || last > int64(i.PieceLength) {
			return errors.Errorf("meta: last piece length %d out of range (0, %d]", last, i.PieceLength)
		}
	}
	return nil
}

// Torrent is the top-level decoded metainfo file.
type Torrent struct {
	Announce     string     `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	Info         Info       `bencode:"info"`
}

// Trackers returns every announce URL this torrent carries, primary
// announce first followed by the announce-list tiers in order.
func (t *Torrent) Trackers() []string {
	var out []string
	if t.Announce != "" {
		out = append(out, t.Announce)
	}
	for _, tier := range t.AnnounceList {
		out = append(out, tier...)
	}
	return out
}

// Load reads and decodes a .torrent file from disk.
func Load(path string) (*Torrent, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "meta: read %s", path)
	}
	return Parse(data)
}

// FileEntry is one file of the torrent's content, with its byte offset
// within the concatenated piece stream.
type FileEntry struct {
	Path   []string
	Offset int64
	Length int64
}

// FileList returns every file the torrent describes, in the fixed order
// used to lay out pieces: a single synthetic entry for a single-file
// torrent, or info.files in declaration order for a multi-file one. Each
// entry's Offset is its starting byte position in the logical
// concatenation of all files, the same space piece indices are measured
// in.
func (t *Torrent) FileList() []FileEntry {
	if !t.Info.IsMultiFile() {
		return []FileEntry{{Path: []string{t.Info.Name}, Offset: 0, Length: t.Info.Length}}
	}
	entries := make([]FileEntry, 0, len(t.Info.Files))
	var offset int64
	for _, f := range t.Info.Files {
		entries = append(entries, FileEntry{Path: f.Path, Offset: offset, Length: f.Length})
		offset += f.Length
	}
	return entries
}

// PieceDescriptor is an immutable description of one piece, per
// spec.md §3: its index, exact length, and expected SHA-1 hash.
type PieceDescriptor struct {
	Index  int
	Length int64
	Hash   Hash
}

// PieceDescriptors returns one PieceDescriptor per piece, in index
// order, ready to hand to a scheduler.
func (t *Torrent) PieceDescriptors() ([]PieceDescriptor, error) {
	hashes, err := t.Info.PieceHashes()
	if err != nil {
		return nil, err
	}
	out := make([]PieceDescriptor, len(hashes))
	for i, h := range hashes {
		out[i] = PieceDescriptor{Index: i, Length: t.Info.PieceLen(i), Hash: h}
	}
	return out, nil
}

// Parse decodes an in-memory metainfo buffer into a Torrent.
func Parse(data []byte) (*Torrent, error) {
	t := new(Torrent)
	if err := bencode.Unmarshal(data, t); err != nil {
		return nil, errors.Wrap(err, "meta: malformed metainfo")
	}
	if err := t.Info.validate(); err != nil {
		return nil, err
	}
	return t, nil
}
