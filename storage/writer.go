// Package storage is the verifier/writer: the one point of file
// mutation for a download, per spec.md §9 ("The writer is the single
// point of file mutation. This removes the need for fine-grained
// locking on per-piece state."). Grounded on the teacher's
// filesystem/piece.go (SHA-1 check before a piece is considered
// complete) and storage/resource.go (locating which file(s) a piece's
// byte range spans via a cumulative-offset table, splitting a write
// across a file boundary).
package storage

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/halvard-ek/bget/meta"
)

// Verify reports whether data hashes to want, per spec.md §4.10.
func Verify(data []byte, want meta.Hash) bool {
	return sha1.Sum(data) == want
}

// fileSpan is one output file's position within the logical,
// piece-indexed byte stream, mirroring the teacher's resource.file
// begin/end bookkeeping.
type fileSpan struct {
	path   string
	offset int64 // starting byte in the logical stream
	length int64
	fd     *os.File
}

// Writer serializes every positional write into a torrent's output
// file(s), per spec.md §5 ("Output file: serialized by an exclusive
// lock around each positional write").
type Writer struct {
	mu          sync.Mutex
	pieceLength int64
	spans       []fileSpan

	// written deduplicates WritePiece calls for a piece index already
	// on disk, so "writing the same verified piece twice is a no-op on
	// file contents" (spec.md §8) is a cheap membership check instead
	// of a re-read-and-compare, the same role the teacher's
	// storage.Storage.cache plays for its own block reads/writes.
	written *lru.ARCCache
}

// NewWriter creates (truncating to final size) every output file a
// torrent describes, rooted at outputDir, and returns a Writer ready to
// accept verified pieces in any order.
func NewWriter(t *meta.Torrent, outputDir string) (*Writer, error) {
	cache, err := lru.NewARC(t.Info.PieceCount())
	if err != nil {
		return nil, errors.Wrap(err, "storage: allocate dedup cache")
	}
	w := &Writer{pieceLength: int64(t.Info.PieceLength), written: cache}

	var offset int64
	for _, f := range t.FileList() {
		path := filepath.Join(outputDir, filepath.Join(f.Path...))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrapf(err, "storage: create directory for %s", path)
		}
		fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "storage: open %s", path)
		}
		if err := fd.Truncate(f.Length); err != nil {
			return nil, errors.Wrapf(err, "storage: truncate %s", path)
		}
		w.spans = append(w.spans, fileSpan{path: path, offset: offset, length: f.Length, fd: fd})
		offset += f.Length
	}
	return w, nil
}

// Close releases every open file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for _, s := range w.spans {
		if err := s.fd.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WritePiece writes a fully verified piece at its positional offset,
// splitting the write across file boundaries per the layout's
// cumulative offset table. Calling it twice for the same index is a
// no-op the second time.
func (w *Writer) WritePiece(index int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.written.Get(index); ok {
		return nil
	}

	start := int64(index) * w.pieceLength
	end := start + int64(len(data))
	for _, span := range w.spans {
		spanEnd := span.offset + span.length
		if spanEnd <= start || span.offset >= end {
			continue
		}
		loStream := max64(start, span.offset)
		hiStream := min64(end, spanEnd)
		chunk := data[loStream-start : hiStream-start]
		if _, err := span.fd.WriteAt(chunk, loStream-span.offset); err != nil {
			return errors.Wrapf(err, "storage: write %s", span.path)
		}
	}

	w.written.Add(index, struct{}{})
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
