// Package download drives the end-to-end flow spec.md §4.9 describes:
// it takes a peer list and a metainfo (or, on the magnet path, just an
// info-hash), spawns sessions, and glues the scheduler, the peer
// sessions, and the storage writer together. Grounded on the teacher's
// Download/task split in download.go and peer/manager.go, collapsed
// into one coordinator type since this client never seeds or reconciles
// multiple concurrent tasks.
package download

import (
	"sync"
	"time"

	"github.com/google/logger"
	"github.com/pkg/errors"

	"github.com/halvard-ek/bget/meta"
	"github.com/halvard-ek/bget/peer"
	"github.com/halvard-ek/bget/scheduler"
	"github.com/halvard-ek/bget/storage"
	"github.com/halvard-ek/bget/tracker"
)

// ErrNoPeersLeft is returned when the scheduler still has outstanding
// pieces but every session has closed, per spec.md §4.9.
var ErrNoPeersLeft = errors.New("download: no peers left")

// Config bundles the coordinator's knobs, grounded on the teacher's
// config.go/NewConfig pattern.
type Config struct {
	Concurrency int
	OutputDir   string
	Peer        peer.Config

	// idlePieceRetry is how long a worker without an assignable piece
	// waits before asking the scheduler again, rather than spinning.
	idlePieceRetry time.Duration
}

// DefaultConfig returns spec.md's defaults: P=5 concurrent sessions,
// peer.DefaultConfig() timeouts.
func DefaultConfig() Config {
	return Config{
		Concurrency:    5,
		Peer:           peer.DefaultConfig(),
		idlePieceRetry: 200 * time.Millisecond,
	}
}

// FetchMetadata tries each peer address in turn until one successfully
// hands over a verified info dictionary for infoHash, per spec.md §4.7's
// "Reject: try next peer". Used on the magnet path before a real
// download can begin.
func FetchMetadata(infoHash meta.Hash, peers []tracker.PeerAddress, cfg Config) (*meta.Torrent, error) {
	localID := peer.NewID()
	var lastErr error
	for _, addr := range peers {
		s := peer.NewSession(addr.String(), infoHash, localID, 0, cfg.Peer)
		t, err := fetchMetadataFrom(s)
		if err != nil {
			logger.Warningf("download: metadata fetch from %s failed: %v", addr, err)
			lastErr = err
			continue
		}
		return t, nil
	}
	if lastErr == nil {
		lastErr = ErrNoPeersLeft
	}
	return nil, errors.Wrap(lastErr, "download: metadata fetch exhausted all peers")
}

func fetchMetadataFrom(s *peer.Session) (*meta.Torrent, error) {
	defer s.Close()
	if err := s.Connect(); err != nil {
		return nil, err
	}
	if err := s.Handshake(); err != nil {
		return nil, err
	}
	if err := s.NegotiateExtensions(true, 0); err != nil {
		return nil, err
	}
	return s.FetchMetadata()
}

// DownloadPiece tries each peer in turn until one yields verified bytes
// for the given piece index, per the single-piece CLI subcommands
// (download_piece, magnet_download_piece).
func DownloadPiece(t *meta.Torrent, peers []tracker.PeerAddress, index int, cfg Config) ([]byte, error) {
	descs, err := t.PieceDescriptors()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(descs) {
		return nil, errors.Errorf("download: piece index %d out of range", index)
	}
	desc := descs[index]

	localID := peer.NewID()
	var lastErr error
	for _, addr := range peers {
		s := peer.NewSession(addr.String(), t.Info.Hash, localID, t.Info.PieceCount(), cfg.Peer)
		data, err := downloadPieceFrom(s, desc)
		if err != nil {
			logger.Warningf("download: piece %d from %s failed: %v", index, addr, err)
			lastErr = err
			continue
		}
		return data, nil
	}
	if lastErr == nil {
		lastErr = ErrNoPeersLeft
	}
	return nil, errors.Wrap(lastErr, "download: piece exhausted all peers")
}

func downloadPieceFrom(s *peer.Session, desc meta.PieceDescriptor) ([]byte, error) {
	defer s.Close()
	if err := s.Connect(); err != nil {
		return nil, err
	}
	if err := s.Handshake(); err != nil {
		return nil, err
	}
	if err := s.NegotiateExtensions(false, 0); err != nil {
		return nil, err
	}
	if err := s.StartExchanging(); err != nil {
		return nil, err
	}
	if !s.HasPiece(desc.Index) {
		return nil, errors.Errorf("download: peer lacks piece %d", desc.Index)
	}
	data, err := s.DownloadPiece(desc)
	if err != nil {
		return nil, err
	}
	if !storage.Verify(data, desc.Hash) {
		return nil, errors.Wrapf(peer.ErrHashMismatch, "piece %d", desc.Index)
	}
	return data, nil
}

// Download runs the full coordinator loop: one worker per peer address
// (bounded by cfg.Concurrency), each pulling pieces from the shared
// scheduler, downloading, verifying, and writing them, until every
// piece is written or every session has given up, per spec.md §4.9.
func Download(t *meta.Torrent, peers []tracker.PeerAddress, cfg Config) error {
	descs, err := t.PieceDescriptors()
	if err != nil {
		return err
	}
	sched := scheduler.New(descs)

	w, err := storage.NewWriter(t, cfg.OutputDir)
	if err != nil {
		return err
	}
	defer w.Close()

	if cfg.idlePieceRetry == 0 {
		cfg.idlePieceRetry = 200 * time.Millisecond
	}

	n := len(peers)
	if cfg.Concurrency > 0 && cfg.Concurrency < n {
		n = cfg.Concurrency
	}
	if n == 0 {
		return ErrNoPeersLeft
	}

	localID := peer.NewID()
	var wg sync.WaitGroup
	for _, addr := range peers[:n] {
		wg.Add(1)
		addr := addr
		go func() {
			defer wg.Done()
			runWorker(addr.String(), t, localID, sched, w, cfg)
		}()
	}
	wg.Wait()

	if !sched.Done() {
		return ErrNoPeersLeft
	}
	return nil
}

// runWorker drives one peer connection through the full session
// lifecycle and then the take/download/verify/release loop until the
// scheduler is drained, the peer gives up a piece, or the connection
// fails.
func runWorker(addr string, t *meta.Torrent, localID [peer.IDLen]byte, sched *scheduler.Scheduler, w *storage.Writer, cfg Config) {
	s := peer.NewSession(addr, t.Info.Hash, localID, t.Info.PieceCount(), cfg.Peer)
	defer s.Close()

	if err := s.Connect(); err != nil {
		logger.Warningf("download: connect %s: %v", addr, err)
		return
	}
	if err := s.Handshake(); err != nil {
		logger.Warningf("download: handshake %s: %v", addr, err)
		return
	}
	if err := s.NegotiateExtensions(false, 0); err != nil {
		logger.Warningf("download: extensions %s: %v", addr, err)
		return
	}
	if err := s.StartExchanging(); err != nil {
		logger.Warningf("download: exchange %s: %v", addr, err)
		return
	}

	for {
		if sched.Done() {
			return
		}
		desc, ok := sched.Take(addr, s.HasPiece)
		if !ok {
			if sched.Done() {
				return
			}
			time.Sleep(cfg.idlePieceRetry)
			continue
		}

		data, err := s.DownloadPiece(desc)
		if err != nil {
			sched.ReleaseFail(desc.Index)
			if errors.Cause(err) == peer.ErrChoked {
				logger.Infof("download: piece %d from %s: choked, waiting for unchoke", desc.Index, addr)
				if err := s.StartExchanging(); err != nil {
					logger.Warningf("download: re-exchange %s: %v", addr, err)
					return
				}
				continue
			}
			logger.Warningf("download: piece %d from %s: %v", desc.Index, addr, err)
			return
		}
		if !storage.Verify(data, desc.Hash) {
			logger.Warningf("download: piece %d from %s failed hash check", desc.Index, addr)
			sched.ReleaseFail(desc.Index)
			continue
		}
		if err := w.WritePiece(desc.Index, data); err != nil {
			logger.Errorf("download: write piece %d: %v", desc.Index, err)
			sched.ReleaseFail(desc.Index)
			return
		}
		sched.ReleaseOK(desc.Index)
	}
}
