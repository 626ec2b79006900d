// Command bget is a BitTorrent v1 client: given a .torrent file or a
// magnet URI it discovers peers, downloads, verifies, and writes
// content to disk. Grounded on the teacher's plain os.Args-switch entry
// point style (no cobra/cli framework).
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/logger"
	"github.com/pkg/errors"

	"github.com/halvard-ek/bget/bencode"
	"github.com/halvard-ek/bget/download"
	"github.com/halvard-ek/bget/magnet"
	"github.com/halvard-ek/bget/meta"
	"github.com/halvard-ek/bget/peer"
	"github.com/halvard-ek/bget/tracker"
)

// defaultPort is the listening port this client advertises in its own
// announce requests, per spec.md §6. The client never actually listens
// (no seeding), but trackers still expect a port value.
const defaultPort = 6881

func main() {
	verbose := os.Getenv("BGET_VERBOSE") != ""
	logger.Init("bget", verbose, false, os.Stderr)
	defer logger.Close()

	if len(os.Args) < 2 {
		fatalf("usage: bget <command> [args]")
	}

	var err error
	switch os.Args[1] {
	case "decode":
		err = cmdDecode(os.Args[2:])
	case "info":
		err = cmdInfo(os.Args[2:])
	case "peers":
		err = cmdPeers(os.Args[2:])
	case "handshake":
		err = cmdHandshake(os.Args[2:])
	case "download_piece":
		err = cmdDownloadPiece(os.Args[2:])
	case "download":
		err = cmdDownload(os.Args[2:])
	case "magnet_parse":
		err = cmdMagnetParse(os.Args[2:])
	case "magnet_handshake":
		err = cmdMagnetHandshake(os.Args[2:])
	case "magnet_info":
		err = cmdMagnetInfo(os.Args[2:])
	case "magnet_download_piece":
		err = cmdMagnetDownloadPiece(os.Args[2:])
	case "magnet_download":
		err = cmdMagnetDownload(os.Args[2:])
	default:
		fatalf("unknown command %q", os.Args[1])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "bget: %v\n", err)
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "bget: "+format+"\n", args...)
	os.Exit(1)
}

// cmdDecode implements `decode <bencoded>`: prints the decoded value as
// JSON-like text.
func cmdDecode(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: decode <bencoded>")
	}
	var v interface{}
	if err := bencode.Unmarshal([]byte(args[0]), &v); err != nil {
		return errors.Wrap(err, "decode")
	}
	out, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "decode: render JSON")
	}
	fmt.Println(string(out))
	return nil
}

// cmdInfo implements `info <file.torrent>`.
func cmdInfo(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: info <file.torrent>")
	}
	t, err := meta.Load(args[0])
	if err != nil {
		return err
	}
	printInfo(t)
	return nil
}

func printInfo(t *meta.Torrent) {
	if len(t.Trackers()) > 0 {
		fmt.Printf("Tracker URL: %s\n", t.Trackers()[0])
	}
	fmt.Printf("Length: %d\n", t.Info.TotalLength())
	fmt.Printf("Info Hash: %s\n", t.Info.Hash)
	fmt.Printf("Piece Length: %d\n", t.Info.PieceLength)
	fmt.Println("Piece Hashes:")
	hashes, err := t.Info.PieceHashes()
	if err != nil {
		return
	}
	for _, h := range hashes {
		fmt.Println(h.String())
	}
}

// cmdPeers implements `peers <file.torrent>`.
func cmdPeers(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: peers <file.torrent>")
	}
	t, err := meta.Load(args[0])
	if err != nil {
		return err
	}
	peers, err := announce(t.Trackers(), t.Info.Hash, t.Info.TotalLength())
	if err != nil {
		return err
	}
	for _, p := range peers {
		fmt.Println(p.String())
	}
	return nil
}

// cmdHandshake implements `handshake <file.torrent> <ip:port>`.
func cmdHandshake(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: handshake <file.torrent> <ip:port>")
	}
	t, err := meta.Load(args[0])
	if err != nil {
		return err
	}
	s := peer.NewSession(args[1], t.Info.Hash, peer.NewID(), t.Info.PieceCount(), peer.DefaultConfig())
	defer s.Close()
	if err := s.Connect(); err != nil {
		return err
	}
	if err := s.Handshake(); err != nil {
		return err
	}
	peerID := s.PeerID()
	fmt.Printf("Peer ID: %s\n", hex.EncodeToString(peerID[:]))
	return nil
}

// cmdDownloadPiece implements `download_piece -o <out> <file.torrent> <index>`.
func cmdDownloadPiece(args []string) error {
	fs := flag.NewFlagSet("download_piece", flag.ContinueOnError)
	out := fs.String("o", "", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if *out == "" || len(rest) != 2 {
		return errors.New("usage: download_piece -o <out> <file.torrent> <index>")
	}
	t, err := meta.Load(rest[0])
	if err != nil {
		return err
	}
	index, err := parseIndex(rest[1])
	if err != nil {
		return err
	}
	peers, err := announce(t.Trackers(), t.Info.Hash, t.Info.TotalLength())
	if err != nil {
		return err
	}
	data, err := download.DownloadPiece(t, peers, index, download.DefaultConfig())
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", *out)
	}
	fmt.Printf("Piece %d downloaded to %s.\n", index, *out)
	return nil
}

// cmdDownload implements `download -o <out> <file.torrent>`.
func cmdDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	out := fs.String("o", "", "output path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if *out == "" || len(rest) != 1 {
		return errors.New("usage: download -o <out> <file.torrent>")
	}
	t, err := meta.Load(rest[0])
	if err != nil {
		return err
	}
	peers, err := announce(t.Trackers(), t.Info.Hash, t.Info.TotalLength())
	if err != nil {
		return err
	}
	if err := runDownload(t, peers, *out); err != nil {
		return err
	}
	fmt.Printf("Downloaded %s to %s.\n", rest[0], *out)
	return nil
}

// cmdMagnetParse implements `magnet_parse <magnet>`.
func cmdMagnetParse(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: magnet_parse <magnet>")
	}
	m, err := magnet.Parse(args[0])
	if err != nil {
		return err
	}
	if len(m.Trackers) > 0 {
		fmt.Printf("Tracker URL: %s\n", m.Trackers[0])
	}
	fmt.Printf("Info Hash: %s\n", m.InfoHash)
	return nil
}

// cmdMagnetHandshake implements `magnet_handshake <magnet>`.
func cmdMagnetHandshake(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: magnet_handshake <magnet>")
	}
	m, err := magnet.Parse(args[0])
	if err != nil {
		return err
	}
	peers, err := announce(m.Trackers, m.InfoHash, 1)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return errors.New("magnet_handshake: tracker returned no peers")
	}
	s := peer.NewSession(peers[0].String(), m.InfoHash, peer.NewID(), 0, peer.DefaultConfig())
	defer s.Close()
	if err := s.Connect(); err != nil {
		return err
	}
	if err := s.Handshake(); err != nil {
		return err
	}
	peerID := s.PeerID()
	fmt.Printf("Peer ID: %s\n", hex.EncodeToString(peerID[:]))
	if err := s.NegotiateExtensions(false, 0); err != nil {
		return err
	}
	if id, ok := s.Extensions()["ut_metadata"]; ok {
		fmt.Printf("Peer Metadata Extension ID: %d\n", id)
	}
	return nil
}

// cmdMagnetInfo implements `magnet_info <magnet>`.
func cmdMagnetInfo(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: magnet_info <magnet>")
	}
	m, err := magnet.Parse(args[0])
	if err != nil {
		return err
	}
	t, err := fetchMetadata(m)
	if err != nil {
		return err
	}
	if len(m.Trackers) > 0 {
		fmt.Printf("Tracker URL: %s\n", m.Trackers[0])
	}
	printInfo(t)
	return nil
}

// cmdMagnetDownloadPiece implements
// `magnet_download_piece -o <out> <magnet> <index>`.
func cmdMagnetDownloadPiece(args []string) error {
	fs := flag.NewFlagSet("magnet_download_piece", flag.ContinueOnError)
	out := fs.String("o", "", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if *out == "" || len(rest) != 2 {
		return errors.New("usage: magnet_download_piece -o <out> <magnet> <index>")
	}
	m, err := magnet.Parse(rest[0])
	if err != nil {
		return err
	}
	index, err := parseIndex(rest[1])
	if err != nil {
		return err
	}
	t, err := fetchMetadata(m)
	if err != nil {
		return err
	}
	peers, err := announce(m.Trackers, m.InfoHash, t.Info.TotalLength())
	if err != nil {
		return err
	}
	data, err := download.DownloadPiece(t, peers, index, download.DefaultConfig())
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", *out)
	}
	fmt.Printf("Piece %d downloaded to %s.\n", index, *out)
	return nil
}

// cmdMagnetDownload implements `magnet_download -o <out> <magnet>`.
func cmdMagnetDownload(args []string) error {
	fs := flag.NewFlagSet("magnet_download", flag.ContinueOnError)
	out := fs.String("o", "", "output path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if *out == "" || len(rest) != 1 {
		return errors.New("usage: magnet_download -o <out> <magnet>")
	}
	m, err := magnet.Parse(rest[0])
	if err != nil {
		return err
	}
	t, err := fetchMetadata(m)
	if err != nil {
		return err
	}
	peers, err := announce(m.Trackers, m.InfoHash, t.Info.TotalLength())
	if err != nil {
		return err
	}
	if err := runDownload(t, peers, *out); err != nil {
		return err
	}
	fmt.Printf("Downloaded %s to %s.\n", rest[0], *out)
	return nil
}

// fetchMetadata resolves a magnet's info dictionary over ut_metadata, per
// spec.md §4.7: it announces to find candidate peers, then tries them in
// turn until one hands over verified metadata.
func fetchMetadata(m *magnet.Magnet) (*meta.Torrent, error) {
	peers, err := announce(m.Trackers, m.InfoHash, 1)
	if err != nil {
		return nil, err
	}
	return download.FetchMetadata(m.InfoHash, peers, download.DefaultConfig())
}

// runDownload runs the full coordinator into a scratch directory, then
// arranges the result at the user-requested path: a single-file
// torrent's one output file is moved directly to out; a multi-file
// torrent's whole tree is moved under out as a directory.
func runDownload(t *meta.Torrent, peers []tracker.PeerAddress, out string) error {
	scratch, err := os.MkdirTemp("", "bget-download-*")
	if err != nil {
		return errors.Wrap(err, "create scratch directory")
	}
	defer os.RemoveAll(scratch)

	cfg := download.DefaultConfig()
	cfg.OutputDir = scratch
	if err := download.Download(t, peers, cfg); err != nil {
		return err
	}

	if !t.Info.IsMultiFile() {
		return os.Rename(filepath.Join(scratch, t.Info.Name), out)
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return errors.Wrapf(err, "create output directory %s", out)
	}
	for _, f := range t.FileList() {
		src := filepath.Join(scratch, filepath.Join(f.Path...))
		dst := filepath.Join(out, filepath.Join(f.Path...))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.Rename(src, dst); err != nil {
			return errors.Wrapf(err, "move %s", src)
		}
	}
	return nil
}

// announce tries each tracker URL in turn and returns the first
// successful peer list, per spec.md §4.4.
func announce(trackers []string, infoHash meta.Hash, left int64) ([]tracker.PeerAddress, error) {
	if len(trackers) == 0 {
		return nil, errors.New("no trackers available")
	}
	localID := peer.NewID()
	var lastErr error
	for _, url := range trackers {
		cl, err := tracker.New(url)
		if err != nil {
			lastErr = err
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		resp, err := cl.Announce(ctx, tracker.AnnounceRequest{
			InfoHash: infoHash,
			PeerID:   localID,
			Port:     defaultPort,
			Left:     left,
			Compact:  true,
			Event:    tracker.EventStarted,
		})
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		return resp.Peers, nil
	}
	return nil, errors.Wrap(lastErr, "announce: all trackers failed")
}

func parseIndex(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, errors.Wrapf(err, "invalid piece index %q", s)
	}
	return n, nil
}
