// Package tracker announces to a BitTorrent tracker and returns the peer
// list it reports. Only the HTTP(S) tracker protocol is implemented; UDP
// trackers are a declared non-goal.
package tracker

import (
	"context"
	"net"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/halvard-ek/bget/meta"
)

// Event is the download-state announce a client reports to a tracker.
type Event int

// Event values, in the wire vocabulary trackers expect.
const (
	EventNone Event = iota
	EventStarted
	EventCompleted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return ""
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// ErrUnsupportedScheme is returned by New for any tracker URL scheme
// other than http/https. UDP trackers are out of scope.
var ErrUnsupportedScheme = errors.New("tracker: unsupported scheme")

// ErrTrackerUnavailable wraps any failure to reach or parse a response
// from the tracker (transport error, any status other than 200, malformed body, or
// an explicit "failure reason" field).
var ErrTrackerUnavailable = errors.New("tracker: unavailable")

// AnnounceRequest carries the parameters spec.md prescribes for an
// announce call.
type AnnounceRequest struct {
	InfoHash   meta.Hash
	PeerID     [20]byte
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Compact    bool
	Event      Event
}

// AnnounceResponse is what the core consumes from a tracker: the
// reannounce interval and the peer list. Everything else a tracker may
// return (warning message, tracker id, seeder/leecher counts) is
// tracker-protocol detail the core does not need.
type AnnounceResponse struct {
	IntervalSeconds int
	Peers           []PeerAddress
}

// PeerAddress is one entry of a tracker's compact peer list.
type PeerAddress struct {
	IP   net.IP
	Port int
}

func (p PeerAddress) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port))
}

// Tracker announces to a single tracker endpoint.
type Tracker interface {
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)
}

// New builds a Tracker for the given announce URL. Only http and https
// are supported; any other scheme (including udp) returns
// ErrUnsupportedScheme rather than being silently skipped, so a caller
// iterating over a torrent's tracker list can tell "unreachable" apart
// from "not implemented".
func New(rawURL string) (Tracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "tracker: invalid URL %q", rawURL)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPClient(u), nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedScheme, "%q", u.Scheme)
	}
}
