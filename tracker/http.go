package tracker

import (
	"context"
	"encoding/binary"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/halvard-ek/bget/bencode"
)

// HTTPClient announces to a single HTTP(S) tracker endpoint.
type HTTPClient struct {
	announceURL *url.URL
	client      *http.Client
}

// NewHTTPClient builds an HTTPClient for the given parsed announce URL.
func NewHTTPClient(u *url.URL) *HTTPClient {
	return &HTTPClient{announceURL: u, client: http.DefaultClient}
}

// httpResponse is the bencoded shape of a tracker's announce reply. Peers
// is decoded as a byte string: the compact form is the only one this core
// consumes. Older trackers may send a bencoded list of dictionaries
// instead; that does not decode into a byte slice, so a non-compact
// response is rejected as malformed rather than parsed.
type httpResponse struct {
	FailureReason string `bencode:"failure reason,omitempty"`
	Interval      int    `bencode:"interval,omitempty"`
	Peers         []byte `bencode:"peers,omitempty"`
}

// Announce implements Tracker.
func (c *HTTPClient) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	q := url.Values{}
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(req.Port))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	if req.Compact {
		q.Set("compact", "1")
	} else {
		q.Set("compact", "0")
	}
	if ev := req.Event.String(); ev != "" {
		q.Set("event", ev)
	}

	reqURL := *c.announceURL
	reqURL.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(ErrTrackerUnavailable, "build request: %v", err)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(ErrTrackerUnavailable, "%v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrTrackerUnavailable, "status %d", resp.StatusCode)
	}
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(ErrTrackerUnavailable, "read body: %v", err)
	}

	var out httpResponse
	if err := bencode.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrapf(ErrTrackerUnavailable, "malformed response: %v", err)
	}
	if out.FailureReason != "" {
		return nil, errors.Wrapf(ErrTrackerUnavailable, "tracker failure: %s", out.FailureReason)
	}

	peers, err := decodeCompactPeers([]byte(out.Peers))
	if err != nil {
		return nil, errors.Wrap(err, "tracker: decode peer list")
	}
	return &AnnounceResponse{IntervalSeconds: out.Interval, Peers: peers}, nil
}

// decodeCompactPeers splits a compact peer list (4-byte IPv4 + 2-byte
// big-endian port records) into PeerAddress values. IPv6 compact entries
// (18 bytes each) are not handled, per spec.md §9's open question; a
// list whose length is not a multiple of 6 fails outright rather than
// silently dropping entries.
func decodeCompactPeers(data []byte) ([]PeerAddress, error) {
	const recordLen = 6
	if len(data)%recordLen != 0 {
		return nil, errors.Errorf("tracker: compact peer list length %d not a multiple of %d", len(data), recordLen)
	}
	n := len(data) / recordLen
	peers := make([]PeerAddress, 0, n)
	for i := 0; i < n; i++ {
		rec := data[i*recordLen : (i+1)*recordLen]
		ip := net.IPv4(rec[0], rec[1], rec[2], rec[3])
		port := binary.BigEndian.Uint16(rec[4:6])
		peers = append(peers, PeerAddress{IP: ip, Port: int(port)})
	}
	return peers, nil
}
