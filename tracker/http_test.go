package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/halvard-ek/bget/meta"
)

func TestHTTPClientAnnounceCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		peers := []byte{192, 168, 1, 1, 0x1a, 0xe1, 10, 0, 0, 2, 0x1a, 0xe2}
		body := "d8:intervali1800e5:peers12:" + string(peers) + "e"
		w.Write([]byte(body))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	assert.NoError(t, err)
	client := NewHTTPClient(u)

	var hash meta.Hash
	resp, err := client.Announce(context.Background(), AnnounceRequest{
		InfoHash: hash,
		Port:     6881,
		Left:     1000,
		Compact:  true,
	})
	assert.NoError(t, err)
	assert.Equal(t, 1800, resp.IntervalSeconds)
	assert.Len(t, resp.Peers, 2)
	assert.Equal(t, "192.168.1.1", resp.Peers[0].IP.String())
	assert.Equal(t, 0x1ae1, resp.Peers[0].Port)
	assert.Equal(t, "10.0.0.2", resp.Peers[1].IP.String())
}

func TestHTTPClientAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason17:torrent not founde"))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	assert.NoError(t, err)
	client := NewHTTPClient(u)

	_, err = client.Announce(context.Background(), AnnounceRequest{})
	assert.ErrorIs(t, err, ErrTrackerUnavailable)
}

func TestNewRejectsUDP(t *testing.T) {
	_, err := New("udp://tracker.example.com:80")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}
