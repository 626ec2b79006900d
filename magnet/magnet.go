// Package magnet parses and serializes magnet: URIs of the form
// magnet:?xt=urn:btih:<hash>&dn=<name>&tr=<url>...
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/halvard-ek/bget/meta"
)

// Magnet is a parsed magnet URI: enough to start a metadata-fetch
// download without a .torrent file on disk.
type Magnet struct {
	InfoHash meta.Hash
	Name     string
	Trackers []string
}

// Parse decodes a magnet: URI. It requires at least one `xt` parameter
// naming a BitTorrent v1 info-hash (`urn:btih:<hex40>` or
// `urn:btih:<base32-32>`) and uses the first such one; other `xt` values
// are skipped. It accepts an optional `dn`, and accumulates
// every `tr` occurrence in order. Any other query parameter is ignored.
func Parse(raw string) (*Magnet, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "magnet: invalid URI")
	}
	if u.Scheme != "magnet" {
		return nil, errors.Errorf("magnet: expected magnet: scheme, got %q", u.Scheme)
	}

	q := u.Query()
	xt := q["xt"]
	if len(xt) == 0 {
		return nil, errors.New("magnet: missing xt parameter")
	}

	var hash meta.Hash
	found := false
	for _, v := range xt {
		h, ok := parseExactTopic(v)
		if ok {
			hash = h
			found = true
			break
		}
	}
	if !found {
		return nil, errors.New("magnet: no urn:btih exact topic in xt")
	}

	m := &Magnet{
		InfoHash: hash,
		Trackers: q["tr"],
	}
	if dn := q.Get("dn"); dn != "" {
		m.Name = dn
	}
	return m, nil
}

// parseExactTopic accepts "urn:btih:<hex40>" or "urn:btih:<base32-32>".
func parseExactTopic(xt string) (meta.Hash, bool) {
	var zero meta.Hash
	const prefix = "urn:btih:"
	if !strings.HasPrefix(strings.ToLower(xt), prefix) {
		return zero, false
	}
	enc := xt[len(prefix):]
	switch len(enc) {
	case 40:
		b, err := hex.DecodeString(enc)
		if err != nil || len(b) != meta.HashSize {
			return zero, false
		}
		var h meta.Hash
		copy(h[:], b)
		return h, true
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(enc))
		if err != nil || len(b) != meta.HashSize {
			return zero, false
		}
		var h meta.Hash
		copy(h[:], b)
		return h, true
	default:
		return zero, false
	}
}

// String re-serializes m as a magnet URI: xt first, then dn if set, then
// tr in the order they were parsed. The info-hash is always written as
// lower-case hex and values are escaped with url.QueryEscape, so
// magnet.Parse(s) followed by .String() reproduces s up to query
// parameter ordering only when s uses that same form; an s with a base32
// or upper-case hex xt yields the same parsed fields but different text.
func (m *Magnet) String() string {
	var b strings.Builder
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(hex.EncodeToString(m.InfoHash[:]))
	if m.Name != "" {
		b.WriteString("&dn=")
		b.WriteString(url.QueryEscape(m.Name))
	}
	for _, tr := range m.Trackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	return b.String()
}
