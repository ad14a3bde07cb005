package meta

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Magnet is a parsed "magnet:?xt=urn:btih:..." URI (BEP 9) — the way a
// user hands this node an infohash to look up on the DHT instead of
// typing 40 hex characters by hand.
type Magnet struct {
	InfoHash [sha1.Size]byte
	Name     string
	Trackers []string
}

// String renders a short human-readable summary for logging: the name
// if one was given, otherwise the hex infohash.
func (m *Magnet) String() string {
	if m.Name != "" {
		return m.Name
	}
	return hex.EncodeToString(m.InfoHash[:])
}

// ParseMagnet parses a magnet URI's "xt" infohash (accepting either the
// 40-character hex or the 32-character base32 encoding BEP 9 allows),
// "dn" display name, and any "tr" tracker hints.
func ParseMagnet(magnetURL string) (*Magnet, error) {
	u, err := url.Parse(magnetURL)
	if err != nil {
		return nil, fmt.Errorf("magnet url parse failed: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("invalid magnet scheme '%s'", u.Scheme)
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("magnet params parse failed: %w", err)
	}

	magnet := &Magnet{}

	xt, ok := params["xt"]
	if !ok || len(xt) == 0 {
		return nil, fmt.Errorf("magnet url missing 'xt'")
	}
	xtVal := xt[0]
	if !strings.HasPrefix(xtVal, "urn:btih:") {
		return nil, fmt.Errorf("invalid 'xt' value: must be in 'urn:btih:<hash>' format")
	}

	hashBytes, err := decodeInfoHash(strings.TrimPrefix(xtVal, "urn:btih:"))
	if err != nil {
		return nil, err
	}
	copy(magnet.InfoHash[:], hashBytes)

	if dn, ok := params["dn"]; ok && len(dn) > 0 {
		magnet.Name = dn[0]
	}

	if tr, ok := params["tr"]; ok {
		magnet.Trackers = tr
	}

	return magnet, nil
}

// decodeInfoHash accepts either of the two infohash encodings BEP 9
// allows for "xt=urn:btih:": 40 hex characters, or 32 base32 characters
// (case-insensitive, used by some older clients and third-party magnet
// generators instead of hex).
func decodeInfoHash(s string) ([]byte, error) {
	switch len(s) {
	case sha1.Size * 2: // 40 hex chars
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("failed to decode hex infohash: %w", err)
		}
		return b, nil
	case 32: // base32, unpadded, per BEP 9
		b, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(s))
		if err != nil {
			return nil, fmt.Errorf("failed to decode base32 infohash: %w", err)
		}
		if len(b) != sha1.Size {
			return nil, fmt.Errorf("invalid infohash length")
		}
		return b, nil
	default:
		return nil, fmt.Errorf("invalid infohash length")
	}
}
