package dht

import (
	"net"
	"testing"
	"time"
)

func TestAnnounceStore_PutAndGet(t *testing.T) {
	s := &AnnounceStore{data: make(map[ID]*peerSet)}

	hash := RandomID()
	s.Put(hash, net.IPv4(1, 2, 3, 4), 6881)

	peers := s.Get(hash, FamilyIPv4)
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(peers))
	}
	if !peers[0].IP.Equal(net.IPv4(1, 2, 3, 4)) || peers[0].Port != 6881 {
		t.Fatalf("unexpected peer entry: %+v", peers[0])
	}
}

func TestAnnounceStore_HasPeers(t *testing.T) {
	s := &AnnounceStore{data: make(map[ID]*peerSet)}
	hash := RandomID()

	if s.HasPeers(hash, FamilyIPv4) {
		t.Fatalf("HasPeers should be false before any announce")
	}

	s.Put(hash, net.IPv4(5, 6, 7, 8), 6881)
	if !s.HasPeers(hash, FamilyIPv4) {
		t.Fatalf("HasPeers should be true after an announce")
	}
}

func TestAnnounceStore_FiltersByFamily(t *testing.T) {
	s := &AnnounceStore{data: make(map[ID]*peerSet)}
	hash := RandomID()

	s.Put(hash, net.IPv4(1, 1, 1, 1), 6881)
	s.Put(hash, net.ParseIP("2001:db8::1"), 6881)

	v4 := s.Get(hash, FamilyIPv4)
	v6 := s.Get(hash, FamilyIPv6)

	if len(v4) != 1 || v4[0].family() != FamilyIPv4 {
		t.Fatalf("expected exactly one ipv4 peer, got %+v", v4)
	}
	if len(v6) != 1 || v6[0].family() != FamilyIPv6 {
		t.Fatalf("expected exactly one ipv6 peer, got %+v", v6)
	}
}

func TestAnnounceStore_ExpiredEntriesPruned(t *testing.T) {
	s := &AnnounceStore{data: make(map[ID]*peerSet)}
	hash := RandomID()

	s.Put(hash, net.IPv4(9, 9, 9, 9), 6881)

	// Force the entry into the past instead of waiting out the real TTL.
	s.mu.Lock()
	for key, p := range s.data[hash].peers {
		p.Expiry = time.Now().Add(-time.Second)
		s.data[hash].peers[key] = p
	}
	s.mu.Unlock()

	if s.HasPeers(hash, FamilyIPv4) {
		t.Fatalf("expired peer should not be returned by Get/HasPeers")
	}
}

func TestAnnounceStore_Prune_RemovesEmptyInfoHash(t *testing.T) {
	s := &AnnounceStore{data: make(map[ID]*peerSet)}
	hash := RandomID()
	s.Put(hash, net.IPv4(9, 9, 9, 9), 6881)

	s.mu.Lock()
	for key, p := range s.data[hash].peers {
		p.Expiry = time.Now().Add(-time.Second)
		s.data[hash].peers[key] = p
	}
	s.mu.Unlock()

	s.prune()

	s.mu.RLock()
	_, exists := s.data[hash]
	s.mu.RUnlock()
	if exists {
		t.Fatalf("prune should remove an infohash once all its peers expire")
	}
}

func TestEncodeDecodeCompactPeerInfo_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ip   net.IP
		port int
	}{
		{"ipv4", net.IPv4(192, 168, 1, 1), 6881},
		{"ipv6", net.ParseIP("2001:db8::abcd"), 443},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeCompactPeerInfo(PeerEntry{IP: tt.ip, Port: tt.port})
			ip, port, ok := DecodeCompactPeerInfo(encoded)
			if !ok {
				t.Fatalf("DecodeCompactPeerInfo failed to decode its own encoding")
			}
			if port != tt.port {
				t.Errorf("port mismatch: got %d, want %d", port, tt.port)
			}
			if !ip.Equal(tt.ip) {
				t.Errorf("ip mismatch: got %s, want %s", ip, tt.ip)
			}
		})
	}
}
