package dht

import (
	"net"
	"testing"
)

func TestCompactNodeInfo_RoundTrip(t *testing.T) {
	id := RandomID()
	n := NewNode(id, net.IPv4(10, 0, 0, 1), 6881)

	encoded := n.CompactNodeInfo()
	if len(encoded) != compactIPv4Size {
		t.Fatalf("expected %d bytes, got %d", compactIPv4Size, len(encoded))
	}

	decoded := DecodeCompactNodeInfo(encoded)
	if decoded == nil {
		t.Fatalf("failed to decode compact node info")
	}
	if decoded.ID != id || !decoded.IP.Equal(n.IP) || decoded.Port != n.Port {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, n)
	}
}

func TestCompactNodeInfo6_RoundTrip(t *testing.T) {
	id := RandomID()
	ip := net.ParseIP("2001:db8::1")
	n := NewNode(id, ip, 6881)

	encoded := n.CompactNodeInfo6()
	if len(encoded) != compactIPv6Size {
		t.Fatalf("expected %d bytes, got %d", compactIPv6Size, len(encoded))
	}

	decoded := DecodeCompactNodeInfo6(encoded)
	if decoded == nil {
		t.Fatalf("failed to decode compact node6 info")
	}
	if decoded.ID != id || !decoded.IP.Equal(ip) || decoded.Port != n.Port {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, n)
	}
}

func TestDecodeCompactNodeInfoList(t *testing.T) {
	var buf []byte
	want := make([]*Node, 3)
	for i := range want {
		n := NewNode(RandomID(), net.IPv4(byte(i), 0, 0, 1), 1000+i)
		want[i] = n
		buf = append(buf, n.CompactNodeInfo()...)
	}

	got := DecodeCompactNodeInfoList(buf)
	if len(got) != len(want) {
		t.Fatalf("expected %d nodes, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Port != want[i].Port {
			t.Errorf("node %d mismatch: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDecodeCompactNodeInfoList_RejectsMisalignedLength(t *testing.T) {
	if DecodeCompactNodeInfoList(make([]byte, compactIPv4Size+1)) != nil {
		t.Fatalf("expected nil for a length that isn't a multiple of the compact node size")
	}
}

func TestNode_Family(t *testing.T) {
	if (&Node{IP: net.IPv4(1, 2, 3, 4)}).Family() != FamilyIPv4 {
		t.Fatalf("expected ipv4 address to report FamilyIPv4")
	}
	if (&Node{IP: net.ParseIP("2001:db8::1")}).Family() != FamilyIPv6 {
		t.Fatalf("expected ipv6 address to report FamilyIPv6")
	}
}
