package dht

import "testing"

func TestPingQuery_GetNodeID(t *testing.T) {
	id := RandomID()
	msg := PingQuery("tx1", id)

	got, ok := msg.GetNodeID()
	if !ok || got != id {
		t.Fatalf("GetNodeID() = (%x, %v), want (%x, true)", got, ok, id)
	}
	if msg.Q != PingMethod || msg.Y != QueryType {
		t.Fatalf("unexpected message shape: %+v", msg)
	}
}

func TestFindNodeQuery_GetTarget(t *testing.T) {
	sender, target := RandomID(), RandomID()
	msg := FindNodeQuery("tx2", sender, target, nil)

	got, ok := msg.GetTarget()
	if !ok || got != target {
		t.Fatalf("GetTarget() = (%x, %v), want (%x, true)", got, ok, target)
	}
}

func TestGetPeersQuery_GetInfoHash(t *testing.T) {
	sender, hash := RandomID(), RandomID()
	msg := GetPeersQuery("tx3", sender, hash, nil)

	got, ok := msg.GetInfoHash()
	if !ok || got != hash {
		t.Fatalf("GetInfoHash() = (%x, %v), want (%x, true)", got, ok, hash)
	}
}

func TestAnnouncePeerQuery_TokenAndImpliedPort(t *testing.T) {
	sender, hash := RandomID(), RandomID()
	msg := AnnouncePeerQuery("tx4", sender, hash, 6881, true, "opaque-token")

	token, ok := msg.GetToken()
	if !ok || token != "opaque-token" {
		t.Fatalf("GetToken() = (%q, %v), want (\"opaque-token\", true)", token, ok)
	}
	if !msg.GetImpliedPort() {
		t.Fatalf("expected implied_port to be set")
	}
	port, ok := msg.GetPort()
	if !ok || port != 6881 {
		t.Fatalf("GetPort() = (%d, %v), want (6881, true)", port, ok)
	}
}

func TestAnnouncePeerQuery_ImpliedPortAbsentByDefault(t *testing.T) {
	msg := AnnouncePeerQuery("tx5", RandomID(), RandomID(), 6881, false, "tok")
	if msg.GetImpliedPort() {
		t.Fatalf("expected implied_port to be false when not requested")
	}
}

func TestFindNodeResponse_GetNodes(t *testing.T) {
	id := RandomID()
	nodes := []byte("some-encoded-compact-nodes-blob")
	msg := FindNodeResponse("tx6", id, nodes, nil)

	got, ok := msg.GetNodes()
	if !ok || string(got) != string(nodes) {
		t.Fatalf("GetNodes() round trip failed: got %q, want %q", got, nodes)
	}
	if _, ok := msg.GetNodes6(); ok {
		t.Fatalf("GetNodes6() should be absent when nodes6 wasn't set")
	}
}

func TestGetPeersResponseValues_GetValues(t *testing.T) {
	id := RandomID()
	values := []string{"abcdef", "ghijkl"}
	msg := GetPeersResponseValues("tx7", id, "tok", values)

	got, ok := msg.GetValues()
	if !ok || len(got) != len(values) {
		t.Fatalf("GetValues() = %v, want %v", got, values)
	}
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("value %d mismatch: got %q, want %q", i, got[i], values[i])
		}
	}

	token, ok := msg.GetToken()
	if !ok || token != "tok" {
		t.Fatalf("GetToken() = (%q, %v), want (\"tok\", true)", token, ok)
	}
}

func TestMessage_Want(t *testing.T) {
	msg := FindNodeQuery("tx8", RandomID(), RandomID(), []Family{FamilyIPv4, FamilyIPv6})

	want := msg.Want()
	if len(want) != 2 || want[0] != FamilyIPv4 || want[1] != FamilyIPv6 {
		t.Fatalf("Want() = %v, want [ipv4 ipv6]", want)
	}
}

func TestMessage_TypePredicates(t *testing.T) {
	q := PingQuery("t", RandomID())
	r := PingResponse("t", RandomID())
	e := NewError("t", ErrorProtocol, "bad token")

	if !q.IsQuery() || q.IsResponse() || q.IsError() {
		t.Fatalf("query message misclassified: %+v", q)
	}
	if !r.IsResponse() || r.IsQuery() || r.IsError() {
		t.Fatalf("response message misclassified: %+v", r)
	}
	if !e.IsError() || e.IsQuery() || e.IsResponse() {
		t.Fatalf("error message misclassified: %+v", e)
	}
}
