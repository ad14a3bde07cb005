package dht

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"
)

// newLoopbackKRPC starts a KRPC transport bound to an ephemeral loopback
// port with handler wired in and running; Stop is registered with
// t.Cleanup.
func newLoopbackKRPC(t *testing.T, handler func(*Message)) *KRPC {
	t.Helper()

	k, err := NewKRPC(RandomID(), FamilyIPv4, "127.0.0.1:0", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewKRPC: %v", err)
	}
	k.SetQueryHandler(handler)
	k.Start()
	t.Cleanup(k.Stop)
	return k
}

func TestQueryHandler_Ping(t *testing.T) {
	table := NewRoutingTable(RandomID(), FamilyIPv4)
	store := &AnnounceStore{data: make(map[ID]*peerSet)}
	tokens := &TokenManager{}

	var server *KRPC
	handler := NewQueryHandler(nil, table, store, tokens, slog.New(slog.DiscardHandler))
	server = newLoopbackKRPC(t, handler.HandleQuery)
	handler.krpc = server

	client, err := NewKRPC(RandomID(), FamilyIPv4, "127.0.0.1:0", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewKRPC: %v", err)
	}
	client.Start()
	t.Cleanup(client.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.SendQuery(ctx, PingQuery("", client.localID), server.LocalAddr(), time.Second)
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	id, ok := resp.GetNodeID()
	if !ok || id != table.ID() {
		t.Fatalf("ping reply should carry the server's node id")
	}
}

func TestQueryHandler_GetPeersThenAnnounce(t *testing.T) {
	table := NewRoutingTable(RandomID(), FamilyIPv4)
	store := &AnnounceStore{data: make(map[ID]*peerSet)}
	tokens := NewTokenManager()
	t.Cleanup(tokens.Stop)

	handler := NewQueryHandler(nil, table, store, tokens, slog.New(slog.DiscardHandler))
	server := newLoopbackKRPC(t, handler.HandleQuery)
	handler.krpc = server

	client, err := NewKRPC(RandomID(), FamilyIPv4, "127.0.0.1:0", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewKRPC: %v", err)
	}
	client.Start()
	t.Cleanup(client.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	infoHash := RandomID()

	// Before any announce, get_peers must return nodes (the only contact
	// in the table is the querying client itself), never values.
	resp, err := client.SendQuery(ctx, GetPeersQuery("", client.localID, infoHash, nil), server.LocalAddr(), time.Second)
	if err != nil {
		t.Fatalf("get_peers failed: %v", err)
	}
	token, ok := resp.GetToken()
	if !ok || token == "" {
		t.Fatalf("get_peers reply must always carry a token")
	}
	if _, ok := resp.GetValues(); ok {
		t.Fatalf("get_peers should not return values before any announce")
	}

	// Announce with the token handed back above.
	resp, err = client.SendQuery(ctx, AnnouncePeerQuery("", client.localID, infoHash, 6881, false, token), server.LocalAddr(), time.Second)
	if err != nil {
		t.Fatalf("announce_peer failed: %v", err)
	}
	if resp.IsError() {
		t.Fatalf("announce_peer with a valid token should not error")
	}

	if !store.HasPeers(infoHash, FamilyIPv4) {
		t.Fatalf("announce_peer should have recorded the peer")
	}

	// A subsequent get_peers must now return values carrying that peer.
	resp, err = client.SendQuery(ctx, GetPeersQuery("", client.localID, infoHash, nil), server.LocalAddr(), time.Second)
	if err != nil {
		t.Fatalf("get_peers failed: %v", err)
	}
	values, ok := resp.GetValues()
	if !ok || len(values) != 1 {
		t.Fatalf("expected exactly one announced peer in values, got %v", values)
	}
}

func TestQueryHandler_AnnounceRejectsWrongToken(t *testing.T) {
	table := NewRoutingTable(RandomID(), FamilyIPv4)
	store := &AnnounceStore{data: make(map[ID]*peerSet)}
	tokens := NewTokenManager()
	t.Cleanup(tokens.Stop)

	handler := NewQueryHandler(nil, table, store, tokens, slog.New(slog.DiscardHandler))
	server := newLoopbackKRPC(t, handler.HandleQuery)
	handler.krpc = server

	client, err := NewKRPC(RandomID(), FamilyIPv4, "127.0.0.1:0", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewKRPC: %v", err)
	}
	client.Start()
	t.Cleanup(client.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	infoHash := RandomID()

	// A token minted for a different (ip, port) -- here, simply a bogus
	// string -- must be rejected with a KRPC error_reply, not a transport
	// failure: SendQuery still returns (msg, nil), since the remote node
	// did answer.
	resp, err := client.SendQuery(ctx, AnnouncePeerQuery("", client.localID, infoHash, 6881, false, "not-a-real-token"), server.LocalAddr(), time.Second)
	if err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	if !resp.IsError() {
		t.Fatalf("expected an error reply for an announce with an invalid token")
	}

	if store.HasPeers(infoHash, FamilyIPv4) {
		t.Fatalf("store must be unchanged after a rejected announce")
	}
}

func TestQueryHandler_FindNode(t *testing.T) {
	local := RandomID()
	table := NewRoutingTable(local, FamilyIPv4)
	store := &AnnounceStore{data: make(map[ID]*peerSet)}
	tokens := &TokenManager{}

	// Seed the table with one contact so find_node has something to return.
	seeded := NewContact(NewNode(RandomID(), net.IPv4(8, 8, 8, 8), 6881))
	table.Insert(seeded)

	handler := NewQueryHandler(nil, table, store, tokens, slog.New(slog.DiscardHandler))
	server := newLoopbackKRPC(t, handler.HandleQuery)
	handler.krpc = server

	client, err := NewKRPC(RandomID(), FamilyIPv4, "127.0.0.1:0", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewKRPC: %v", err)
	}
	client.Start()
	t.Cleanup(client.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.SendQuery(ctx, FindNodeQuery("", client.localID, RandomID(), nil), server.LocalAddr(), time.Second)
	if err != nil {
		t.Fatalf("find_node failed: %v", err)
	}

	nodes, ok := resp.GetNodes()
	if !ok || len(nodes) == 0 {
		t.Fatalf("expected a non-empty nodes payload")
	}
	// The handler inserts the querying client before answering, so the
	// reply carries the seeded contact and the client itself.
	decoded := DecodeCompactNodeInfoList(nodes)
	var gotSeeded, gotClient bool
	for _, n := range decoded {
		switch n.ID {
		case seeded.ID():
			gotSeeded = true
		case client.localID:
			gotClient = true
		}
	}
	if len(decoded) != 2 || !gotSeeded || !gotClient {
		t.Fatalf("find_node should return the seeded contact and the querying client, got %+v", decoded)
	}
}
