package dht

import (
	"log/slog"
	"net"
)

// QueryHandler answers incoming KRPC queries for one address family's
// node: it touches the routing table on every query, inserts the sender
// as a candidate contact, then dispatches by method.
type QueryHandler struct {
	krpc   *KRPC
	table  *RoutingTable
	store  *AnnounceStore
	tokens *TokenManager
	family Family
	logger *slog.Logger
}

func NewQueryHandler(krpc *KRPC, table *RoutingTable, store *AnnounceStore, tokens *TokenManager, logger *slog.Logger) *QueryHandler {
	return &QueryHandler{krpc: krpc, table: table, store: store, tokens: tokens, family: table.Family(), logger: logger}
}

func (qh *QueryHandler) HandleQuery(msg *Message) {
	senderID, ok := msg.GetNodeID()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid node id", msg.Addr)
		return
	}

	contact := NewContact(NewNode(senderID, msg.Addr.IP, msg.Addr.Port))
	contact.Touch(EventQueryReceived)
	insertOrPing(qh.krpc, qh.table, contact, qh.logger)

	switch msg.Q {
	case PingMethod:
		qh.handlePing(msg)
	case FindNodeMethod:
		qh.handleFindNode(msg)
	case GetPeersMethod:
		qh.handleGetPeers(msg)
	case AnnouncePeerMethod:
		qh.handleAnnouncePeer(msg)
	default:
		qh.sendError(msg.T, ErrorMethodUnknown, "unknown method", msg.Addr)
	}
}

func (qh *QueryHandler) handlePing(msg *Message) {
	qh.krpc.SendResponse(PingResponse(msg.T, qh.table.ID()), msg.Addr)
}

func (qh *QueryHandler) handleFindNode(msg *Message) {
	target, ok := msg.GetTarget()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid target", msg.Addr)
		return
	}

	contacts := qh.table.FindClosestK(target, K)
	nodes, nodes6 := qh.encodeNodes(contacts)

	qh.krpc.SendResponse(FindNodeResponse(msg.T, qh.table.ID(), nodes, nodes6), msg.Addr)
}

func (qh *QueryHandler) handleGetPeers(msg *Message) {
	infoHash, ok := msg.GetInfoHash()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid info_hash", msg.Addr)
		return
	}

	token := qh.tokens.Generate(msg.Addr.IP, msg.Addr.Port)
	peers := qh.store.Get(infoHash, qh.family)

	if len(peers) > 0 {
		values := make([]string, len(peers))
		for i, p := range peers {
			values[i] = string(EncodeCompactPeerInfo(p))
		}
		qh.krpc.SendResponse(GetPeersResponseValues(msg.T, qh.table.ID(), token, values), msg.Addr)
		return
	}

	contacts := qh.table.FindClosestK(infoHash, K)
	nodes, nodes6 := qh.encodeNodes(contacts)
	qh.krpc.SendResponse(GetPeersResponseNodes(msg.T, qh.table.ID(), token, nodes, nodes6), msg.Addr)
}

func (qh *QueryHandler) handleAnnouncePeer(msg *Message) {
	infoHash, ok := msg.GetInfoHash()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid info_hash", msg.Addr)
		return
	}

	port, ok := msg.GetPort()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid port", msg.Addr)
		return
	}

	token, ok := msg.GetToken()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "missing token", msg.Addr)
		return
	}

	if !qh.tokens.Validate(msg.Addr.IP, msg.Addr.Port, token) {
		qh.sendError(msg.T, ErrorProtocol, "invalid token", msg.Addr)
		return
	}

	if msg.GetImpliedPort() {
		port = msg.Addr.Port
	}

	qh.store.Put(infoHash, msg.Addr.IP, port)
	qh.krpc.SendResponse(AnnouncePeerResponse(msg.T, qh.table.ID()), msg.Addr)
}

// encodeNodes builds the "nodes"/"nodes6" payload this handler's family
// can offer. A node only ever has contacts of its own family in its
// routing table, so want (BEP 32) doesn't change which key gets filled —
// it only matters once both families share a single reply, which this
// per-family handler never constructs.
func (qh *QueryHandler) encodeNodes(contacts []*Contact) (nodes, nodes6 []byte) {
	if len(contacts) == 0 {
		return nil, nil
	}

	switch qh.family {
	case FamilyIPv4:
		buf := make([]byte, 0, len(contacts)*compactIPv4Size)
		for _, c := range contacts {
			if info := c.Node().CompactNodeInfo(); info != nil {
				buf = append(buf, info...)
			}
		}
		return buf, nil
	default:
		buf := make([]byte, 0, len(contacts)*compactIPv6Size)
		for _, c := range contacts {
			if info := c.Node().CompactNodeInfo6(); info != nil {
				buf = append(buf, info...)
			}
		}
		return nil, buf
	}
}

func (qh *QueryHandler) sendError(transactionID string, code int, message string, addr *net.UDPAddr) {
	if err := qh.krpc.SendError(transactionID, code, message, addr); err != nil {
		qh.logger.Debug("failed to send error reply", "error", err, "to", addr)
	}
}
