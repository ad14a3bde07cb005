package dht

import "net"

// MessageType is the KRPC envelope's "y" field.
type MessageType string

const (
	QueryType    MessageType = "q"
	ResponseType MessageType = "r"
	ErrorType    MessageType = "e"
)

// QueryMethod is the KRPC envelope's "q" field.
type QueryMethod string

const (
	PingMethod         QueryMethod = "ping"
	FindNodeMethod     QueryMethod = "find_node"
	GetPeersMethod     QueryMethod = "get_peers"
	AnnouncePeerMethod QueryMethod = "announce_peer"
)

// Message is the decoded form of a KRPC datagram. A, R and E are
// mutually exclusive with one another depending on Y.
type Message struct {
	T string      // transaction ID
	Y MessageType // message type
	V string      // client version, informational

	Q QueryMethod    // query method name
	A map[string]any // query arguments

	R map[string]any // response values

	E []any // [code, message]

	Addr *net.UDPAddr
}

func NewQuery(method QueryMethod, transactionID string) *Message {
	return &Message{T: transactionID, Y: QueryType, Q: method, A: make(map[string]any)}
}

func NewResponse(transactionID string) *Message {
	return &Message{T: transactionID, Y: ResponseType, R: make(map[string]any)}
}

func NewError(transactionID string, code int, message string) *Message {
	return &Message{T: transactionID, Y: ErrorType, E: []any{code, message}}
}

// KRPC protocol error codes (BEP 5).
const (
	ErrorGeneric       = 201
	ErrorServer        = 202
	ErrorProtocol      = 203
	ErrorMethodUnknown = 204
)

func PingQuery(transactionID string, senderID ID) *Message {
	msg := NewQuery(PingMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	return msg
}

func PingResponse(transactionID string, senderID ID) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	return msg
}

func FindNodeQuery(transactionID string, senderID, target ID, want []Family) *Message {
	msg := NewQuery(FindNodeMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	msg.A["target"] = string(target[:])
	if w := encodeWant(want); w != nil {
		msg.A["want"] = w
	}
	return msg
}

// FindNodeResponse carries the IPv4 "nodes" payload, the IPv6 "nodes6"
// payload (BEP 32), or both — whichever the querying family requested.
func FindNodeResponse(transactionID string, senderID ID, nodes, nodes6 []byte) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	if nodes != nil {
		msg.R["nodes"] = string(nodes)
	}
	if nodes6 != nil {
		msg.R["nodes6"] = string(nodes6)
	}
	return msg
}

func GetPeersQuery(transactionID string, senderID, infoHash ID, want []Family) *Message {
	msg := NewQuery(GetPeersMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	msg.A["info_hash"] = string(infoHash[:])
	if w := encodeWant(want); w != nil {
		msg.A["want"] = w
	}
	return msg
}

func GetPeersResponseValues(transactionID string, senderID ID, token string, values []string) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	msg.R["token"] = token
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	msg.R["values"] = vals
	return msg
}

func GetPeersResponseNodes(transactionID string, senderID ID, token string, nodes, nodes6 []byte) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	msg.R["token"] = token
	if nodes != nil {
		msg.R["nodes"] = string(nodes)
	}
	if nodes6 != nil {
		msg.R["nodes6"] = string(nodes6)
	}
	return msg
}

func AnnouncePeerQuery(transactionID string, senderID, infoHash ID, port int, impliedPort bool, token string) *Message {
	msg := NewQuery(AnnouncePeerMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	msg.A["info_hash"] = string(infoHash[:])
	msg.A["port"] = port
	if impliedPort {
		msg.A["implied_port"] = 1
	}
	msg.A["token"] = token
	return msg
}

func AnnouncePeerResponse(transactionID string, senderID ID) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	return msg
}

func encodeWant(want []Family) []any {
	if len(want) == 0 {
		return nil
	}
	out := make([]any, 0, len(want))
	for _, f := range want {
		if f == FamilyIPv6 {
			out = append(out, "n6")
		} else {
			out = append(out, "n4")
		}
	}
	return out
}

// Want reports which address families the query asked for via "want"
// (BEP 32). An absent "want" means "whatever family you received this on".
func (m *Message) Want() []Family {
	if m.Y != QueryType || m.A == nil {
		return nil
	}
	raw, ok := m.A["want"].([]any)
	if !ok {
		return nil
	}
	var out []Family
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch s {
		case "n4":
			out = append(out, FamilyIPv4)
		case "n6":
			out = append(out, FamilyIPv6)
		}
	}
	return out
}

func (m *Message) GetNodeID() (ID, bool) {
	var (
		id    ID
		idStr string
		ok    bool
	)

	if m.Y == ResponseType && m.R != nil {
		idStr, ok = m.R["id"].(string)
	} else if m.Y == QueryType && m.A != nil {
		idStr, ok = m.A["id"].(string)
	}

	if !ok || len(idStr) != IDLen {
		return id, false
	}

	copy(id[:], idStr)
	return id, true
}

func (m *Message) GetTarget() (ID, bool) {
	var target ID

	if m.Y != QueryType || m.A == nil {
		return target, false
	}

	targetStr, ok := m.A["target"].(string)
	if !ok || len(targetStr) != IDLen {
		return target, false
	}

	copy(target[:], targetStr)
	return target, true
}

func (m *Message) GetInfoHash() (ID, bool) {
	var hash ID

	if m.Y != QueryType || m.A == nil {
		return hash, false
	}

	hashStr, ok := m.A["info_hash"].(string)
	if !ok || len(hashStr) != IDLen {
		return hash, false
	}

	copy(hash[:], hashStr)
	return hash, true
}

func (m *Message) GetToken() (string, bool) {
	if m.Y == ResponseType && m.R != nil {
		token, ok := m.R["token"].(string)
		return token, ok
	}
	if m.Y == QueryType && m.A != nil {
		token, ok := m.A["token"].(string)
		return token, ok
	}
	return "", false
}

func (m *Message) GetNodes() ([]byte, bool) {
	if m.Y != ResponseType || m.R == nil {
		return nil, false
	}
	nodesStr, ok := m.R["nodes"].(string)
	if !ok {
		return nil, false
	}
	return []byte(nodesStr), true
}

func (m *Message) GetNodes6() ([]byte, bool) {
	if m.Y != ResponseType || m.R == nil {
		return nil, false
	}
	nodesStr, ok := m.R["nodes6"].(string)
	if !ok {
		return nil, false
	}
	return []byte(nodesStr), true
}

func (m *Message) GetValues() ([]string, bool) {
	if m.Y != ResponseType || m.R == nil {
		return nil, false
	}

	valuesRaw, ok := m.R["values"].([]any)
	if !ok {
		return nil, false
	}

	values := make([]string, 0, len(valuesRaw))
	for _, v := range valuesRaw {
		if str, ok := v.(string); ok {
			values = append(values, str)
		}
	}

	return values, len(values) > 0
}

func (m *Message) GetPort() (int, bool) {
	if m.Y != QueryType || m.A == nil {
		return 0, false
	}

	switch p := m.A["port"].(type) {
	case int:
		return p, true
	case int64:
		return int(p), true
	default:
		return 0, false
	}
}

// GetImpliedPort reports whether the announce_peer query asked us to use
// the packet's source port instead of the "port" argument (BEP 5).
func (m *Message) GetImpliedPort() bool {
	if m.Y != QueryType || m.A == nil {
		return false
	}

	switch v := m.A["implied_port"].(type) {
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return false
	}
}

func (m *Message) IsQuery() bool    { return m.Y == QueryType }
func (m *Message) IsResponse() bool { return m.Y == ResponseType }
func (m *Message) IsError() bool    { return m.Y == ErrorType }

// ErrorCodeAndMessage unpacks E's [code, message] pair (BEP 5 §"Errors").
// A decoded error reply carries code as int64 (bencode integers decode as
// int64) while a locally-constructed one (NewError) carries a plain int,
// so both are accepted the same way GetPort does for "port".
func (m *Message) ErrorCodeAndMessage() (code int, message string) {
	if m.Y != ErrorType || len(m.E) != 2 {
		return 0, ""
	}

	switch c := m.E[0].(type) {
	case int:
		code = c
	case int64:
		code = int(c)
	}

	if s, ok := m.E[1].(string); ok {
		message = s
	}

	return code, message
}
