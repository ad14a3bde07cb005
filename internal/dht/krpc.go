package dht

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/prxssh/dhtnode/internal/bencode"
	"github.com/prxssh/dhtnode/internal/syncmap"
)

// maxInFlightQueries bounds how many outbound queries one KRPC transport
// will have awaiting a reply at once, so a slow or unreachable bootstrap
// node can't starve the search engine's α-parallel fan-out of sockets.
const maxInFlightQueries = 256

// KRPC is a UDP transport for one address family: it encodes/decodes the
// bencoded KRPC envelope, matches responses to the query that caused them
// by transaction ID, and hands queries from remote nodes to a
// caller-supplied handler.
type KRPC struct {
	logger  *slog.Logger
	conn    *net.UDPConn
	localID ID
	family  Family

	transactions *syncmap.Map[string, *transaction]
	inFlight     *semaphore.Weighted

	queryHandler    func(*Message)
	responseHandler func(*Message)

	done chan struct{}
	wg   sync.WaitGroup
}

type transaction struct {
	query      *Message
	responseCh chan *Message
	sentTime   time.Time
	timeout    time.Duration
}

func NewKRPC(localID ID, family Family, listenAddr string, logger *slog.Logger) (*KRPC, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	return &KRPC{
		logger:       logger,
		conn:         conn,
		localID:      localID,
		family:       family,
		transactions: syncmap.New[string, *transaction](),
		inFlight:     semaphore.NewWeighted(maxInFlightQueries),
		done:         make(chan struct{}),
	}, nil
}

func (k *KRPC) LocalAddr() *net.UDPAddr { return k.conn.LocalAddr().(*net.UDPAddr) }
func (k *KRPC) Family() Family          { return k.family }

func (k *KRPC) Start() {
	k.wg.Go(func() { k.readLoop() })
	k.wg.Go(func() { k.timeoutLoop() })
}

func (k *KRPC) Stop() {
	close(k.done)
	k.conn.Close()
	k.wg.Wait()
}

func (k *KRPC) SetQueryHandler(handler func(*Message))    { k.queryHandler = handler }
func (k *KRPC) SetResponseHandler(handler func(*Message)) { k.responseHandler = handler }

// SendQuery sends msg to addr and blocks for a matching response, up to
// timeout or ctx's cancellation — whichever comes first.
func (k *KRPC) SendQuery(ctx context.Context, msg *Message, addr *net.UDPAddr, timeout time.Duration) (*Message, error) {
	if err := k.inFlight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer k.inFlight.Release(1)

	if msg.T == "" {
		msg.T = k.generateTransactionID()
	}

	tx := &transaction{query: msg, responseCh: make(chan *Message, 1), sentTime: time.Now(), timeout: timeout}
	k.transactions.Put(msg.T, tx)
	defer k.transactions.Delete(msg.T)

	if err := k.send(msg, addr); err != nil {
		return nil, err
	}

	select {
	case response, ok := <-tx.responseCh:
		if !ok {
			return nil, ErrQueryFailed
		}
		return response, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-k.done:
		return nil, ErrStopped
	}
}

func (k *KRPC) SendResponse(msg *Message, addr *net.UDPAddr) error {
	return k.send(msg, addr)
}

func (k *KRPC) SendError(transactionID string, code int, message string, addr *net.UDPAddr) error {
	return k.send(NewError(transactionID, code, message), addr)
}

func (k *KRPC) send(msg *Message, addr *net.UDPAddr) error {
	encoded, err := bencode.Marshal(k.messageToMap(msg))
	if err != nil {
		return err
	}

	_, err = k.conn.WriteToUDP(encoded, addr)
	return err
}

func (k *KRPC) readLoop() {
	buf := make([]byte, 65536)

	for {
		select {
		case <-k.done:
			return
		default:
		}

		k.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := k.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				k.logger.Error("read udp packet failed", "error", err)
			}
			continue
		}

		data, err := bencode.Unmarshal(buf[:n])
		if err != nil {
			k.logger.Debug("malformed message", "error", err, "from", addr)
			continue
		}

		msg := k.mapToMessage(data, addr)
		if msg == nil {
			continue
		}
		k.handleMessage(msg)
	}
}

func (k *KRPC) timeoutLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-k.done:
			return
		case <-ticker.C:
			k.checkTimeouts()
		}
	}
}

func (k *KRPC) checkTimeouts() {
	now := time.Now()

	var expired []string
	k.transactions.Range(func(txID string, tx *transaction) bool {
		if now.Sub(tx.sentTime) > tx.timeout {
			close(tx.responseCh)
			expired = append(expired, txID)
		}
		return true
	})
	k.transactions.Delete(expired...)
}

func (k *KRPC) handleMessage(msg *Message) {
	switch msg.Y {
	case QueryType:
		if k.queryHandler != nil {
			k.queryHandler(msg)
		}
	case ResponseType:
		k.handleResponse(msg)
	case ErrorType:
		k.handleError(msg)
	}
}

func (k *KRPC) handleResponse(msg *Message) {
	tx, exists := k.transactions.Get(msg.T)
	if !exists {
		k.logger.Debug("response for unknown transaction", "from", msg.Addr, "txid", msg.T)
		if k.responseHandler != nil {
			k.responseHandler(msg)
		}
		return
	}

	select {
	case tx.responseCh <- msg:
	default:
	}
}

// handleError logs a protocol error reply (BEP 5's [code, message] pair)
// and, if it matches an in-flight transaction, hands it to SendQuery the
// same way handleResponse does — an error_reply is a real answer from the
// remote node, not a lost packet, so it must not be folded into the
// timeout path by closing the channel out from under it.
func (k *KRPC) handleError(msg *Message) {
	code, message := msg.ErrorCodeAndMessage()
	k.logger.Debug("received error reply", "from", msg.Addr, "code", code, "message", message)

	tx, exists := k.transactions.Get(msg.T)
	if !exists {
		return
	}

	select {
	case tx.responseCh <- msg:
	default:
	}
}

func (k *KRPC) generateTransactionID() string {
	b := make([]byte, 2)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func (k *KRPC) messageToMap(msg *Message) map[string]any {
	m := make(map[string]any)

	m["t"] = msg.T
	m["y"] = string(msg.Y)

	if msg.V != "" {
		m["v"] = msg.V
	}

	switch msg.Y {
	case QueryType:
		m["q"] = string(msg.Q)
		m["a"] = msg.A
	case ResponseType:
		m["r"] = msg.R
	case ErrorType:
		m["e"] = msg.E
	}

	return m
}

func (k *KRPC) mapToMessage(data any, addr *net.UDPAddr) *Message {
	dict, ok := data.(map[string]any)
	if !ok {
		return nil
	}

	msg := &Message{Addr: addr}

	t, ok := dict["t"].(string)
	if !ok {
		return nil
	}
	msg.T = t

	y, ok := dict["y"].(string)
	if !ok {
		return nil
	}
	msg.Y = MessageType(y)

	if v, ok := dict["v"].(string); ok {
		msg.V = v
	}

	switch msg.Y {
	case QueryType:
		if q, ok := dict["q"].(string); ok {
			msg.Q = QueryMethod(q)
		}
		if a, ok := dict["a"].(map[string]any); ok {
			msg.A = a
		}
	case ResponseType:
		if r, ok := dict["r"].(map[string]any); ok {
			msg.R = r
		}
	case ErrorType:
		if e, ok := dict["e"].([]any); ok {
			msg.E = e
		}
	}

	return msg
}
