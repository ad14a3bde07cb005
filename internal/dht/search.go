package dht

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prxssh/dhtnode/internal/pqueue"
)

// SearchKind distinguishes a find_node lookup from a get_peers lookup;
// both share the same convergence machinery.
type SearchKind int

const (
	SearchFindNode SearchKind = iota
	SearchGetPeers
)

func (k SearchKind) String() string {
	if k == SearchGetPeers {
		return "get_peers"
	}
	return "find_node"
}

const (
	// Alpha is the search's query parallelism.
	Alpha = 3
	// QueryTimeout is how long a single in-flight query is given before
	// its node is marked failed and abandoned.
	QueryTimeout = 10 * time.Second
	// SearchBudget is the overall wall-clock ceiling on one Search.
	SearchBudget = 2 * time.Minute
	// maxShortlistSize bounds how many distinct candidates a single
	// Search will track, so a large or hostile cluster can't make one
	// lookup grow without limit.
	maxShortlistSize = 256
)

// PeerCallback receives one discovered (ip, port) pair from a get_peers
// Search, in arrival order.
type PeerCallback func(ip net.IP, port int)

type searchCandidate struct {
	contact *Contact
	token   string
}

// Search drives one iterative α-parallel lookup to convergence. The
// unqueried frontier lives in a min-heap ordered by distance
// to target — pqueue.PriorityQueue, since a candidate's distance never
// changes once computed, which is exactly what a heap (rather than a
// resortable slice) is for. The K closest nodes that have actually
// responded are tracked separately, insertion-sorted and capped at K,
// since that's a much smaller, frequently-read structure.
type Search struct {
	krpc    *KRPC
	table   *RoutingTable
	localID ID
	target  ID
	kind    SearchKind
	logger  *slog.Logger

	announce     bool
	announcePort int
	impliedPort  bool
	callback     PeerCallback

	mu        sync.Mutex
	queue     *pqueue.PriorityQueue[*searchCandidate]
	responded []*searchCandidate
	seen      map[ID]bool
	seenPeers map[string]bool
	pending   int
}

func NewSearch(krpc *KRPC, table *RoutingTable, localID, target ID, kind SearchKind, logger *slog.Logger) *Search {
	s := &Search{
		krpc: krpc, table: table, localID: localID, target: target, kind: kind, logger: logger,
		seen:      make(map[ID]bool),
		seenPeers: make(map[string]bool),
	}
	s.queue = pqueue.NewBoundedPriorityQueue(func(a, b *searchCandidate) bool {
		return CompareDistance(target, a.contact.ID(), b.contact.ID()) < 0
	}, maxShortlistSize)
	return s
}

// WithAnnounce arranges for the Search to announce_peer to the closest
// responded nodes once convergence is reached. impliedPort carries BEP
// 5's implied_port flag through.
func (s *Search) WithAnnounce(port int, impliedPort bool) *Search {
	s.announce, s.announcePort, s.impliedPort = true, port, impliedPort
	return s
}

func (s *Search) WithCallback(cb PeerCallback) *Search {
	s.callback = cb
	return s
}

// Run seeds the shortlist from the routing table and drives the search to
// convergence, timeout, or ctx cancellation, returning the closest
// responded contacts found.
func (s *Search) Run(ctx context.Context) []*Contact {
	return s.run(ctx, s.table.FindClosestK(s.target, K))
}

// RunWithSeeds is Run but with an explicit seed list instead of the
// routing table's own closest-K, used by bootstrap when the table is
// still empty.
func (s *Search) RunWithSeeds(ctx context.Context, seeds []*Contact) []*Contact {
	return s.run(ctx, seeds)
}

func (s *Search) run(ctx context.Context, seeds []*Contact) []*Contact {
	ctx, cancel := context.WithTimeout(ctx, SearchBudget)
	defer cancel()

	s.mu.Lock()
	for _, c := range seeds {
		s.addCandidateLocked(c)
	}
	s.mu.Unlock()

	if len(seeds) == 0 {
		s.logger.Debug("search has no seed nodes", "target", s.target, "kind", s.kind)
		return nil
	}

	tokens := make(chan struct{}, Alpha)
	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	var wg sync.WaitGroup

loop:
	for {
		s.mu.Lock()
		cand := s.dispatchNextLocked()
		pending := s.pending
		s.mu.Unlock()

		if cand == nil {
			if pending == 0 {
				break loop
			}
			select {
			case <-wake:
				continue loop
			case <-ctx.Done():
				break loop
			}
		}

		select {
		case tokens <- struct{}{}:
		case <-ctx.Done():
			break loop
		}

		wg.Add(1)
		go func(c *searchCandidate) {
			defer wg.Done()
			defer func() { <-tokens; notify() }()
			s.query(ctx, c)
		}(cand)
	}

	wg.Wait()

	if s.announce && s.kind == SearchGetPeers {
		s.runAnnounce(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Contact, len(s.responded))
	for i, c := range s.responded {
		out[i] = c.contact
	}
	return out
}

// dispatchNextLocked pops the closest unqueried candidate still eligible
// under the K-th-best-responded threshold, marks it in flight, and
// returns it — or returns nil if the shortlist is exhausted or frozen.
func (s *Search) dispatchNextLocked() *searchCandidate {
	threshold, haveThreshold := s.kthRespondedIDLocked()

	var putBack []*searchCandidate
	var chosen *searchCandidate

	for {
		cand, ok := s.queue.Dequeue()
		if !ok {
			break
		}
		if haveThreshold && CompareDistance(s.target, cand.contact.ID(), threshold) >= 0 {
			putBack = append(putBack, cand)
			break
		}
		chosen = cand
		break
	}

	for _, c := range putBack {
		s.queue.Enqueue(c)
	}

	if chosen != nil {
		s.pending++
	}
	return chosen
}

// kthRespondedIDLocked returns the id of the K-th closest node to have
// responded so far, or ok=false if fewer than K have responded yet —
// in which case every unqueried candidate is still eligible.
func (s *Search) kthRespondedIDLocked() (id ID, ok bool) {
	if len(s.responded) < K {
		return id, false
	}
	return s.responded[K-1].contact.ID(), true
}

func (s *Search) addCandidateLocked(c *Contact) {
	if c.ID() == s.localID || s.seen[c.ID()] {
		return
	}
	if !s.queue.Enqueue(&searchCandidate{contact: c}) {
		return
	}
	s.seen[c.ID()] = true
}

func (s *Search) insertRespondedLocked(cand *searchCandidate) {
	idx := sort.Search(len(s.responded), func(i int) bool {
		return CompareDistance(s.target, s.responded[i].contact.ID(), cand.contact.ID()) >= 0
	})
	s.responded = append(s.responded, nil)
	copy(s.responded[idx+1:], s.responded[idx:])
	s.responded[idx] = cand
	if len(s.responded) > K {
		s.responded = s.responded[:K]
	}
}

func (s *Search) query(ctx context.Context, cand *searchCandidate) {
	var msg *Message
	switch s.kind {
	case SearchFindNode:
		msg = FindNodeQuery("", s.localID, s.target, nil)
	case SearchGetPeers:
		msg = GetPeersQuery("", s.localID, s.target, nil)
	}

	cand.contact.Touch(EventQuerySent)
	resp, err := s.krpc.SendQuery(ctx, msg, cand.contact.Addr(), QueryTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--

	// A table-seeded candidate shares the table's *Contact, so the table's
	// record is touched separately only when it is a different object.
	if err != nil {
		cand.contact.Touch(EventQueryTimeout)
		if tc := s.table.Get(cand.contact.ID()); tc != nil && tc != cand.contact {
			tc.Touch(EventQueryTimeout)
		}
		return
	}

	// An error_reply is a real answer, just not a useful one for this
	// lookup: log it and leave the candidate's liveness state alone
	// rather than treating it as a timeout.
	if resp.IsError() {
		code, message := resp.ErrorCodeAndMessage()
		s.logger.Debug("candidate returned an error reply", "from", cand.contact.Addr(), "code", code, "message", message)
		return
	}

	respID, ok := resp.GetNodeID()
	if !ok || respID != cand.contact.ID() {
		cand.contact.Touch(EventQueryTimeout)
		if tc := s.table.Get(cand.contact.ID()); tc != nil && tc != cand.contact {
			tc.Touch(EventQueryTimeout)
		}
		return
	}

	cand.contact.Touch(EventResponseReceived)
	insertOrPing(s.krpc, s.table, cand.contact, s.logger)

	if token, ok := resp.GetToken(); ok {
		cand.token = token
	}
	s.insertRespondedLocked(cand)

	if s.kind == SearchGetPeers {
		if values, ok := resp.GetValues(); ok {
			for _, v := range values {
				ip, port, ok := DecodeCompactPeerInfo([]byte(v))
				if !ok {
					continue
				}
				key := net.JoinHostPort(ip.String(), strconv.Itoa(port))
				if s.seenPeers[key] {
					continue
				}
				s.seenPeers[key] = true
				if s.callback != nil {
					s.callback(ip, port)
				}
			}
		}
	}

	if nodes, ok := resp.GetNodes(); ok {
		for _, n := range DecodeCompactNodeInfoList(nodes) {
			s.addCandidateLocked(NewContact(n))
		}
	}
	if nodes6, ok := resp.GetNodes6(); ok {
		for _, n := range DecodeCompactNodeInfo6List(nodes6) {
			s.addCandidateLocked(NewContact(n))
		}
	}
}

// runAnnounce fires off a fire-and-forget announce_peer to every
// responded node that handed back a token.
func (s *Search) runAnnounce(ctx context.Context) {
	s.mu.Lock()
	targets := make([]*searchCandidate, 0, len(s.responded))
	for _, c := range s.responded {
		if c.token != "" {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, cand := range targets {
		wg.Add(1)
		go func(c *searchCandidate) {
			defer wg.Done()
			msg := AnnouncePeerQuery("", s.localID, s.target, s.announcePort, s.impliedPort, c.token)
			if _, err := s.krpc.SendQuery(ctx, msg, c.contact.Addr(), QueryTimeout); err != nil {
				s.logger.Debug("announce_peer failed", "to", c.contact.Addr(), "error", err)
			}
		}(cand)
	}
	wg.Wait()
}
