package dht

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/dhtnode/internal/retry"
)

const (
	bootstrapInterval  = 1 * time.Hour
	refreshInterval    = 15 * time.Minute
	pingInterval       = 5 * time.Minute
	bootstrapSettle    = 2 * time.Second
	pingQuestionableTO = 15 * time.Second

	// resolveMaxAttempts/resolveInitialDelay bound how hard bootstrap
	// hostname resolution retries a transient DNS failure before the
	// resolution error is logged and the entry is skipped.
	resolveMaxAttempts  = 3
	resolveInitialDelay = 250 * time.Millisecond
)

// Config is the node's configuration surface: which address families to
// run, the UDP port they share, the bootstrap node list, and the
// ambient collaborators (identity, logging) the rest of the node is
// wired from.
type Config struct {
	// EnableIPv4 starts an IPv4 KRPC socket and routing table.
	EnableIPv4 bool
	// EnableIPv6 starts an IPv6 KRPC socket and routing table, bound
	// V6-only.
	EnableIPv6 bool

	// Port is shared by both families by convention.
	Port int

	// BootstrapNodes are "host:port" strings resolved at bootstrap time;
	// unresolved entries are logged and skipped.
	BootstrapNodes []string

	// LocalID is this node's identity across both families. A random ID
	// is generated if left zero.
	LocalID ID

	// Logger receives all node diagnostics; a discard logger is used if
	// nil.
	Logger *slog.Logger
}

// Validate enforces the node's configuration invariants: at least one
// address family must be enabled, and Port must lie in 0-65535 (0 binds
// an ephemeral port).
func (c *Config) Validate() error {
	if !c.EnableIPv4 && !c.EnableIPv6 {
		return ErrNoAddressFamily
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("dht: invalid port %d", c.Port)
	}
	return nil
}

// DefaultConfig returns an IPv4-only node on the Mainline DHT's
// conventional port, seeded with well-known public bootstrap nodes.
func DefaultConfig() *Config {
	return &Config{
		EnableIPv4: true,
		Port:       6881,
		BootstrapNodes: []string{
			"router.bittorrent.com:6881",
			"router.utorrent.com:6881",
			"dht.transmissionbt.com:6881",
		},
	}
}

// familyNode is everything scoped to one address family: its own
// routing table (a single table is always scoped to one address
// family) and its own KRPC transport, sharing the node's identity,
// announce store and token manager.
type familyNode struct {
	family  Family
	table   *RoutingTable
	krpc    *KRPC
	handler *QueryHandler
}

// DHT is a Mainline DHT node. It owns one familyNode per enabled address
// family plus the shared AnnounceStore and TokenManager, and drives
// bootstrap, bucket refresh, and questionable-node liveness checks in
// the background.
type DHT struct {
	config  *Config
	localID ID
	logger  *slog.Logger

	store  *AnnounceStore
	tokens *TokenManager

	families []*familyNode

	mu      sync.RWMutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New constructs a DHT node per cfg without starting its network loops;
// call Bootstrap to start them.
func New(cfg *Config) (*DHT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	localID := cfg.LocalID
	if localID == (ID{}) {
		localID = RandomID()
	}

	d := &DHT{
		config:  cfg,
		localID: localID,
		logger:  logger,
		store:   NewAnnounceStore(),
		tokens:  NewTokenManager(),
		done:    make(chan struct{}),
	}

	if cfg.EnableIPv4 {
		fn, err := d.newFamilyNode(FamilyIPv4, fmt.Sprintf("0.0.0.0:%d", cfg.Port))
		if err != nil {
			return nil, fmt.Errorf("dht: starting ipv4 socket: %w", err)
		}
		d.families = append(d.families, fn)
	}

	if cfg.EnableIPv6 {
		fn, err := d.newFamilyNode(FamilyIPv6, fmt.Sprintf("[::]:%d", cfg.Port))
		if err != nil {
			return nil, fmt.Errorf("dht: starting ipv6 socket: %w", err)
		}
		d.families = append(d.families, fn)
	}

	return d, nil
}

func (d *DHT) newFamilyNode(family Family, listenAddr string) (*familyNode, error) {
	krpc, err := NewKRPC(d.localID, family, listenAddr, d.logger.With("family", family))
	if err != nil {
		return nil, err
	}

	table := NewRoutingTable(d.localID, family)
	handler := NewQueryHandler(krpc, table, d.store, d.tokens, d.logger)
	krpc.SetQueryHandler(handler.HandleQuery)

	return &familyNode{family: family, table: table, krpc: krpc, handler: handler}, nil
}

// Bootstrap starts the node's network loops and performs an initial
// bootstrap against the configured seed nodes; it is idempotent.
func (d *DHT) Bootstrap(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		d.bootstrapOnce(ctx)
		return nil
	}
	d.started = true
	d.mu.Unlock()

	for _, fn := range d.families {
		fn.krpc.Start()
	}

	d.wg.Go(func() { d.bootstrapLoop(ctx) })
	d.wg.Go(func() { d.refreshLoop(ctx) })
	d.wg.Go(func() { d.pingQuestionableLoop(ctx) })

	return nil
}

// Close shuts down every family's transport and background loop and
// stops the shared announce store and token manager.
func (d *DHT) Close() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	close(d.done)
	for _, fn := range d.families {
		fn.krpc.Stop()
	}
	d.wg.Wait()

	d.tokens.Stop()
	d.store.Stop()
	return nil
}

func (d *DHT) isStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}

func (d *DHT) bootstrapLoop(ctx context.Context) {
	d.bootstrapOnce(ctx)

	ticker := time.NewTicker(bootstrapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.bootstrapOnce(ctx)
		}
	}
}

// bootstrapOnce resolves the configured bootstrap hostnames and runs a
// find_node self-lookup per family, seeded directly with the resolved
// addresses rather than the (likely still empty) routing table.
func (d *DHT) bootstrapOnce(ctx context.Context) {
	var resolved []*net.UDPAddr
	for _, addrStr := range d.config.BootstrapNodes {
		addrStr := addrStr

		var addr *net.UDPAddr
		err := retry.Do(ctx, func(ctx context.Context) error {
			var resolveErr error
			addr, resolveErr = net.ResolveUDPAddr("udp", addrStr)
			return resolveErr
		}, retry.WithExponentialBackoff(resolveMaxAttempts, resolveInitialDelay, resolveInitialDelay*4)...)
		if err != nil {
			d.logger.Warn("failed to resolve bootstrap node", "addr", addrStr, "error", err)
			continue
		}
		resolved = append(resolved, addr)
	}

	if len(resolved) == 0 {
		d.logger.Warn("bootstrap has no resolvable seed nodes")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range d.families {
		fn := fn
		g.Go(func() error {
			d.bootstrapFamily(gctx, fn, resolved)
			return nil
		})
	}
	g.Wait()
}

func (d *DHT) bootstrapFamily(ctx context.Context, fn *familyNode, resolved []*net.UDPAddr) {
	var seeds []*Contact
	for _, addr := range resolved {
		if addrFamily(addr.IP) != fn.family {
			continue
		}
		seeds = append(seeds, NewContact(NewNode(RandomID(), addr.IP, addr.Port)))
	}
	if len(seeds) == 0 {
		return
	}

	search := NewSearch(fn.krpc, fn.table, d.localID, d.localID, SearchFindNode, d.logger)
	search.RunWithSeeds(ctx, seeds)

	time.Sleep(bootstrapSettle)
	stats := fn.table.GetStats()
	d.logger.Debug("bootstrap converged", "family", fn.family, "contacts", stats.TotalContacts)
}

// insertOrPing applies the table's add() decision tree to contact and,
// if its bucket was full of live contacts, resolves the resulting
// PendingPing in the background by pinging the incumbent — the BEP 5
// "ping the most questionable node" eviction path. Used both by the
// query handler (for senders of incoming queries) and by Search (for
// nodes that answered a find_node/get_peers query), so a lookup's
// natural convergence populates the routing table.
func insertOrPing(krpc *KRPC, table *RoutingTable, contact *Contact, logger *slog.Logger) {
	outcome, replacement := table.Insert(contact)
	if outcome != PendingPing {
		return
	}

	go func() {
		resp, err := krpc.SendQuery(context.Background(), PingQuery("", table.ID()), replacement.Incumbent.Addr(), pingQuestionableTO)
		responded := err == nil
		if responded {
			if id, ok := resp.GetNodeID(); !ok || id != replacement.Incumbent.ID() {
				responded = false
			}
		}
		if responded {
			replacement.Incumbent.Touch(EventResponseReceived)
		} else {
			logger.Debug("incumbent failed liveness ping, replacing", "incumbent", replacement.Incumbent.ID())
		}
		table.ResolveReplacement(replacement, responded)
	}()
}

func addrFamily(ip net.IP) Family {
	if ip.To4() != nil {
		return FamilyIPv4
	}
	return FamilyIPv6
}

func (d *DHT) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh(ctx)
		}
	}
}

func (d *DHT) refresh(ctx context.Context) {
	for _, fn := range d.families {
		for _, idx := range fn.table.BucketsNeedingRefresh() {
			target := fn.table.RandomIDInBucket(idx)
			search := NewSearch(fn.krpc, fn.table, d.localID, target, SearchFindNode, d.logger)
			search.Run(ctx)
		}
	}
}

func (d *DHT) pingQuestionableLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pingQuestionable(ctx)
		}
	}
}

func (d *DHT) pingQuestionable(ctx context.Context) {
	for _, fn := range d.families {
		for _, contact := range fn.table.QuestionableContacts() {
			msg := PingQuery("", d.localID)
			resp, err := fn.krpc.SendQuery(ctx, msg, contact.Addr(), pingQuestionableTO)
			if err != nil {
				contact.Touch(EventQueryTimeout)
				if contact.IsBad() {
					fn.table.Remove(contact.ID())
				}
				continue
			}

			if id, ok := resp.GetNodeID(); !ok || id != contact.ID() {
				fn.table.Remove(contact.ID())
				continue
			}
			contact.Touch(EventResponseReceived)
		}
	}
}

// Search performs a get_peers lookup for infoHash, invoking cb once per
// discovered (ip, port) pair, across every enabled address family.
func (d *DHT) Search(ctx context.Context, infoHash ID, cb PeerCallback) error {
	if !d.isStarted() {
		return ErrNotRunning
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range d.families {
		fn := fn
		g.Go(func() error {
			search := NewSearch(fn.krpc, fn.table, d.localID, infoHash, SearchGetPeers, d.logger)
			search.WithCallback(cb)
			search.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}

// SearchAnnounce is Search, then announces this node as a peer for
// infoHash once each family's lookup converges. port is the port to
// advertise; if impliedPort is true the remote end is asked to use the
// announce packet's source port instead (BEP 5).
func (d *DHT) SearchAnnounce(ctx context.Context, infoHash ID, port int, impliedPort bool, cb PeerCallback) error {
	if !d.isStarted() {
		return ErrNotRunning
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range d.families {
		fn := fn
		g.Go(func() error {
			search := NewSearch(fn.krpc, fn.table, d.localID, infoHash, SearchGetPeers, d.logger)
			search.WithCallback(cb)
			search.WithAnnounce(port, impliedPort)
			search.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}

// FindNode performs a find_node lookup, returning the closest contacts
// found across every enabled family.
func (d *DHT) FindNode(ctx context.Context, target ID) ([]*Contact, error) {
	if !d.isStarted() {
		return nil, ErrNotRunning
	}

	var mu sync.Mutex
	var out []*Contact

	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range d.families {
		fn := fn
		g.Go(func() error {
			search := NewSearch(fn.krpc, fn.table, d.localID, target, SearchFindNode, d.logger)
			contacts := search.Run(gctx)
			mu.Lock()
			out = append(out, contacts...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping sends a single ping to addr and, on success, inserts the
// responder into the matching family's routing table.
func (d *DHT) Ping(ctx context.Context, addr *net.UDPAddr) error {
	if !d.isStarted() {
		return ErrNotRunning
	}

	fn := d.familyFor(addr.IP)
	if fn == nil {
		return errors.New("dht: no enabled address family matches " + addr.IP.String())
	}

	resp, err := fn.krpc.SendQuery(ctx, PingQuery("", d.localID), addr, QueryTimeout)
	if err != nil {
		return err
	}

	nodeID, ok := resp.GetNodeID()
	if !ok {
		return ErrInvalidMessage
	}

	contact := NewContact(NewNode(nodeID, addr.IP, addr.Port))
	contact.Touch(EventResponseReceived)
	insertOrPing(fn.krpc, fn.table, contact, d.logger)
	return nil
}

func (d *DHT) familyFor(ip net.IP) *familyNode {
	want := addrFamily(ip)
	for _, fn := range d.families {
		if fn.family == want {
			return fn
		}
	}
	return nil
}

// Stats returns routing-table statistics per enabled address family.
func (d *DHT) Stats() map[Family]Stats {
	out := make(map[Family]Stats, len(d.families))
	for _, fn := range d.families {
		out[fn.family] = fn.table.GetStats()
	}
	return out
}

// LocalAddr returns the bound UDP address for family, or nil if that
// family isn't enabled.
func (d *DHT) LocalAddr(family Family) *net.UDPAddr {
	for _, fn := range d.families {
		if fn.family == family {
			return fn.krpc.LocalAddr()
		}
	}
	return nil
}

// LocalID returns the node's 160-bit identity.
func (d *DHT) LocalID() ID { return d.localID }
