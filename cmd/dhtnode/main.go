package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prxssh/dhtnode/internal/dht"
	"github.com/prxssh/dhtnode/internal/logging"
	"github.com/prxssh/dhtnode/internal/meta"
)

func main() {
	var (
		port       = flag.Int("port", 6881, "UDP port shared by the enabled address families")
		enableIPv4 = flag.Bool("ipv4", true, "enable the IPv4 table and socket")
		enableIPv6 = flag.Bool("ipv6", false, "enable the IPv6 table and socket")
		bootstrap  = flag.String("bootstrap", "router.bittorrent.com:6881,router.utorrent.com:6881,dht.transmissionbt.com:6881", "comma-separated bootstrap host:port list")
		magnetURI  = flag.String("magnet", "", "magnet URI to search for peers; exits after the search budget elapses")
		announce   = flag.Bool("announce", false, "announce this node as a peer for -magnet once the search converges")
		verbose    = flag.Bool("v", false, "enable debug logging")
		color      = flag.String("color", "auto", "colorize log output: auto, always, or never")
	)
	flag.Parse()

	logger := setupLogger(*verbose, *color)

	cfg := &dht.Config{
		EnableIPv4:     *enableIPv4,
		EnableIPv6:     *enableIPv6,
		Port:           *port,
		BootstrapNodes: splitNonEmpty(*bootstrap, ","),
		Logger:         logger,
	}

	node, err := dht.New(cfg)
	if err != nil {
		logger.Error("failed to construct dht node", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer node.Close()

	logger.Info("dht node started", "id", fmt.Sprintf("%x", node.LocalID()), "port", *port)

	if *magnetURI == "" {
		<-ctx.Done()
		logger.Info("shutting down")
		return
	}

	runSearch(ctx, node, logger, *magnetURI, *announce)
}

func runSearch(ctx context.Context, node *dht.DHT, logger *slog.Logger, magnetURI string, announce bool) {
	m, err := meta.ParseMagnet(magnetURI)
	if err != nil {
		logger.Error("invalid magnet uri", "error", err)
		os.Exit(1)
	}

	infoHash := dht.ID(m.InfoHash)
	found := 0
	cb := func(ip net.IP, port int) {
		found++
		fmt.Printf("%s:%d\n", ip, port)
	}

	ctx, cancel := context.WithTimeout(ctx, dht.SearchBudget)
	defer cancel()

	if announce {
		// implied_port: true asks each responder to record our UDP
		// source port rather than a port argument (BEP 5), so the
		// advertised port is correct regardless of which family answers.
		err = node.SearchAnnounce(ctx, infoHash, 0, true, cb)
	} else {
		err = node.Search(ctx, infoHash, cb)
	}
	if err != nil {
		logger.Error("search failed", "error", err)
		os.Exit(1)
	}

	logger.Info("search converged", "magnet", m.String(), "peers_found", found)
}

func setupLogger(verbose bool, color string) *slog.Logger {
	opts := logging.DefaultOptions()
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.SlogOpts.AddSource = true
	}

	switch color {
	case "always":
		opts.UseColor = true
	case "never":
		opts.UseColor = false
	default:
		opts.UseColor = logging.AutoColor(os.Stdout)
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	return slog.New(h)
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
