// rookeryd runs one Rookery peer: the node core plus the local gateway API.
//
// State lives under -data (SQLite plus the identity key); with no data
// directory the daemon runs ephemeral and in-memory, which is handy for
// trying the network out. Every flag falls back to a ROOKERY_* environment
// variable.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rookery-im/rookery-go/core/identity"
	"github.com/rookery-im/rookery-go/gateway"
	"github.com/rookery-im/rookery-go/node"
	"github.com/rookery-im/rookery-go/presence"
	"github.com/rookery-im/rookery-go/storage/sqlite"
	"github.com/rookery-im/rookery-go/transport/direct"
	"github.com/rookery-im/rookery-go/transport/relay"
)

var (
	dataDir     = flag.String("data", envOr("ROOKERY_DATA", ""), "data directory; empty keeps all state in memory")
	listenAddr  = flag.String("listen", envOr("ROOKERY_LISTEN", ""), "peer listen address; empty disables inbound direct links")
	gatewayAddr = flag.String("gateway", envOr("ROOKERY_GATEWAY", gateway.DefaultListenAddr), "local API listen address")
	brokerURL   = flag.String("broker", envOr("ROOKERY_BROKER", ""), "MQTT relay broker URL; empty disables the relay")
	network     = flag.String("network", envOr("ROOKERY_NETWORK", ""), "relay network name")
	displayName = flag.String("name", envOr("ROOKERY_NAME", ""), "display name announced to peers")
	advertise   = flag.String("advertise", envOr("ROOKERY_ADVERTISE", ""), "comma-separated addresses peers may dial directly")
	logLevel    = flag.String("log-level", envOr("ROOKERY_LOG_LEVEL", "info"), "log level: debug, info, warn or error")
)

func main() {
	flag.Parse()

	log := newLogger(*logLevel)
	if err := run(log); err != nil {
		log.Error("rookeryd failed", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys, err := loadIdentity(*dataDir)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	cfg := node.Config{
		Keys:            keys,
		Profile:         presence.Profile{DisplayName: *displayName},
		AdvertisedAddrs: splitAddrs(*advertise),
		Logger:          log,
	}

	if *dataDir != "" {
		store, err := sqlite.Open(filepath.Join(*dataDir, "rookery.db"))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()
		cfg.Contacts = store.Contacts()
		cfg.Grants = store.Grants()
		cfg.Items = store.Items()
	}

	if *brokerURL != "" {
		cfg.Relay = relay.New(relay.Config{
			Broker:  *brokerURL,
			Network: *network,
			Self:    keys.PeerID(),
			Logger:  log,
		})
	}

	// The direct transport dials outbound even without a listen address.
	cfg.Direct = direct.New(direct.Config{
		Keys:            keys,
		ListenAddr:      *listenAddr,
		AdvertisedAddrs: cfg.AdvertisedAddrs,
		Logger:          log,
	})

	n := node.New(cfg)
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer n.Stop()

	gw := gateway.New(gateway.Config{Node: n, ListenAddr: *gatewayAddr, Logger: log})
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	defer gw.Stop()

	log.Info("rookeryd up", "peer", keys.PeerID().String(), "gateway", gw.Addr())
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// loadIdentity reads the hex seed at <dir>/identity.key, minting a fresh
// identity on first run. An empty dir means an ephemeral identity.
func loadIdentity(dir string) (*identity.KeyPair, error) {
	if dir == "" {
		return identity.Generate()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, "identity.key")
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return identity.FromSeed(seed)
	case os.IsNotExist(err):
		keys, err := identity.Generate()
		if err != nil {
			return nil, err
		}
		encoded := hex.EncodeToString(keys.Seed()) + "\n"
		if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
			return nil, err
		}
		return keys, nil
	default:
		return nil, err
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitAddrs(raw string) []string {
	if raw == "" {
		return nil
	}
	var addrs []string
	for _, a := range strings.Split(raw, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}
