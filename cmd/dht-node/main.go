// Package main runs a long-lived DHT node process, wiring pkg/dht's
// Coordinator to an internal/refhost transport (QUIC by default, WebSocket
// with -transport=ws), pkg/logging, and pkg/config, with graceful shutdown
// on SIGINT/SIGTERM, the same daemon-lifecycle shape as a long-running
// server process with a load/run/wait-for-signal/stop sequence.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shadowmesh/kaddht/internal/refhost"
	"github.com/shadowmesh/kaddht/pkg/config"
	"github.com/shadowmesh/kaddht/pkg/dht"
	"github.com/shadowmesh/kaddht/pkg/hostiface"
	"github.com/shadowmesh/kaddht/pkg/logging"
	"github.com/shadowmesh/kaddht/pkg/routing"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file (defaults applied if omitted)")
	transport := flag.String("transport", "quic", "stream transport: quic or ws")
	bootstrapAddr := flag.String("bootstrap", "", "peer-id@addr of a node to bootstrap against")
	flag.Parse()

	cfg := config.GenerateDefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dht-node: failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	level := logging.INFO
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = logging.DEBUG
	case "warn":
		level = logging.WARN
	case "error":
		level = logging.ERROR
	}
	if err := logging.InitDefaultLogger("dht-node", level, cfg.Logging.OutputFile); err != nil {
		fmt.Fprintf(os.Stderr, "dht-node: failed to init logger: %v\n", err)
		os.Exit(1)
	}
	log := logging.GetDefaultLogger()
	log.Info("starting dht-node", logging.Fields{"version": version, "transport": *transport})

	identity, err := refhost.LoadOrGenerateIdentity(cfg.Node.IdentityKey)
	if err != nil {
		log.Fatal("failed to load identity", logging.Fields{"error": err.Error()})
	}
	log.Info("loaded identity", logging.Fields{"peer_id": fmt.Sprintf("%x", identity.LocalPeerID())})

	listenAddr := firstListenAddr(cfg.Node.ListenAddrs, *transport)
	host, err := newHost(*transport, listenAddr, identity.LocalPeerID(), log)
	if err != nil {
		log.Fatal("failed to start transport", logging.Fields{"error": err.Error()})
	}

	mode := dht.Client
	if cfg.DHT.Mode == "server" {
		mode = dht.Server
	}
	evictionPolicy := routing.WaitForProbe
	if cfg.DHT.EvictionPolicy == "reject_on_concurrent_probe" {
		evictionPolicy = routing.RejectOnConcurrentProbe
	}

	coordinator, err := dht.New(dht.Config{
		LocalID:                     identity.LocalPeerID(),
		Addrs:                       cfg.Node.ListenAddrs,
		Host:                        host,
		Identity:                    identity,
		Envelopes:                   refhost.EnvelopeVerifier{},
		AddrStore:                   refhost.NewMemAddrStore(),
		K:                           cfg.DHT.K,
		Alpha:                       cfg.DHT.Alpha,
		MaxRounds:                   cfg.DHT.MaxRounds,
		QueryTimeout:                cfg.DHT.QueryTimeout,
		ValueTTL:                    cfg.DHT.ValueTTL,
		ProviderExpiration:          cfg.DHT.ProviderExpiration,
		ProviderRepublishInterval:   cfg.DHT.ProviderRepublishInterval,
		ProviderAddressTTL:          cfg.DHT.ProviderAddressTTL,
		RoutingTableRefreshInterval: cfg.DHT.RoutingTableRefreshInterval,
		StalePeerThreshold:          cfg.DHT.StalePeerThreshold,
		InitialMode:                 mode,
		EvictionPolicy:              evictionPolicy,
		Logger:                      log,
	})
	if err != nil {
		log.Fatal("failed to construct coordinator", logging.Fields{"error": err.Error()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coordinator.Run(ctx); err != nil {
		log.Fatal("failed to start coordinator", logging.Fields{"error": err.Error()})
	}
	defer coordinator.Stop()

	if *bootstrapAddr != "" {
		if err := bootstrapAgainst(ctx, coordinator, host, *bootstrapAddr); err != nil {
			log.Warn("bootstrap failed", logging.Fields{"error": err.Error()})
		}
	}

	log.Info("dht-node running", logging.Fields{"mode": cfg.DHT.Mode, "listen": listenAddr})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down", logging.Fields{})
}

// bootstrapAgainst seeds the routing table with one known peer, parsed as
// "<hex peer id>@<addr>", ahead of the coordinator's own periodic
// FIND_NODE refresh picking up the rest of the network.
func bootstrapAgainst(ctx context.Context, c *dht.Coordinator, host hostiface.Host, spec string) error {
	parts := strings.SplitN(spec, "@", 2)
	if len(parts) != 2 {
		return fmt.Errorf("dht-node: bootstrap spec must be <peer-id-hex>@<addr>, got %q", spec)
	}
	id, err := decodeHexID(parts[0])
	if err != nil {
		return err
	}
	c.AddObservedPeer(id, [][]byte{[]byte(parts[1])})
	return nil
}

func decodeHexID(s string) ([]byte, error) {
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("dht-node: invalid peer id %q: %w", s, err)
	}
	return out, nil
}

func firstListenAddr(addrs []string, transport string) string {
	want := refhost.QUICScheme
	if transport == "ws" {
		want = refhost.WSScheme
	}
	for _, a := range addrs {
		if strings.HasPrefix(a, want) {
			return strings.TrimPrefix(a, want)
		}
	}
	if transport == "ws" {
		return "0.0.0.0:4002"
	}
	return "0.0.0.0:4001"
}

func newHost(transport, listenAddr string, localID []byte, log *logging.Logger) (hostiface.Host, error) {
	switch transport {
	case "ws":
		return refhost.NewWSHost(listenAddr, localID, log)
	case "quic":
		tlsConfig, err := ephemeralTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("dht-node: generate tls config: %w", err)
		}
		return refhost.NewQUICHost(listenAddr, localID, tlsConfig, log)
	default:
		return nil, fmt.Errorf("dht-node: unknown transport %q (want quic or ws)", transport)
	}
}

// ephemeralTLSConfig generates a self-signed ECDSA certificate valid for
// this process's lifetime: QUIC requires TLS, but Non-goal (a) leaves
// real peer authentication to the host, so a fresh self-signed cert per
// process is sufficient here.
func ephemeralTLSConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"dht-node"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{"dht"},
		InsecureSkipVerify: true, // Non-goal (a): peer authentication is the host's contract, not this core's
		ClientAuth:         tls.RequireAnyClientCert,
	}, nil
}
