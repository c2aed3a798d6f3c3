// Package main is a Cobra CLI exposing pkg/dht.Coordinator's public
// surface (put-value, get-value, provide, find-providers, find-peer,
// serve) from the command line, loading config the way
// cmd/discovery/main.go's config-file loading does, but fronted by
// github.com/spf13/cobra instead of ad hoc `flag` parsing.
//
// dhtctl has no separate daemon-to-CLI wire protocol of its own — spec.md
// never defines one (Non-goal (a) leaves transport contracts to the host,
// and the DHT core's public surface is a Go API, not a remote-management
// API). So each invocation builds its own short-lived Coordinator, joins
// the network via -bootstrap, performs one operation, and tears the node
// back down. `serve` is the one subcommand that doesn't tear down: it
// runs the node until a signal, identically to cmd/dht-node.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shadowmesh/kaddht/internal/refhost"
	"github.com/shadowmesh/kaddht/pkg/config"
	"github.com/shadowmesh/kaddht/pkg/dht"
	"github.com/shadowmesh/kaddht/pkg/hostiface"
	"github.com/shadowmesh/kaddht/pkg/logging"
	"github.com/shadowmesh/kaddht/pkg/routing"
)

var (
	flagConfig    string
	flagTransport string
	flagListen    string
	flagBootstrap string
)

func main() {
	root := &cobra.Command{
		Use:     "dhtctl",
		Short:   "Interact with a Kademlia DHT node",
		Version: "0.1.0",
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&flagTransport, "transport", "quic", "stream transport: ws (quic is rejected by dhtctl)")
	root.PersistentFlags().StringVar(&flagListen, "listen", "", "listen address override (host:port)")
	root.PersistentFlags().StringVar(&flagBootstrap, "bootstrap", "", "peer to bootstrap against: <hex-peer-id>@<addr>")

	root.AddCommand(
		newPutValueCmd(),
		newGetValueCmd(),
		newProvideCmd(),
		newFindProvidersCmd(),
		newFindPeerCmd(),
		newServeCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// session is a short-lived Coordinator plus the resources it owns,
// wired up identically for every one-shot subcommand.
type session struct {
	coord *dht.Coordinator
	host  hostiface.Host
	log   *logging.Logger
}

func newSession(ctx context.Context) (*session, error) {
	cfg := config.GenerateDefaultConfig()
	if flagConfig != "" {
		loaded, err := config.LoadConfig(flagConfig)
		if err != nil {
			return nil, fmt.Errorf("dhtctl: load config: %w", err)
		}
		cfg = loaded
	}

	log := logging.GetDefaultLogger()

	identity, err := refhost.LoadOrGenerateIdentity(cfg.Node.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("dhtctl: load identity: %w", err)
	}

	listenAddr := flagListen
	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}

	var host hostiface.Host
	switch flagTransport {
	case "ws":
		host, err = refhost.NewWSHost(listenAddr, identity.LocalPeerID(), log)
	case "quic":
		return nil, fmt.Errorf("dhtctl: -transport=quic is not supported by dhtctl; use -transport=ws")
	default:
		return nil, fmt.Errorf("dhtctl: unknown transport %q", flagTransport)
	}
	if err != nil {
		return nil, fmt.Errorf("dhtctl: start transport: %w", err)
	}

	evictionPolicy := routing.WaitForProbe
	if cfg.DHT.EvictionPolicy == "reject_on_concurrent_probe" {
		evictionPolicy = routing.RejectOnConcurrentProbe
	}
	coord, err := dht.New(dht.Config{
		LocalID:                     identity.LocalPeerID(),
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
		InitialMode:                 dht.Client,
		EvictionPolicy:              evictionPolicy,
		Logger:                      log,
	})
	if err != nil {
		return nil, fmt.Errorf("dhtctl: construct coordinator: %w", err)
	}
	if err := coord.Run(ctx); err != nil {
		return nil, fmt.Errorf("dhtctl: start coordinator: %w", err)
	}

	if flagBootstrap != "" {
		peerID, addr, err := parseBootstrapSpec(flagBootstrap)
		if err != nil {
			coord.Stop()
			return nil, err
		}
		coord.AddObservedPeer(peerID, [][]byte{[]byte(addr)})
		// Give the routing-table admission and first refresh a moment to
		// run before the caller issues its lookup.
		time.Sleep(200 * time.Millisecond)
	}

	return &session{coord: coord, host: host, log: log}, nil
}

func (s *session) close() {
	s.coord.Stop()
}

func parseBootstrapSpec(spec string) (peerID []byte, addr string, err error) {
	parts := strings.SplitN(spec, "@", 2)
	if len(parts) != 2 {
		return nil, "", fmt.Errorf("dhtctl: -bootstrap must be <hex-peer-id>@<addr>, got %q", spec)
	}
	id, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, "", fmt.Errorf("dhtctl: invalid peer id in -bootstrap: %w", err)
	}
	return id, parts[1], nil
}

func newPutValueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put-value <key> <value>",
		Short: "Store a value record under key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			sess, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer sess.close()
			if err := sess.coord.PutValue(ctx, []byte(args[0]), []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func newGetValueCmd() *cobra.Command {
	var quorum int
	cmd := &cobra.Command{
		Use:   "get-value <key>",
		Short: "Fetch a value record by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			sess, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer sess.close()
			rec, err := sess.coord.GetValue(ctx, []byte(args[0]), quorum)
			if err != nil {
				return err
			}
			fmt.Println(string(rec.Value))
			return nil
		},
	}
	cmd.Flags().IntVar(&quorum, "quorum", 1, "minimum distinct peers that must agree before returning")
	return cmd
}

func newProvideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provide <content-key>",
		Short: "Advertise this node as a provider for content-key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			sess, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer sess.close()
			if err := sess.coord.Provide(ctx, []byte(args[0])); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func newFindProvidersCmd() *cobra.Command {
	var maxCount int
	cmd := &cobra.Command{
		Use:   "find-providers <content-key>",
		Short: "List providers advertising content-key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			sess, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer sess.close()
			providers, err := sess.coord.FindProviders(ctx, []byte(args[0]), maxCount)
			if err != nil {
				return err
			}
			for _, p := range providers {
				fmt.Printf("%x %v\n", p.ID, p.Addrs)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxCount, "max-count", 20, "maximum providers to return")
	return cmd
}

func newFindPeerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find-peer <hex-peer-id>",
		Short: "Resolve a peer id to its known addresses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("dhtctl: invalid peer id: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			sess, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer sess.close()
			info, ok, err := sess.coord.FindPeer(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("dhtctl: peer not found")
			}
			fmt.Printf("%x %v\n", info.ID, info.Addrs)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run this node until interrupted, serving inbound DHT RPCs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sess, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer sess.close()
			sess.coord.SwitchMode(dht.Server)

			fmt.Printf("peer id: %x\n", sess.coord.LocalPeerID())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}
}
