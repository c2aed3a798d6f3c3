package dht

import (
	"time"

	"github.com/shadowmesh/kaddht/pkg/hostiface"
	"github.com/shadowmesh/kaddht/pkg/logging"
	"github.com/shadowmesh/kaddht/pkg/routing"
	"github.com/shadowmesh/kaddht/pkg/store"
)

// RemoteModeDetector is the optional, RECOMMENDED hook of spec.md §4.6:
// before a remote peer is admitted to the routing table, confirm it
// advertises server-mode support for the DHT protocol. A nil detector (the
// default) admits every peer, matching the "admit all" open-question
// decision recorded in DESIGN.md.
type RemoteModeDetector func(peerID []byte) bool

// Config wires together every collaborator and tunable the Coordinator
// needs, mirroring spec.md §6.3's defaults for the tunables and §6.2's
// collaborator contracts for the rest.
type Config struct {
	LocalID []byte // this node's PeerID
	Addrs   []string

	Host      hostiface.Host
	Identity  hostiface.IdentityService
	Envelopes hostiface.EnvelopeService
	AddrStore hostiface.PeerAddrStore
	ModeHook  RemoteModeDetector

	K                           int
	Alpha                       int
	MaxRounds                   int
	QueryTimeout                time.Duration
	ValueTTL                    time.Duration
	ProviderExpiration          time.Duration
	ProviderRepublishInterval   time.Duration
	ProviderAddressTTL          time.Duration
	RoutingTableRefreshInterval time.Duration
	StalePeerThreshold          time.Duration
	ValueSweepInterval          time.Duration // default 1h; lazy expiry on Get/GetProviders covers correctness regardless
	InitialMode                 Mode
	EvictionPolicy              routing.EvictionPolicy

	Validators map[string]store.Validator // merged with RegisterBuiltins
	Logger     *logging.Logger
}

func (c *Config) setDefaults() {
	if c.K <= 0 {
		c.K = 20
	}
	if c.Alpha <= 0 {
		c.Alpha = 3
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 20
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.ValueTTL <= 0 {
		c.ValueTTL = 24 * time.Hour
	}
	if c.ProviderExpiration <= 0 {
		c.ProviderExpiration = 48 * time.Hour
	}
	if c.ProviderRepublishInterval <= 0 {
		c.ProviderRepublishInterval = 22 * time.Hour
	}
	if c.ProviderAddressTTL <= 0 {
		c.ProviderAddressTTL = 30 * time.Minute
	}
	if c.RoutingTableRefreshInterval <= 0 {
		c.RoutingTableRefreshInterval = 10 * time.Minute
	}
	if c.StalePeerThreshold <= 0 {
		c.StalePeerThreshold = 1 * time.Hour
	}
	if c.ValueSweepInterval <= 0 {
		c.ValueSweepInterval = 1 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = logging.GetDefaultLogger()
	}
}
