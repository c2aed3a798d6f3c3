// Package dht assembles the routing table, record stores, RPC layer, and
// lookup engine into the public DHT Coordinator of spec.md §4.6 — run/stop
// lifecycle, mode switching, and the five public operations (find_peer,
// put_value, get_value, provide, find_providers), plus the background
// bootstrap/refresh/eviction/republish tasks.
package dht

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shadowmesh/kaddht/pkg/keyspace"
	"github.com/shadowmesh/kaddht/pkg/logging"
	"github.com/shadowmesh/kaddht/pkg/lookup"
	"github.com/shadowmesh/kaddht/pkg/routing"
	"github.com/shadowmesh/kaddht/pkg/rpc"
	"github.com/shadowmesh/kaddht/pkg/store"
)

// Mode mirrors rpc.Mode at the coordinator's public surface (spec.md §4.6's
// mode()/switch_mode()), kept as a distinct type so callers never need to
// import pkg/rpc directly.
type Mode = rpc.Mode

const (
	Client Mode = rpc.ClientMode
	Server Mode = rpc.ServerMode
)

var (
	ErrNotFound   = errors.New("dht: not found")
	ErrNotRunning = errors.New("dht: coordinator is not running")
)

// Coordinator is the DHT core's public surface. One Coordinator owns one
// routing table, one value store, one provider store, and the RPC
// server/client pair bound to those.
type Coordinator struct {
	cfg Config

	table     *routing.Table
	values    *store.ValueStore
	providers *store.ProviderStore
	client    *rpc.Client
	server    *rpc.Server
	engine    *lookup.Engine
	log       *logging.Logger

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Coordinator. Call Run to start its background tasks and
// begin accepting inbound streams.
func New(cfg Config) (*Coordinator, error) {
	cfg.setDefaults()
	if cfg.Host == nil {
		return nil, errors.New("dht: Config.Host is required")
	}
	if len(cfg.LocalID) == 0 {
		return nil, errors.New("dht: Config.LocalID is required")
	}

	validators := store.NewValidatorRegistry(store.RegisterBuiltins(cfg.Validators))

	c := &Coordinator{
		cfg:    cfg,
		values: store.NewValueStore(cfg.ValueTTL, validators, cfg.Logger),
		log:    cfg.Logger.WithField("component", "dht.coordinator"),
	}
	c.providers = store.NewProviderStore(store.ProviderStoreConfig{
		Expiration:        cfg.ProviderExpiration,
		AddressTTL:        cfg.ProviderAddressTTL,
		RepublishInterval: cfg.ProviderRepublishInterval,
		Logger:            cfg.Logger,
		Advertise: func(contentKey []byte, self store.ProviderPeer) {
			c.announceProvider(context.Background(), contentKey, self)
		},
	})

	c.client = rpc.NewClient(rpc.ClientConfig{
		Host:         cfg.Host,
		Identity:     cfg.Identity,
		Envelopes:    cfg.Envelopes,
		Addrs:        cfg.AddrStore,
		QueryTimeout: cfg.QueryTimeout,
		Logger:       cfg.Logger,
	})

	c.table = routing.New(routing.Config{
		LocalID:        cfg.LocalID,
		BucketSize:     cfg.K,
		EvictionPolicy: cfg.EvictionPolicy,
		Prober: func(ctx context.Context, p routing.PeerInfo) bool {
			return c.client.Ping(ctx, p.ID, addrsToWire(p.Addrs))
		},
		ProbeTimeout: cfg.QueryTimeout,
		Logger:       cfg.Logger,
	})

	c.engine = lookup.NewEngine(lookup.Config{
		Alpha:     cfg.Alpha,
		K:         cfg.K,
		MaxRounds: cfg.MaxRounds,
		Logger:    cfg.Logger,
		OnResponse: func(responder routing.PeerInfo, closer []routing.PeerInfo) {
			c.admitPeer(responder)
			for _, p := range closer {
				c.admitPeer(p)
			}
		},
	})

	c.server = rpc.NewServer(rpc.ServerConfig{
		Backend:     c,
		InitialMode: cfg.InitialMode,
		BucketSize:  cfg.K,
		Logger:      cfg.Logger,
	})

	return c, nil
}

// Run starts the background tasks (bootstrap once, then refresh/evict/
// republish on their own timers) and registers the inbound stream handler.
// It returns once bootstrap has been launched; background tasks continue
// until Stop is called.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return errors.New("dht: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.runMu.Unlock()

	c.cfg.Host.SetStreamHandler(rpc.ProtocolID, c.server.HandleStream)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.bootstrap(runCtx)
	}()

	c.wg.Add(4)
	go func() { defer c.wg.Done(); c.runTicker(runCtx, c.cfg.RoutingTableRefreshInterval, c.refresh) }()
	go func() { defer c.wg.Done(); c.runTicker(runCtx, c.cfg.StalePeerThreshold, c.evictStale) }()
	go func() { defer c.wg.Done(); c.runTicker(runCtx, c.cfg.ProviderRepublishInterval, c.republishProviders) }()
	go func() {
		defer c.wg.Done()
		c.runTicker(runCtx, c.cfg.ValueSweepInterval, func() { c.values.Sweep(); c.providers.Sweep() })
	}()

	return nil
}

// Stop cancels every background task and waits for them to exit.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.runMu.Unlock()

	cancel()
	c.wg.Wait()
}

// isRunning reports whether Run has been called without a matching Stop.
func (c *Coordinator) isRunning() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

// ModeOf returns the coordinator's current server/client mode.
func (c *Coordinator) ModeOf() Mode { return c.server.Mode() }

// SwitchMode changes the server/client mode; takes effect for the very
// next inbound stream (spec.md §4.4.3).
func (c *Coordinator) SwitchMode(m Mode) { c.server.SetMode(m) }

func (c *Coordinator) runTicker(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// bootstrap performs a FIND_NODE for the local key, then one per non-empty
// bucket, per spec.md §4.6.
func (c *Coordinator) bootstrap(ctx context.Context) {
	c.refreshOnce(ctx)
}

func (c *Coordinator) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.QueryTimeout*time.Duration(c.cfg.MaxRounds))
	defer cancel()
	c.refreshOnce(ctx)
}

func (c *Coordinator) refreshOnce(ctx context.Context) {
	if _, _, err := c.FindPeer(ctx, c.cfg.LocalID); err != nil {
		c.log.Debug("local-key refresh lookup failed", logging.Fields{"error": err.Error()})
	}
	for _, idx := range c.table.NonEmptyBucketIndexes() {
		key, err := c.table.RandomKeyForBucket(idx, randBytes)
		if err != nil {
			continue
		}
		seed := c.table.FindLocalClosest(key, c.cfg.K)
		if len(seed) == 0 {
			continue
		}
		if _, _, err := c.engine.FindNode(ctx, c.client, seed, key.Bytes()); err != nil {
			c.log.Debug("bucket refresh lookup failed", logging.Fields{"bucket": idx, "error": err.Error()})
		}
	}
}

func (c *Coordinator) evictStale() {
	for _, id := range c.table.GetStalePeers(c.cfg.StalePeerThreshold) {
		c.table.Remove(id)
	}
}

func (c *Coordinator) republishProviders() {
	c.providers.PeriodicRepublish()
}

func randBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// FindPeer implements spec.md §4.6's find_peer: a local lookup first, then
// a FIND_NODE traversal on miss.
func (c *Coordinator) FindPeer(ctx context.Context, peerID []byte) (routing.PeerInfo, bool, error) {
	if !c.isRunning() {
		return routing.PeerInfo{}, false, ErrNotRunning
	}
	target := keyspace.Hash(peerID)
	if local := c.table.FindLocalClosest(target, 1); len(local) == 1 && string(local[0].ID) == string(peerID) {
		return local[0], true, nil
	}

	seed := c.table.FindLocalClosest(target, c.cfg.K)
	if len(seed) == 0 {
		return routing.PeerInfo{}, false, lookup.ErrNoPeersAvailable
	}
	return c.engine.FindNode(ctx, c.client, seed, peerID)
}

// PutValue implements spec.md §4.6's put_value: validate and store locally,
// then PUT_VALUE to the closest peers found by a lookup toward key.
func (c *Coordinator) PutValue(ctx context.Context, key, value []byte) error {
	if !c.isRunning() {
		return ErrNotRunning
	}
	rec := &rpc.Record{Key: key, Value: value, TimeReceived: time.Now()}
	if _, err := c.PutRecord(key, rec); err != nil {
		return fmt.Errorf("dht: local put_value rejected: %w", err)
	}

	seed := c.table.FindLocalClosest(keyspace.Hash(key), c.cfg.K)
	if len(seed) == 0 {
		return nil // stored locally; no peers to replicate to yet
	}
	_, err := c.engine.PutValue(ctx, c.client, seed, key, rec)
	return err
}

// GetValue implements spec.md §4.6's get_value, including the quorum
// contract: local check first, then a GET_VALUE lookup; if at least quorum
// distinct peers (plus the local record, if valid) returned a valid
// record, the select-best of those is returned, otherwise the best-known
// valid record found before the lookup terminated, or NotFound if none.
func (c *Coordinator) GetValue(ctx context.Context, key []byte, quorum int) (*rpc.Record, error) {
	if !c.isRunning() {
		return nil, ErrNotRunning
	}
	var local *rpc.Record
	if rec, err := c.values.Get(key); err == nil {
		local = &rpc.Record{Key: rec.Key, Value: rec.Value, TimeReceived: rec.TimeReceived}
		if quorum <= 1 {
			return local, nil
		}
	}

	seed := c.table.FindLocalClosest(keyspace.Hash(key), c.cfg.K)
	if len(seed) == 0 {
		if local != nil {
			return local, nil
		}
		return nil, ErrNotFound
	}

	result, err := c.engine.GetValue(ctx, c.client, c.validatorsFor(), seed, key, local, quorum)
	if err != nil {
		return nil, err
	}
	if !result.Found {
		return nil, ErrNotFound
	}
	return result.Record, nil
}

func (c *Coordinator) validatorsFor() *store.ValidatorRegistry {
	return c.values.Validators()
}

// Provide implements spec.md §4.6's provide: add self to the local provider
// store, then an ADD_PROVIDER lookup toward content_key.
func (c *Coordinator) Provide(ctx context.Context, contentKey []byte) error {
	if !c.isRunning() {
		return ErrNotRunning
	}
	self := store.ProviderPeer{ID: c.cfg.LocalID, Addrs: c.cfg.Addrs}
	c.providers.AddProvider(contentKey, self, true)

	seed := c.table.FindLocalClosest(keyspace.Hash(contentKey), c.cfg.K)
	if len(seed) == 0 {
		return nil
	}
	_, err := c.engine.AddProvider(ctx, c.client, seed, contentKey, lookup.Self{ID: c.cfg.LocalID, Addrs: c.cfg.Addrs})
	return err
}

// FindProviders implements spec.md §4.6's find_providers: local providers
// first, then a GET_PROVIDERS lookup, merged and truncated to maxCount.
func (c *Coordinator) FindProviders(ctx context.Context, contentKey []byte, maxCount int) ([]routing.PeerInfo, error) {
	if !c.isRunning() {
		return nil, ErrNotRunning
	}
	local := c.providers.GetProviders(contentKey)
	out := make([]routing.PeerInfo, 0, len(local))
	seen := make(map[string]bool, len(local))
	for _, p := range local {
		out = append(out, routing.PeerInfo{ID: p.ID, Key: keyspace.Hash(p.ID), Addrs: p.Addrs})
		seen[string(p.ID)] = true
	}

	seed := c.table.FindLocalClosest(keyspace.Hash(contentKey), c.cfg.K)
	if len(seed) > 0 {
		remote, err := c.engine.GetProviders(ctx, c.client, seed, contentKey, 0)
		if err != nil {
			return nil, err
		}
		for _, p := range remote {
			if seen[string(p.ID)] {
				continue
			}
			seen[string(p.ID)] = true
			out = append(out, p)
		}
	}

	if maxCount > 0 && len(out) > maxCount {
		out = out[:maxCount]
	}
	return out, nil
}

// announceProvider re-advertises self as a provider for contentKey to the
// current k closest peers, used by ProviderStore's republish schedule.
func (c *Coordinator) announceProvider(ctx context.Context, contentKey []byte, self store.ProviderPeer) {
	seed := c.table.FindLocalClosest(keyspace.Hash(contentKey), c.cfg.K)
	if len(seed) == 0 {
		return
	}
	if _, err := c.engine.AddProvider(ctx, c.client, seed, contentKey, lookup.Self{ID: self.ID, Addrs: self.Addrs}); err != nil {
		c.log.Debug("provider republish failed", logging.Fields{"error": err.Error()})
	}
}

func addrsToWire(addrs []string) [][]byte {
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		out[i] = []byte(a)
	}
	return out
}

func wireToAddrs(addrs [][]byte) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = string(a)
	}
	return out
}

// The methods below satisfy rpc.Backend, letting the RPC server dispatch
// inbound requests straight against this coordinator's routing table and
// record stores without either package importing the other directly.

// LocalPeerID implements rpc.Backend.
func (c *Coordinator) LocalPeerID() []byte { return c.cfg.LocalID }

// ClosestPeers implements rpc.Backend, formatting the routing table's
// locally-known closest peers as wire Peers.
func (c *Coordinator) ClosestPeers(key []byte, count int, excludeID []byte) []rpc.Peer {
	target := keyspace.Hash(key)
	local := c.table.FindLocalClosest(target, count+1)
	out := make([]rpc.Peer, 0, len(local))
	for _, p := range local {
		if len(excludeID) > 0 && string(p.ID) == string(excludeID) {
			continue
		}
		if len(out) == count {
			break
		}
		out = append(out, rpc.Peer{ID: p.ID, Addrs: addrsToWire(p.Addrs), SignedRecord: p.SignedRecord})
	}
	return out
}

// AddObservedPeer implements rpc.Backend, admitting a peer observed on an
// inbound stream via the shared admitPeer path.
func (c *Coordinator) AddObservedPeer(id []byte, addrs [][]byte) {
	c.admitPeer(routing.PeerInfo{ID: id, Addrs: wireToAddrs(addrs)})
}

// admitPeer is the routing table's single admission path, used both for
// peers observed on inbound streams (AddObservedPeer) and for peers
// discovered via outbound lookup traffic — the responder of a successful
// RPC and the closer_peers it returned (spec.md §3 "added … on first
// successful RPC", §4.5.2 step 3c, §5's "outbound RPC completion (add
// discovered peers; update last_seen)"). It admits the peer to the
// routing table unless a RemoteModeDetector hook is configured and
// rejects it (spec.md §4.6's "remote-mode detection" recommendation).
func (c *Coordinator) admitPeer(info routing.PeerInfo) {
	if len(info.ID) == 0 || string(info.ID) == string(c.cfg.LocalID) {
		return
	}
	if c.cfg.ModeHook != nil && !c.cfg.ModeHook(info.ID) {
		c.log.Debug("rejecting peer advertising client-only mode", logging.Fields{"peer": fmt.Sprintf("%x", info.ID)})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.QueryTimeout)
	defer cancel()
	if _, err := c.table.Add(ctx, info); err != nil {
		c.log.Debug("failed to admit peer", logging.Fields{"peer": fmt.Sprintf("%x", info.ID), "error": err.Error()})
	}
}

// GetRecord implements rpc.Backend.
func (c *Coordinator) GetRecord(key []byte) (*rpc.Record, bool) {
	rec, err := c.values.Get(key)
	if err != nil {
		return nil, false
	}
	return &rpc.Record{Key: rec.Key, Value: rec.Value, TimeReceived: rec.TimeReceived}, true
}

// PutRecord implements rpc.Backend.
func (c *Coordinator) PutRecord(key []byte, record *rpc.Record) (*rpc.Record, error) {
	if record == nil {
		return nil, errors.New("dht: nil record")
	}
	err := c.values.Put(store.Record{Key: key, Value: record.Value, TimeReceived: record.TimeReceived})
	if err != nil && err != store.ErrNotBetter {
		return nil, err
	}
	rec, getErr := c.values.Get(key)
	if getErr != nil {
		return nil, getErr
	}
	return &rpc.Record{Key: rec.Key, Value: rec.Value, TimeReceived: rec.TimeReceived}, nil
}

// IsLocalProvider implements rpc.Backend.
func (c *Coordinator) IsLocalProvider(key []byte) bool {
	for _, p := range c.providers.GetProviders(key) {
		if string(p.ID) == string(c.cfg.LocalID) {
			return true
		}
	}
	return false
}

// GetProviders implements rpc.Backend.
func (c *Coordinator) GetProviders(key []byte) []rpc.Peer {
	local := c.providers.GetProviders(key)
	out := make([]rpc.Peer, 0, len(local))
	for _, p := range local {
		if string(p.ID) == string(c.cfg.LocalID) {
			continue // the server adds self separately, see rpc.Server.handleGetProviders
		}
		out = append(out, rpc.Peer{ID: p.ID, Addrs: addrsToWire(p.Addrs)})
	}
	return out
}

// AddProvider implements rpc.Backend.
func (c *Coordinator) AddProvider(key []byte, remote rpc.Peer) {
	c.providers.AddProvider(key, store.ProviderPeer{ID: remote.ID, Addrs: wireToAddrs(remote.Addrs)}, false)
}
