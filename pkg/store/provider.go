package store

import (
	"sync"
	"time"

	"github.com/shadowmesh/kaddht/pkg/logging"
)

// ProviderPeer is the (peer, addresses) pair advertised as a source for a
// content key.
type ProviderPeer struct {
	ID    []byte
	Addrs []string
}

type providerEntry struct {
	addrs      []string
	receivedAt time.Time
	isLocal    bool
	republishAt time.Time
}

// ProviderStore holds, for every content key, the set of peers advertising
// themselves as providers, per spec.md §4.3.2.
type ProviderStore struct {
	mu         sync.Mutex
	byKey      map[string]map[string]providerEntry // content key -> provider id -> entry
	expiration time.Duration
	addrTTL    time.Duration
	republish  time.Duration
	log        *logging.Logger

	// advertise is invoked by PeriodicRepublish for each local provider
	// record that falls due; it is the §4.5 ADD_PROVIDER lookup, supplied
	// by pkg/dht so this package stays network-agnostic.
	advertise func(contentKey []byte, self ProviderPeer)
}

// ProviderStoreConfig configures a ProviderStore.
type ProviderStoreConfig struct {
	Expiration          time.Duration // default 48h
	AddressTTL          time.Duration // default 30m, remote-provider addresses only
	RepublishInterval   time.Duration // default 22h
	Logger              *logging.Logger
	Advertise           func(contentKey []byte, self ProviderPeer)
}

func NewProviderStore(cfg ProviderStoreConfig) *ProviderStore {
	if cfg.Expiration <= 0 {
		cfg.Expiration = 48 * time.Hour
	}
	if cfg.AddressTTL <= 0 {
		cfg.AddressTTL = 30 * time.Minute
	}
	if cfg.RepublishInterval <= 0 {
		cfg.RepublishInterval = 22 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetDefaultLogger()
	}
	return &ProviderStore{
		byKey:      make(map[string]map[string]providerEntry),
		expiration: cfg.Expiration,
		addrTTL:    cfg.AddressTTL,
		republish:  cfg.RepublishInterval,
		log:        cfg.Logger.WithField("component", "store.provider"),
		advertise:  cfg.Advertise,
	}
}

// AddProvider inserts or replaces the provider record for contentKey. When
// isLocal is true, the record is scheduled for periodic republish.
func (s *ProviderStore) AddProvider(contentKey []byte, p ProviderPeer, isLocal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(contentKey)
	peers, ok := s.byKey[key]
	if !ok {
		peers = make(map[string]providerEntry)
		s.byKey[key] = peers
	}
	now := time.Now()
	peers[string(p.ID)] = providerEntry{
		addrs:       append([]string(nil), p.Addrs...),
		receivedAt:  now,
		isLocal:     isLocal,
		republishAt: now.Add(s.republish),
	}
}

// GetProviders returns every non-expired provider for contentKey. Remote
// provider addresses older than the configured address TTL are omitted
// (the peer record itself is kept until the full expiration, only its
// addresses become untrusted — see spec.md §4.3.2).
func (s *ProviderStore) GetProviders(contentKey []byte) []ProviderPeer {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers, ok := s.byKey[string(contentKey)]
	if !ok {
		return nil
	}
	now := time.Now()
	out := make([]ProviderPeer, 0, len(peers))
	for id, e := range peers {
		if now.Sub(e.receivedAt) > s.expiration {
			delete(peers, id)
			continue
		}
		addrs := e.addrs
		if !e.isLocal && now.Sub(e.receivedAt) > s.addrTTL {
			addrs = nil
		}
		out = append(out, ProviderPeer{ID: []byte(id), Addrs: addrs})
	}
	if len(peers) == 0 {
		delete(s.byKey, string(contentKey))
	}
	return out
}

// PeriodicRepublish re-announces every local provider record whose
// republish deadline has passed, resetting that deadline without touching
// the expiration remote peers independently track. Intended to be driven
// by a ticker in pkg/dht's background tasks (spec.md §4.6).
func (s *ProviderStore) PeriodicRepublish() {
	type due struct {
		key  []byte
		self ProviderPeer
	}
	now := time.Now()
	var pending []due

	s.mu.Lock()
	for key, peers := range s.byKey {
		for id, e := range peers {
			if !e.isLocal || now.Before(e.republishAt) {
				continue
			}
			e.republishAt = now.Add(s.republish)
			peers[id] = e
			pending = append(pending, due{key: []byte(key), self: ProviderPeer{ID: []byte(id), Addrs: e.addrs}})
		}
	}
	s.mu.Unlock()

	for _, d := range pending {
		s.log.Debug("republishing local provider record", logging.Fields{"key": string(d.key)})
		if s.advertise != nil {
			s.advertise(d.key, d.self)
		}
	}
}

// Sweep drops fully expired entries outside of GetProviders's lazy path;
// useful for a periodic maintenance tick over keys nobody is actively
// reading.
func (s *ProviderStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for key, peers := range s.byKey {
		for id, e := range peers {
			if now.Sub(e.receivedAt) > s.expiration {
				delete(peers, id)
				removed++
			}
		}
		if len(peers) == 0 {
			delete(s.byKey, key)
		}
	}
	return removed
}
