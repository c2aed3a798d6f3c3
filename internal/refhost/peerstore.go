package refhost

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemAddrStore is the default hostiface.PeerAddrStore: a mutex-guarded map
// with per-entry TTL, expired lazily on GetAddrs — the same discipline
// pkg/store uses for value/provider expiry.
type MemAddrStore struct {
	mu      sync.Mutex
	entries map[string]addrEntry
}

type addrEntry struct {
	addrs     [][]byte
	expiresAt time.Time // zero means "never expires"
}

// NewMemAddrStore constructs an empty in-memory address store.
func NewMemAddrStore() *MemAddrStore {
	return &MemAddrStore{entries: make(map[string]addrEntry)}
}

// AddAddrs implements hostiface.PeerAddrStore.
func (s *MemAddrStore) AddAddrs(peerID []byte, addrs [][]byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	s.entries[string(peerID)] = addrEntry{addrs: addrs, expiresAt: expiresAt}
}

// GetAddrs implements hostiface.PeerAddrStore.
func (s *MemAddrStore) GetAddrs(peerID []byte) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[string(peerID)]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.entries, string(peerID))
		return nil
	}
	return e.addrs
}

// RedisAddrStoreConfig configures a RedisAddrStore.
type RedisAddrStoreConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// RedisAddrStore is an optional, cross-process hostiface.PeerAddrStore
// backed by Redis, for deployments running more than one DHT node process
// against a shared cache — same client construction, connectivity check,
// and SET-with-TTL pattern as a plain Redis-backed cache.
type RedisAddrStore struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisAddrStore connects to Redis and verifies the connection with a
// PING before returning.
func NewRedisAddrStore(cfg RedisAddrStoreConfig) (*RedisAddrStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("refhost: connect to redis: %w", err)
	}
	return &RedisAddrStore{client: client, ctx: ctx}, nil
}

func redisAddrKey(peerID []byte) string {
	return fmt.Sprintf("peeraddr:%x", peerID)
}

// AddAddrs implements hostiface.PeerAddrStore. A ttl of zero means the
// entry never expires, matching go-redis's own zero-means-no-expiry SET
// semantics.
func (s *RedisAddrStore) AddAddrs(peerID []byte, addrs [][]byte, ttl time.Duration) {
	data, err := json.Marshal(addrs)
	if err != nil {
		return
	}
	if ttl < 0 {
		ttl = 0
	}
	_ = s.client.Set(s.ctx, redisAddrKey(peerID), data, ttl).Err()
}

// GetAddrs implements hostiface.PeerAddrStore.
func (s *RedisAddrStore) GetAddrs(peerID []byte) [][]byte {
	data, err := s.client.Get(s.ctx, redisAddrKey(peerID)).Result()
	if err != nil {
		return nil
	}
	var addrs [][]byte
	if err := json.Unmarshal([]byte(data), &addrs); err != nil {
		return nil
	}
	return addrs
}
