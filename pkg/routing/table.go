// Package routing implements the Kademlia routing table (C2): k-bucket
// organization, liveness probing, and the split/eviction discipline of
// spec.md §4.2, generalized from a fixed 160-bucket array to a
// dynamically splitting table over the full 256-bit keyspace.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shadowmesh/kaddht/pkg/keyspace"
	"github.com/shadowmesh/kaddht/pkg/logging"
)

// AddResult is the outcome of Table.Add.
type AddResult int

const (
	Added AddResult = iota
	ReplacedOldest
	Rejected
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case ReplacedOldest:
		return "replaced_oldest"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// EvictionPolicy fixes, at construction time, what Add does when a full,
// non-splittable bucket's oldest peer already has a probe in flight. This
// must be deterministic per spec.md §4.2.
type EvictionPolicy int

const (
	// WaitForProbe blocks Add until the in-flight probe resolves.
	WaitForProbe EvictionPolicy = iota
	// RejectOnConcurrentProbe returns Rejected immediately, preserving the
	// existing oldest peer, when a probe is already in flight.
	RejectOnConcurrentProbe
)

// Prober checks whether a peer is still alive (e.g. a PING RPC). It is
// supplied by the caller (the DHT coordinator, ultimately backed by
// pkg/rpc.Client) so that the routing table has no transport dependency.
type Prober func(ctx context.Context, p PeerInfo) bool

var ErrCannotAddSelf = errors.New("routing: cannot add local peer to its own table")

// Table is the Kademlia routing table for one local peer.
type Table struct {
	local    keyspace.Key
	localID  []byte
	bucketSz int
	policy   EvictionPolicy
	probe    Prober
	probeTO  time.Duration
	log      *logging.Logger

	mu      sync.RWMutex
	buckets []*kbucket // buckets[i] for i < len(buckets)-1 covers cpl == i exactly; the last covers cpl >= len(buckets)-1

	inflightMu sync.Mutex
	inflight   map[string]chan bool // peer id (string) -> closed-with-result channel of probe outcome
}

// Config configures a new Table.
type Config struct {
	LocalID       []byte
	BucketSize    int // k, default 20
	EvictionPolicy EvictionPolicy
	Prober        Prober
	ProbeTimeout  time.Duration // default 5s
	Logger        *logging.Logger
}

// New constructs a Table for localID with one catch-all bucket covering
// the entire keyspace.
func New(cfg Config) *Table {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = 20
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetDefaultLogger()
	}
	t := &Table{
		local:    keyspace.Hash(cfg.LocalID),
		localID:  append([]byte(nil), cfg.LocalID...),
		bucketSz: cfg.BucketSize,
		policy:   cfg.EvictionPolicy,
		probe:    cfg.Prober,
		probeTO:  cfg.ProbeTimeout,
		log:      cfg.Logger.WithField("component", "routing"),
		buckets:  []*kbucket{newKBucket(cfg.BucketSize)},
		inflight: make(map[string]chan bool),
	}
	return t
}

// LocalKey returns the local peer's 256-bit key.
func (t *Table) LocalKey() keyspace.Key { return t.local }

func (t *Table) bucketIndexLocked(k keyspace.Key) int {
	cpl := keyspace.CommonPrefixLen(t.local, k)
	last := len(t.buckets) - 1
	if cpl > last {
		return last
	}
	return cpl
}

// Add attempts to insert info into the table. See spec.md §4.2 for the
// full admission/split/eviction discipline.
func (t *Table) Add(ctx context.Context, info PeerInfo) (AddResult, error) {
	if peerIDEqual(info.ID, t.localID) {
		return Rejected, ErrCannotAddSelf
	}
	info.Key = keyspace.Hash(info.ID)
	if info.LastSeen.IsZero() {
		info.LastSeen = time.Now()
	}

	for {
		t.mu.RLock()
		idx := t.bucketIndexLocked(info.Key)
		b := t.buckets[idx]
		isLast := idx == len(t.buckets)-1
		splittable := isLast && len(t.buckets)-1 < keyspace.MaxBuckets-1
		t.mu.RUnlock()

		if b.touch(info.ID, info.LastSeen) {
			return Added, nil
		}
		if b.appendPeer(info) {
			return Added, nil
		}
		if splittable {
			t.splitBucket(idx)
			continue // retry against the freshly split buckets
		}

		return t.evictOrReject(ctx, b, info)
	}
}

// splitBucket splits t.buckets[idx] (must be the current last bucket) in
// two along the next bit of the key, preserving per-bucket peer order.
func (t *Table) splitBucket(idx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Another goroutine may have already split this bucket; re-check.
	if idx != len(t.buckets)-1 {
		return
	}
	bitIndex := idx
	low, high := t.buckets[idx].split(bitIndex, t.bucketSz)

	var sameAsLocal, other *kbucket
	if bitAt(t.local, bitIndex) == 0 {
		sameAsLocal, other = low, high
	} else {
		sameAsLocal, other = high, low
	}
	t.buckets[idx] = other
	t.buckets = append(t.buckets, sameAsLocal)
	t.log.Debug("bucket split", logging.Fields{"bit_index": bitIndex, "new_bucket_count": len(t.buckets)})
}

// evictOrReject runs the liveness probe on b's oldest peer per the
// configured EvictionPolicy and either evicts it in favor of candidate or
// rejects the candidate.
func (t *Table) evictOrReject(ctx context.Context, b *kbucket, candidate PeerInfo) (AddResult, error) {
	oldest, ok := b.oldest()
	if !ok {
		// Bucket emptied out between the full-check and now; just append.
		if b.appendPeer(candidate) {
			return Added, nil
		}
		return Rejected, nil
	}

	key := string(oldest.ID)
	t.inflightMu.Lock()
	existing, inFlight := t.inflight[key]
	if !inFlight {
		ch := make(chan bool, 1)
		t.inflight[key] = ch
		t.inflightMu.Unlock()
		go t.runProbe(oldest, ch)
		existing = ch
	} else if t.policy == RejectOnConcurrentProbe {
		t.inflightMu.Unlock()
		t.log.Debug("rejected optimistically: probe already in flight", logging.Fields{"peer": oldest.Key.String()})
		return Rejected, nil
	} else {
		t.inflightMu.Unlock()
	}

	select {
	case alive := <-existing:
		if alive {
			t.log.Debug("oldest peer alive, rejecting candidate", logging.Fields{"peer": oldest.Key.String()})
			return Rejected, nil
		}
		if b.replaceOldest(oldest.ID, candidate) {
			t.log.Debug("oldest peer evicted", logging.Fields{"peer": oldest.Key.String()})
			return ReplacedOldest, nil
		}
		// Oldest already changed underneath us (touched or evicted by
		// another goroutine); the candidate has nowhere to go this round.
		return Rejected, nil
	case <-ctx.Done():
		return Rejected, ctx.Err()
	}
}

func (t *Table) runProbe(oldest PeerInfo, ch chan bool) {
	key := string(oldest.ID)
	defer func() {
		t.inflightMu.Lock()
		delete(t.inflight, key)
		t.inflightMu.Unlock()
	}()

	alive := false
	if t.probe != nil {
		pctx, cancel := context.WithTimeout(context.Background(), t.probeTO)
		alive = t.probe(pctx, oldest)
		cancel()
	}
	ch <- alive
	close(ch)
}

// Remove deletes a peer from the table if present.
func (t *Table) Remove(id []byte) bool {
	k := keyspace.Hash(id)
	t.mu.RLock()
	idx := t.bucketIndexLocked(k)
	b := t.buckets[idx]
	t.mu.RUnlock()
	return b.remove(id)
}

// Contains reports whether id is currently tracked.
func (t *Table) Contains(id []byte) bool {
	k := keyspace.Hash(id)
	t.mu.RLock()
	idx := t.bucketIndexLocked(k)
	b := t.buckets[idx]
	t.mu.RUnlock()
	for _, p := range b.all() {
		if peerIDEqual(p.ID, id) {
			return true
		}
	}
	return false
}

// Size returns the total number of tracked peers.
func (t *Table) Size() int {
	t.mu.RLock()
	bs := append([]*kbucket(nil), t.buckets...)
	t.mu.RUnlock()
	n := 0
	for _, b := range bs {
		n += b.size()
	}
	return n
}

type withDistance struct {
	peer PeerInfo
	dist keyspace.Key
}

// FindLocalClosest returns up to count peers with minimum XOR distance to
// key, sorted ascending by distance, scanning across every bucket (fewer
// than k peers may live in the bucket key itself maps to).
func (t *Table) FindLocalClosest(key keyspace.Key, count int) []PeerInfo {
	t.mu.RLock()
	bs := append([]*kbucket(nil), t.buckets...)
	t.mu.RUnlock()

	all := make([]withDistance, 0, t.Size())
	for _, b := range bs {
		for _, p := range b.all() {
			all = append(all, withDistance{peer: p, dist: keyspace.Distance(key, p.Key)})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].dist != all[j].dist {
			return keyspace.Less(all[i].dist, all[j].dist)
		}
		// Deterministic tie-break: PeerID byte order (spec.md §4.5.4).
		return string(all[i].peer.ID) < string(all[j].peer.ID)
	})
	if count > len(all) || count <= 0 {
		count = len(all)
		if count == 0 {
			return nil
		}
	}
	out := make([]PeerInfo, count)
	for i := 0; i < count; i++ {
		out[i] = all[i].peer
	}
	return out
}

// GetStalePeers returns the IDs of peers whose LastSeen predates
// now-threshold.
func (t *Table) GetStalePeers(threshold time.Duration) [][]byte {
	t.mu.RLock()
	bs := append([]*kbucket(nil), t.buckets...)
	t.mu.RUnlock()

	cutoff := time.Now().Add(-threshold)
	var stale [][]byte
	for _, b := range bs {
		for _, p := range b.all() {
			if p.LastSeen.Before(cutoff) {
				stale = append(stale, p.ID)
			}
		}
	}
	return stale
}

// NonEmptyBucketIndexes returns the bit-index of every bucket currently
// holding at least one peer, used by the refresh/bootstrap background
// tasks (spec.md §4.6) to pick one random-key lookup per populated bucket.
func (t *Table) NonEmptyBucketIndexes() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []int
	for i, b := range t.buckets {
		if b.size() > 0 {
			out = append(out, i)
		}
	}
	return out
}

// BucketCount returns the current number of buckets (<= keyspace.MaxBuckets).
func (t *Table) BucketCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets)
}

// RandomKeyForBucket returns a pseudo-random key with the same bucket
// index as idx, for the background refresh lookups of spec.md §4.6.
func (t *Table) RandomKeyForBucket(idx int, randBytes func(n int) []byte) (keyspace.Key, error) {
	t.mu.RLock()
	n := len(t.buckets)
	t.mu.RUnlock()
	if idx < 0 || idx >= n {
		return keyspace.Key{}, fmt.Errorf("routing: bucket index %d out of range [0,%d)", idx, n)
	}
	k := t.local
	raw := randBytes(keyspace.KeySize)
	for i := 0; i < keyspace.KeySize*8; i++ {
		if i < idx {
			continue // keep matching local's prefix
		}
		byteIdx, bitOff := i/8, uint(7-i%8)
		bit := (raw[byteIdx] >> bitOff) & 1
		if i == idx {
			// force a flip at exactly bit `idx` so cpl == idx (unless this
			// is the unsplit catch-all, i.e. the last bucket, where any
			// suffix is fine).
			if idx < n-1 {
				localBit := (k[byteIdx] >> bitOff) & 1
				bit = localBit ^ 1
			}
		}
		if bit == 1 {
			k[byteIdx] |= 1 << bitOff
		} else {
			k[byteIdx] &^= 1 << bitOff
		}
	}
	return k, nil
}
