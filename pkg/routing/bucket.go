package routing

import (
	"sync"
	"time"

	"github.com/shadowmesh/kaddht/pkg/keyspace"
)

// PeerInfo is everything the routing table tracks about a known peer.
type PeerInfo struct {
	ID           []byte
	Key          keyspace.Key
	Addrs        []string
	SignedRecord []byte // opaque signed_peer_record, see hostiface.EnvelopeService
	LastSeen     time.Time
}

// clone returns a defensive copy safe to hand to a caller.
func (p PeerInfo) clone() PeerInfo {
	out := p
	out.ID = append([]byte(nil), p.ID...)
	out.Addrs = append([]string(nil), p.Addrs...)
	out.SignedRecord = append([]byte(nil), p.SignedRecord...)
	return out
}

func peerIDEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// kbucket is an ordered, capacity-bounded list of peers sharing a common
// prefix length with the local key. The head of peers is the
// oldest-unverified entry; Touch moves an entry to the tail.
type kbucket struct {
	mu    sync.RWMutex
	cap   int
	peers []PeerInfo
}

func newKBucket(capacity int) *kbucket {
	return &kbucket{cap: capacity, peers: make([]PeerInfo, 0, capacity)}
}

// touch moves an existing peer to the tail with a fresh LastSeen and
// reports whether it was present.
func (b *kbucket) touch(id []byte, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, p := range b.peers {
		if peerIDEqual(p.ID, id) {
			p.LastSeen = now
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			b.peers = append(b.peers, p)
			return true
		}
	}
	return false
}

// appendPeer adds a new peer at the tail if there is room.
func (b *kbucket) appendPeer(info PeerInfo) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.peers) >= b.cap {
		return false
	}
	b.peers = append(b.peers, info.clone())
	return true
}

func (b *kbucket) full() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers) >= b.cap
}

func (b *kbucket) oldest() (PeerInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.peers) == 0 {
		return PeerInfo{}, false
	}
	return b.peers[0].clone(), true
}

// replaceOldest evicts the head and appends the replacement at the tail.
// It is a no-op if the bucket is empty or the head no longer matches
// expectOldestID (it may have been touched concurrently).
func (b *kbucket) replaceOldest(expectOldestID []byte, replacement PeerInfo) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.peers) == 0 || !peerIDEqual(b.peers[0].ID, expectOldestID) {
		return false
	}
	b.peers = append(b.peers[1:], replacement.clone())
	return true
}

func (b *kbucket) remove(id []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, p := range b.peers {
		if peerIDEqual(p.ID, id) {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			return true
		}
	}
	return false
}

func (b *kbucket) all() []PeerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]PeerInfo, len(b.peers))
	for i, p := range b.peers {
		out[i] = p.clone()
	}
	return out
}

func (b *kbucket) size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// split partitions the bucket's peers into two new buckets according to
// the next differing bit (bit number `bitIndex`, 0 = most significant) of
// their key: bit clear goes to the low half, bit set goes to the high half.
func (b *kbucket) split(bitIndex int, capacity int) (low, high *kbucket) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	low = newKBucket(capacity)
	high = newKBucket(capacity)
	for _, p := range b.peers {
		if bitAt(p.Key, bitIndex) == 0 {
			low.peers = append(low.peers, p.clone())
		} else {
			high.peers = append(high.peers, p.clone())
		}
	}
	return low, high
}

func bitAt(k keyspace.Key, bitIndex int) byte {
	byteIdx := bitIndex / 8
	bitOff := uint(7 - bitIndex%8)
	return (k[byteIdx] >> bitOff) & 1
}
