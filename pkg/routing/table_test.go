package routing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shadowmesh/kaddht/pkg/keyspace"
)

func mustAdd(t *testing.T, tbl *Table, id []byte) {
	t.Helper()
	res, err := tbl.Add(context.Background(), PeerInfo{ID: id, Addrs: []string{"127.0.0.1:0"}})
	if err != nil {
		t.Fatalf("Add(%x): %v", id, err)
	}
	if res != Added {
		t.Fatalf("Add(%x) = %v, want Added", id, res)
	}
}

func TestAddAndContains(t *testing.T) {
	tbl := New(Config{LocalID: []byte("local")})
	mustAdd(t, tbl, []byte("peer-1"))
	if !tbl.Contains([]byte("peer-1")) {
		t.Fatalf("expected peer-1 to be tracked")
	}
	if tbl.Size() != 1 {
		t.Fatalf("expected size 1, got %d", tbl.Size())
	}
}

func TestAddIdempotentTouch(t *testing.T) {
	tbl := New(Config{LocalID: []byte("local")})
	mustAdd(t, tbl, []byte("peer-1"))
	res, err := tbl.Add(context.Background(), PeerInfo{ID: []byte("peer-1")})
	if err != nil {
		t.Fatal(err)
	}
	if res != Added {
		t.Fatalf("re-adding an existing peer should report Added (touch), got %v", res)
	}
	if tbl.Size() != 1 {
		t.Fatalf("touching must not duplicate the peer, size=%d", tbl.Size())
	}
}

func TestSplitAdmitsMoreThanK(t *testing.T) {
	tbl := New(Config{LocalID: []byte("local"), BucketSize: 2})
	for i := 0; i < 50; i++ {
		id := []byte(fmt.Sprintf("peer-%02d", i))
		if _, err := tbl.Add(context.Background(), PeerInfo{ID: id}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if tbl.BucketCount() <= 1 {
		t.Fatalf("expected buckets to split under pressure, got %d buckets", tbl.BucketCount())
	}
}

func TestFindLocalClosestSortedAscending(t *testing.T) {
	tbl := New(Config{LocalID: []byte("local"), BucketSize: 20})
	for i := 0; i < 10; i++ {
		mustAdd(t, tbl, []byte(fmt.Sprintf("peer-%d", i)))
	}
	target := keyspace.Hash([]byte("target"))
	closest := tbl.FindLocalClosest(target, 5)
	if len(closest) != 5 {
		t.Fatalf("expected 5 results, got %d", len(closest))
	}
	for i := 1; i < len(closest); i++ {
		d1 := keyspace.Distance(target, closest[i-1].Key)
		d2 := keyspace.Distance(target, closest[i].Key)
		if keyspace.Less(d2, d1) {
			t.Fatalf("results not sorted ascending by distance at index %d", i)
		}
	}
}

func TestGetStalePeers(t *testing.T) {
	tbl := New(Config{LocalID: []byte("local")})
	_, err := tbl.Add(context.Background(), PeerInfo{ID: []byte("old"), LastSeen: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	mustAdd(t, tbl, []byte("fresh"))

	stale := tbl.GetStalePeers(time.Minute)
	if len(stale) != 1 || string(stale[0]) != "old" {
		t.Fatalf("expected exactly [old] to be stale, got %v", stale)
	}
}

// TestBucketEvictionBothBranches exercises spec.md §8 scenario 5 directly
// against a full, non-splittable bucket with an injected probe oracle,
// deterministically, for both outcomes.
func TestBucketEvictionBothBranches(t *testing.T) {
	for _, alive := range []bool{true, false} {
		alive := alive
		t.Run(fmt.Sprintf("oldest_alive=%v", alive), func(t *testing.T) {
			tbl := New(Config{
				LocalID:    []byte("local"),
				BucketSize: 2,
				Prober: func(ctx context.Context, p PeerInfo) bool {
					return alive
				},
			})
			b := newKBucket(2)
			oldest := PeerInfo{ID: []byte("far-1"), Key: keyspace.Hash([]byte("far-1")), LastSeen: time.Now()}
			newer := PeerInfo{ID: []byte("far-2"), Key: keyspace.Hash([]byte("far-2")), LastSeen: time.Now()}
			if !b.appendPeer(oldest) || !b.appendPeer(newer) {
				t.Fatalf("setup: bucket should accept two peers at capacity 2")
			}

			candidate := PeerInfo{ID: []byte("far-3"), Key: keyspace.Hash([]byte("far-3"))}
			res, err := tbl.evictOrReject(context.Background(), b, candidate)
			if err != nil {
				t.Fatal(err)
			}
			if alive {
				if res != Rejected {
					t.Fatalf("expected Rejected when oldest probe succeeds, got %v", res)
				}
				if !containsID(b.all(), []byte("far-1")) {
					t.Fatalf("oldest peer must survive when its probe succeeds")
				}
			} else {
				if res != ReplacedOldest {
					t.Fatalf("expected ReplacedOldest when oldest probe fails, got %v", res)
				}
				peers := b.all()
				if containsID(peers, []byte("far-1")) {
					t.Fatalf("oldest peer must be evicted when its probe fails")
				}
				if !containsID(peers, []byte("far-3")) {
					t.Fatalf("new candidate must be admitted after eviction")
				}
			}
		})
	}
}

func containsID(peers []PeerInfo, id []byte) bool {
	for _, p := range peers {
		if peerIDEqual(p.ID, id) {
			return true
		}
	}
	return false
}

func TestCannotAddSelf(t *testing.T) {
	tbl := New(Config{LocalID: []byte("local")})
	res, err := tbl.Add(context.Background(), PeerInfo{ID: []byte("local")})
	if err == nil || res != Rejected {
		t.Fatalf("expected Rejected+error when adding self, got %v %v", res, err)
	}
}
