package lookup

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shadowmesh/kaddht/pkg/hostiface"
	"github.com/shadowmesh/kaddht/pkg/keyspace"
	"github.com/shadowmesh/kaddht/pkg/routing"
	"github.com/shadowmesh/kaddht/pkg/rpc"
	"github.com/shadowmesh/kaddht/pkg/store"
)

// The fakes below mirror pkg/dht's own in-memory network test fake, kept
// local to this package so variants.go's GetValue can be exercised over a
// real rpc.Client/rpc.Server pair instead of the bare Probe hook
// lookup_test.go uses for the engine's own traversal mechanics.

type fakeStream struct {
	net.Conn
	remote []byte
}

func (f *fakeStream) RemotePeerID() []byte { return f.remote }

type memNetwork struct {
	mu    sync.Mutex
	hosts map[string]*fakeHost
}

func newMemNetwork() *memNetwork { return &memNetwork{hosts: map[string]*fakeHost{}} }

func (n *memNetwork) register(h *fakeHost) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hosts[string(h.id)] = h
}

func (n *memNetwork) get(id []byte) *fakeHost {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hosts[string(id)]
}

type fakeHost struct {
	id  []byte
	net *memNetwork

	mu      sync.Mutex
	handler func(hostiface.Stream)
}

func newFakeHost(net *memNetwork, id []byte) *fakeHost {
	h := &fakeHost{id: id, net: net}
	net.register(h)
	return h
}

func (h *fakeHost) LocalPeerID() []byte { return h.id }

func (h *fakeHost) SetStreamHandler(protocolID string, fn func(hostiface.Stream)) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

func (h *fakeHost) NewStream(ctx context.Context, peerID []byte, addrs [][]byte, protocolID string) (hostiface.Stream, error) {
	target := h.net.get(peerID)
	if target == nil {
		return nil, fmt.Errorf("lookup test: no host registered for peer %x", peerID)
	}
	target.mu.Lock()
	handler := target.handler
	target.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("lookup test: peer %x has no stream handler registered", peerID)
	}
	a, b := net.Pipe()
	go handler(&fakeStream{Conn: b, remote: h.id})
	return &fakeStream{Conn: a, remote: peerID}, nil
}

// fakeValueBackend implements rpc.Backend with a single canned record and
// counters for GetRecord/PutRecord calls, so tests can observe which peers
// were actually queried and which were sent a correction PUT.
type fakeValueBackend struct {
	local  []byte
	closer []rpc.Peer // canned ClosestPeers response, for controlling discovery order

	mu       sync.Mutex
	record   *rpc.Record
	getCalls int
	putCalls int
}

func (b *fakeValueBackend) LocalPeerID() []byte { return b.local }
func (b *fakeValueBackend) ClosestPeers(key []byte, count int, excludeID []byte) []rpc.Peer {
	return b.closer
}
func (b *fakeValueBackend) AddObservedPeer(id []byte, addrs [][]byte) {}

func (b *fakeValueBackend) GetRecord(key []byte) (*rpc.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getCalls++
	if b.record == nil {
		return nil, false
	}
	return b.record, true
}

func (b *fakeValueBackend) PutRecord(key []byte, record *rpc.Record) (*rpc.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.putCalls++
	b.record = record
	return record, nil
}

func (b *fakeValueBackend) IsLocalProvider(key []byte) bool        { return false }
func (b *fakeValueBackend) GetProviders(key []byte) []rpc.Peer     { return nil }
func (b *fakeValueBackend) AddProvider(key []byte, remote rpc.Peer) {}

func (b *fakeValueBackend) counts() (gets, puts int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getCalls, b.putCalls
}

// serve registers b on a fresh fakeHost on net and returns the seed
// routing.PeerInfo for it.
func serve(net *memNetwork, b *fakeValueBackend) routing.PeerInfo {
	h := newFakeHost(net, b.local)
	srv := rpc.NewServer(rpc.ServerConfig{Backend: b, InitialMode: rpc.ServerMode})
	h.SetStreamHandler(rpc.ProtocolID, srv.HandleStream)
	return routing.PeerInfo{ID: b.local, Key: keyspace.Hash(b.local)}
}

// lexValidator always validates and selects the lexicographically
// greatest value, giving tests an easy, deterministic "better/worse"
// ordering without pulling in the built-in /pk/ validator's hashing
// constraint.
type lexValidator struct{}

func (lexValidator) Validate(key, value []byte) error { return nil }
func (lexValidator) Select(key []byte, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, store.ErrNoValidCandidate
	}
	best := 0
	for i := 1; i < len(values); i++ {
		if bytes.Compare(values[i], values[best]) > 0 {
			best = i
		}
	}
	return best, nil
}

func newTestValidators() *store.ValidatorRegistry {
	return store.NewValidatorRegistry(map[string]store.Validator{"test": lexValidator{}})
}

func TestGetValueCorrectsPeersWithWorseOrNoRecord(t *testing.T) {
	net := newMemNetwork()
	local := newFakeHost(net, []byte("local"))

	winner := &fakeValueBackend{local: []byte("peer-winner"), record: &rpc.Record{Key: []byte("/test/k"), Value: []byte("v2")}}
	worse := &fakeValueBackend{local: []byte("peer-worse"), record: &rpc.Record{Key: []byte("/test/k"), Value: []byte("v1")}}
	none := &fakeValueBackend{local: []byte("peer-none")} // no record at all

	seed := []routing.PeerInfo{serve(net, winner), serve(net, worse), serve(net, none)}

	client := rpc.NewClient(rpc.ClientConfig{Host: local, QueryTimeout: 2 * time.Second})
	e := NewEngine(Config{Alpha: 3, K: 20, MaxRounds: 5})

	result, err := e.GetValue(context.Background(), client, newTestValidators(), seed, []byte("/test/k"), nil, 0)
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if !result.Found || string(result.Record.Value) != "v2" {
		t.Fatalf("expected winner record v2, got %+v", result)
	}

	// correction is fire-and-forget; poll briefly for it to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, winnerPuts := winner.counts()
		_, worsePuts := worse.counts()
		_, nonePuts := none.counts()
		if worsePuts == 1 && nonePuts == 1 && winnerPuts == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("correction did not reach worse/no-record peers as expected: winner puts=%d worse puts=%d none puts=%d",
				winnerPuts, worsePuts, nonePuts)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGetValueStopsEarlyOnceQuorumReached(t *testing.T) {
	net := newMemNetwork()
	local := newFakeHost(net, []byte("local"))

	farthest := &fakeValueBackend{local: []byte("peer-3"), record: &rpc.Record{Key: []byte("/test/k"), Value: []byte("v3")}}
	farthestPeer := serve(net, farthest)

	closest := &fakeValueBackend{local: []byte("peer-1"), record: &rpc.Record{Key: []byte("/test/k"), Value: []byte("v1")}}
	middle := &fakeValueBackend{
		local:  []byte("peer-2"),
		record: &rpc.Record{Key: []byte("/test/k"), Value: []byte("v2")},
		closer: []rpc.Peer{{ID: farthestPeer.ID}}, // discovered only once quorum has already been satisfied
	}

	// Seeding both directly (rather than letting one discover the other)
	// puts them in the same wave: alpha=2 queries both concurrently, the
	// quorum(2) threshold is met within that single wave, and the engine
	// must stop before ever dialing the peer middle's response discovers.
	seed := []routing.PeerInfo{serve(net, closest), serve(net, middle)}

	client := rpc.NewClient(rpc.ClientConfig{Host: local, QueryTimeout: 2 * time.Second})
	e := NewEngine(Config{Alpha: 2, K: 20, MaxRounds: 20})

	result, err := e.GetValue(context.Background(), client, newTestValidators(), seed, []byte("/test/k"), nil, 2)
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if !result.Found || string(result.Record.Value) != "v2" {
		t.Fatalf("expected select-best of the 2 quorum responses (v2), got %+v", result)
	}

	farthestGets, _ := farthest.counts()
	if farthestGets != 0 {
		t.Fatalf("expected the lookup to stop once quorum(2) was reached, but the peer discovered only afterward was queried %d times", farthestGets)
	}
}
