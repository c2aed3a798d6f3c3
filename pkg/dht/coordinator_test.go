package dht

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shadowmesh/kaddht/pkg/hostiface"
)

// fakeStream implements hostiface.Stream over an in-memory pipe, following
// pkg/rpc's own test fake.
type fakeStream struct {
	net.Conn
	remote []byte
}

func (f *fakeStream) RemotePeerID() []byte { return f.remote }

// memNetwork wires a handful of fakeHosts together by peer ID, so
// NewStream on one host can reach another without any real transport.
type memNetwork struct {
	mu    sync.Mutex
	hosts map[string]*fakeHost
}

func newMemNetwork() *memNetwork {
	return &memNetwork{hosts: map[string]*fakeHost{}}
}

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
		return nil, fmt.Errorf("dht test: no host registered for peer %x", peerID)
	}
	target.mu.Lock()
	handler := target.handler
	target.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("dht test: peer %x has no stream handler registered", peerID)
	}

	a, b := net.Pipe()
	go handler(&fakeStream{Conn: b, remote: h.id})
	return &fakeStream{Conn: a, remote: peerID}, nil
}

func newTestCoordinator(t *testing.T, network *memNetwork, id []byte) *Coordinator {
	t.Helper()
	host := newFakeHost(network, id)
	cfg := Config{
		LocalID:                     id,
		Addrs:                       []string{"mem://" + string(id)},
		Host:                        host,
		K:                           5,
		Alpha:                       2,
		MaxRounds:                   5,
		QueryTimeout:                2 * time.Second,
		RoutingTableRefreshInterval: time.Hour,
		StalePeerThreshold:          time.Hour,
		ProviderRepublishInterval:   time.Hour,
		ValueSweepInterval:          time.Hour,
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func runCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	t.Cleanup(c.Stop)
}

func TestCoordinatorFindPeerViaIntermediary(t *testing.T) {
	network := newMemNetwork()
	a := newTestCoordinator(t, network, []byte("peer-a"))
	b := newTestCoordinator(t, network, []byte("peer-b"))
	runCoordinator(t, a)
	runCoordinator(t, b)

	cID := []byte("peer-c")
	// Coordinators start in client mode, which closes inbound streams; b
	// must serve to answer a's FIND_NODE.
	b.SwitchMode(Server)
	// b knows c directly; a only knows b. a's FindPeer must discover c
	// through b's FIND_NODE response without ever dialing c.
	b.AddObservedPeer(cID, [][]byte{[]byte("mem://peer-c")})
	a.AddObservedPeer(b.cfg.LocalID, [][]byte{[]byte("mem://peer-b")})

	found, ok, err := a.FindPeer(context.Background(), cID)
	if err != nil {
		t.Fatalf("FindPeer: %v", err)
	}
	if !ok {
		t.Fatal("expected to find peer-c via peer-b")
	}
	if string(found.ID) != "peer-c" {
		t.Fatalf("expected peer-c, got %q", found.ID)
	}
	if len(found.Addrs) == 0 || found.Addrs[0] != "mem://peer-c" {
		t.Fatalf("expected peer-c's advertised address, got %v", found.Addrs)
	}
	if !a.table.Contains(cID) {
		t.Fatal("expected peer-c, discovered via b's FIND_NODE response, to be admitted to a's routing table")
	}
	if !a.table.Contains(b.cfg.LocalID) {
		t.Fatal("expected peer-b, a's successfully queried peer, to be admitted to a's routing table")
	}
}

func TestCoordinatorPutGetValueLocalRoundTrip(t *testing.T) {
	network := newMemNetwork()
	a := newTestCoordinator(t, network, []byte("peer-a"))
	runCoordinator(t, a)

	value := []byte("hello world")
	sum := sha256.Sum256(value)
	key := []byte(fmt.Sprintf("/pk/%x", sum))

	if err := a.PutValue(context.Background(), key, value); err != nil {
		t.Fatalf("PutValue: %v", err)
	}

	rec, err := a.GetValue(context.Background(), key, 1)
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if string(rec.Value) != string(value) {
		t.Fatalf("expected value %q, got %q", value, rec.Value)
	}
}

func TestCoordinatorGetValueNotFound(t *testing.T) {
	network := newMemNetwork()
	a := newTestCoordinator(t, network, []byte("peer-a"))
	runCoordinator(t, a)

	sum := sha256.Sum256([]byte("never written"))
	key := []byte(fmt.Sprintf("/pk/%x", sum))

	if _, err := a.GetValue(context.Background(), key, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCoordinatorProvideAndFindProviders(t *testing.T) {
	network := newMemNetwork()
	a := newTestCoordinator(t, network, []byte("peer-a"))
	runCoordinator(t, a)

	contentKey := []byte("content-key")
	if err := a.Provide(context.Background(), contentKey); err != nil {
		t.Fatalf("Provide: %v", err)
	}

	providers, err := a.FindProviders(context.Background(), contentKey, 10)
	if err != nil {
		t.Fatalf("FindProviders: %v", err)
	}
	found := false
	for _, p := range providers {
		if string(p.ID) == "peer-a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected self in provider list, got %v", providers)
	}
}

func TestCoordinatorRejectsOperationsBeforeRun(t *testing.T) {
	network := newMemNetwork()
	a := newTestCoordinator(t, network, []byte("peer-a"))

	if _, _, err := a.FindPeer(context.Background(), []byte("peer-b")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := a.PutValue(context.Background(), []byte("/pk/x"), []byte("v")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning from PutValue, got %v", err)
	}
	if _, err := a.GetValue(context.Background(), []byte("/pk/x"), 1); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning from GetValue, got %v", err)
	}
	if err := a.Provide(context.Background(), []byte("content-key")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning from Provide, got %v", err)
	}
	if _, err := a.FindProviders(context.Background(), []byte("content-key"), 10); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning from FindProviders, got %v", err)
	}
}

func TestCoordinatorModeSwitch(t *testing.T) {
	network := newMemNetwork()
	a := newTestCoordinator(t, network, []byte("peer-a"))
	runCoordinator(t, a)

	if a.ModeOf() != Client {
		t.Fatalf("expected default mode client, got %v", a.ModeOf())
	}
	a.SwitchMode(Server)
	if a.ModeOf() != Server {
		t.Fatalf("expected mode server after switch, got %v", a.ModeOf())
	}
}

func TestCoordinatorRunTwiceFails(t *testing.T) {
	network := newMemNetwork()
	a := newTestCoordinator(t, network, []byte("peer-a"))
	runCoordinator(t, a)

	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected second Run to fail")
	}
}
