// Package integration exercises pkg/dht.Coordinator over a real
// transport (internal/refhost's WebSocket host) instead of the in-memory
// fake network pkg/dht's own unit tests use, so the RPC wire framing and
// stream handling in internal/refhost get covered by something other than
// a loopback pipe.
package integration

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shadowmesh/kaddht/internal/refhost"
	"github.com/shadowmesh/kaddht/pkg/dht"
	"github.com/shadowmesh/kaddht/pkg/hostiface"
	"github.com/shadowmesh/kaddht/pkg/logging"
	"github.com/shadowmesh/kaddht/pkg/routing"
)

var nextPort int32 = 20000

// node bundles a running Coordinator with the refhost collaborators it
// owns, so tests can tear a whole node down with one call.
type node struct {
	coord *dht.Coordinator
	host  *refhost.WSHost
	id    *refhost.Identity
	addr  string
}

func newNode(t *testing.T, listenAddr string) *node {
	t.Helper()

	id, err := refhost.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	log := logging.GetDefaultLogger()
	host, err := refhost.NewWSHost(listenAddr, id.LocalPeerID(), log)
	if err != nil {
		t.Fatalf("start ws host: %v", err)
	}

	addr := refhost.WSScheme + listenAddr
	coord, err := dht.New(dht.Config{
		LocalID:                     id.LocalPeerID(),
		Addrs:                       []string{addr},
		Host:                        host,
		Identity:                    id,
		Envelopes:                   refhost.EnvelopeVerifier{},
		AddrStore:                   refhost.NewMemAddrStore(),
		K:                           20,
		Alpha:                       3,
		MaxRounds:                   10,
		QueryTimeout:                2 * time.Second,
		ValueTTL:                    time.Hour,
		ProviderExpiration:          time.Hour,
		ProviderRepublishInterval:   time.Hour,
		ProviderAddressTTL:          time.Hour,
		RoutingTableRefreshInterval: time.Hour, // disabled for the test's duration
		StalePeerThreshold:          time.Hour,
		InitialMode:                 dht.Server,
		EvictionPolicy:              routing.WaitForProbe,
		Logger:                      log,
	})
	if err != nil {
		t.Fatalf("construct coordinator: %v", err)
	}
	if err := coord.Run(context.Background()); err != nil {
		t.Fatalf("run coordinator: %v", err)
	}
	t.Cleanup(coord.Stop)

	return &node{coord: coord, host: host, id: id, addr: addr}
}

func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	// WSHost binds its own listener, so hand it a distinct fixed port per
	// node rather than asking the OS for one ahead of time.
	port := atomic.AddInt32(&nextPort, 1)
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// bootstrap wires b into a's routing table and vice versa, the way a real
// deployment's -bootstrap flag does for one peer, then gives the
// admission a moment to settle.
func bootstrap(a, b *node) {
	a.coord.AddObservedPeer(b.id.LocalPeerID(), [][]byte{[]byte(b.addr)})
	b.coord.AddObservedPeer(a.id.LocalPeerID(), [][]byte{[]byte(a.addr)})
	time.Sleep(50 * time.Millisecond)
}

func TestTwoNodeFindPeer(t *testing.T) {
	a := newNode(t, freeLoopbackAddr(t))
	time.Sleep(10 * time.Millisecond)
	b := newNode(t, freeLoopbackAddr(t))
	bootstrap(a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, ok, err := a.coord.FindPeer(ctx, b.id.LocalPeerID())
	if err != nil {
		t.Fatalf("find_peer: %v", err)
	}
	if !ok {
		t.Fatal("find_peer: peer not found")
	}
	if string(info.ID) != string(b.id.LocalPeerID()) {
		t.Fatalf("find_peer: got peer %x, want %x", info.ID, b.id.LocalPeerID())
	}
}

func TestThreeNodePutGetValue(t *testing.T) {
	a := newNode(t, freeLoopbackAddr(t))
	time.Sleep(10 * time.Millisecond)
	b := newNode(t, freeLoopbackAddr(t))
	time.Sleep(10 * time.Millisecond)
	c := newNode(t, freeLoopbackAddr(t))

	bootstrap(a, b)
	bootstrap(b, c)
	bootstrap(a, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	value := []byte("integration-test-value")
	key := []byte(fmt.Sprintf("/pk/%x", sha256.Sum256(value)))
	if err := a.coord.PutValue(ctx, key, value); err != nil {
		t.Fatalf("put_value: %v", err)
	}

	rec, err := c.coord.GetValue(ctx, key, 1)
	if err != nil {
		t.Fatalf("get_value: %v", err)
	}
	if string(rec.Value) != string(value) {
		t.Fatalf("get_value: got %q, want %q", rec.Value, value)
	}
}

func TestProvideFindProviders(t *testing.T) {
	a := newNode(t, freeLoopbackAddr(t))
	time.Sleep(10 * time.Millisecond)
	b := newNode(t, freeLoopbackAddr(t))
	bootstrap(a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	contentKey := []byte("integration-test-content")
	if err := a.coord.Provide(ctx, contentKey); err != nil {
		t.Fatalf("provide: %v", err)
	}

	providers, err := b.coord.FindProviders(ctx, contentKey, 10)
	if err != nil {
		t.Fatalf("find_providers: %v", err)
	}
	found := false
	for _, p := range providers {
		if string(p.ID) == string(a.coord.LocalPeerID()) {
			found = true
		}
	}
	if !found {
		t.Fatalf("find_providers: did not find %x among %d providers", a.coord.LocalPeerID(), len(providers))
	}
}

var _ hostiface.Host = (*refhost.WSHost)(nil)
