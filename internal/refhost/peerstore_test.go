package refhost

import (
	"testing"
	"time"
)

func TestMemAddrStoreRoundTrip(t *testing.T) {
	s := NewMemAddrStore()
	peerID := []byte("peer-a")
	addrs := [][]byte{[]byte("quic://127.0.0.1:4001")}

	s.AddAddrs(peerID, addrs, time.Hour)
	got := s.GetAddrs(peerID)
	if len(got) != 1 || string(got[0]) != string(addrs[0]) {
		t.Fatalf("expected %v, got %v", addrs, got)
	}
}

func TestMemAddrStoreExpires(t *testing.T) {
	s := NewMemAddrStore()
	peerID := []byte("peer-a")
	s.AddAddrs(peerID, [][]byte{[]byte("quic://127.0.0.1:4001")}, time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	if got := s.GetAddrs(peerID); got != nil {
		t.Fatalf("expected expired entry to be gone, got %v", got)
	}
}

func TestMemAddrStoreZeroTTLNeverExpires(t *testing.T) {
	s := NewMemAddrStore()
	peerID := []byte("peer-a")
	s.AddAddrs(peerID, [][]byte{[]byte("quic://127.0.0.1:4001")}, 0)

	time.Sleep(5 * time.Millisecond)
	if got := s.GetAddrs(peerID); got == nil {
		t.Fatal("expected a zero-ttl entry to never expire")
	}
}

func TestMemAddrStoreUnknownPeerReturnsNil(t *testing.T) {
	s := NewMemAddrStore()
	if got := s.GetAddrs([]byte("never-added")); got != nil {
		t.Fatalf("expected nil for unknown peer, got %v", got)
	}
}
