package keyspace

import (
	"bytes"
	"testing"
)

func TestDistanceSymmetricAndZero(t *testing.T) {
	a := Hash([]byte("peer-a"))
	b := Hash([]byte("peer-b"))

	if !Distance(a, a).IsZero() {
		t.Fatalf("distance(a,a) must be zero")
	}
	if Distance(a, b) != Distance(b, a) {
		t.Fatalf("distance must be symmetric")
	}
}

func TestCommonPrefixLenBounds(t *testing.T) {
	var a, b Key
	if cpl := CommonPrefixLen(a, b); cpl != MaxBuckets {
		t.Fatalf("identical keys should share all %d bits, got %d", MaxBuckets, cpl)
	}

	b[0] = 0x80 // flip the top bit only
	if cpl := CommonPrefixLen(a, b); cpl != 0 {
		t.Fatalf("expected cpl 0 for top-bit difference, got %d", cpl)
	}

	var c Key
	c[0] = 0x01 // differ in the 8th bit
	if cpl := CommonPrefixLen(a, c); cpl != 7 {
		t.Fatalf("expected cpl 7, got %d", cpl)
	}
}

func TestBucketIndexClampsForSelf(t *testing.T) {
	k := Hash([]byte("self"))
	if idx := BucketIndex(k, k); idx != MaxBuckets-1 {
		t.Fatalf("self bucket index should clamp to %d, got %d", MaxBuckets-1, idx)
	}
}

func TestLessTotalOrder(t *testing.T) {
	var d1, d2 Key
	d1[31] = 1
	d2[31] = 2
	if !Less(d1, d2) {
		t.Fatalf("expected d1 < d2")
	}
	if Less(d1, d1) {
		t.Fatalf("a key is never less than itself")
	}
}

func TestHashBytesRoundTrip(t *testing.T) {
	k := Hash([]byte("round-trip"))
	if !bytes.Equal(k.Bytes(), k[:]) {
		t.Fatalf("Bytes() must mirror the underlying array")
	}
}
