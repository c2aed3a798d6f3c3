// Package hostiface defines the collaborator contracts the DHT core
// consumes from its runtime, per spec.md §6.2: an authenticated stream
// transport, a peer address store, and a signed-envelope/identity
// facility. The core depends only on these interfaces; internal/refhost
// supplies one concrete implementation over QUIC/WebSocket.
package hostiface

import (
	"context"
	"time"
)

// Stream is a single bidirectional, authenticated, length-framed byte
// stream to one remote peer, opened for exactly one protocol ID.
type Stream interface {
	// RemotePeerID returns the stream-authenticated identity of the peer
	// on the other end (known even for inbound streams this host did not
	// dial).
	RemotePeerID() []byte
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Close closes the stream in both directions.
	Close() error
	// SetDeadline bounds both future Read and Write calls, mirroring
	// net.Conn's contract so callers can reuse context-derived deadlines.
	SetDeadline(t time.Time) error
}

// Host opens outbound streams and (via SetStreamHandler) accepts inbound
// ones for a given protocol ID. Non-goal (a) of spec.md leaves the
// transport's own security properties to the host; the core only ever
// calls through this interface.
type Host interface {
	// LocalPeerID is this node's own identity.
	LocalPeerID() []byte
	// NewStream opens an authenticated stream to peerID on protocolID,
	// dialing addrs if no live connection exists. Returns a
	// connect-failed, not-supported, or timed-out error on failure, per
	// spec.md §6.2.
	NewStream(ctx context.Context, peerID []byte, addrs [][]byte, protocolID string) (Stream, error)
	// SetStreamHandler registers fn to handle inbound streams opened
	// against protocolID. Only one handler may be registered per
	// protocol ID at a time.
	SetStreamHandler(protocolID string, fn func(Stream))
}

// PeerAddrStore is the peer store of spec.md §6.2 and §4.3.2: observed
// addresses with bounded TTLs, independent of the DHT's own routing
// table (which holds PeerInfo, not raw address bookkeeping).
type PeerAddrStore interface {
	AddAddrs(peerID []byte, addrs [][]byte, ttl time.Duration)
	GetAddrs(peerID []byte) [][]byte
}

// PeerRecord is the result of successfully verifying a signed envelope:
// the certified PeerID and the addresses it vouches for.
type PeerRecord struct {
	PeerID []byte
	Addrs  [][]byte
	Seq    uint64
}

// EnvelopeService verifies and produces signed peer envelopes. Non-goal
// (b) of spec.md leaves the envelope's own wire format opaque to the
// core; it only ever passes the bytes through.
type EnvelopeService interface {
	// Consume verifies envelope and checks it certifies expectedPeerID.
	// Verification failures are reported via error; per spec.md §4.4.1
	// and §7, callers MUST treat a verification failure as "drop
	// silently", never as an RPC-level error.
	Consume(envelope []byte, expectedPeerID []byte) (PeerRecord, error)
}

// IdentityService exposes this node's own identity and the ability to
// certify its current addresses for outbound announcements.
type IdentityService interface {
	LocalPeerID() []byte
	// SignEnvelope produces a signed envelope certifying addrs as this
	// node's own, suitable for EnvelopeService.Consume on the other end.
	SignEnvelope(addrs [][]byte, seq uint64) ([]byte, error)
}
