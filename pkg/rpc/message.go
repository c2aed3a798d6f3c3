// Package rpc implements the DHT's wire protocol (C4): the five-kind
// message schema of spec.md §6.1, uvarint-framed on the stream, plus the
// client-side request helpers and server-side dispatch table that use it.
package rpc

import "time"

// Kind is the Message.type tag. Numeric values are part of the wire format
// and MUST NOT be renumbered.
type Kind byte

const (
	PutValue     Kind = 0
	GetValue     Kind = 1
	AddProvider  Kind = 2
	GetProviders Kind = 3
	FindNode     Kind = 4
	Ping         Kind = 5
)

func (k Kind) String() string {
	switch k {
	case PutValue:
		return "PUT_VALUE"
	case GetValue:
		return "GET_VALUE"
	case AddProvider:
		return "ADD_PROVIDER"
	case GetProviders:
		return "GET_PROVIDERS"
	case FindNode:
		return "FIND_NODE"
	case Ping:
		return "PING"
	default:
		return "UNKNOWN"
	}
}

// ProtocolID is the stream protocol identifier negotiated with the host's
// transport, preserved for compatibility with the wider Kademlia family.
const ProtocolID = "/ipfs/kad/1.0.0"

// Record mirrors spec.md §6.1's Record message.
type Record struct {
	Key          []byte
	Value        []byte
	TimeReceived time.Time
}

// Peer mirrors spec.md §6.1's Peer message: a PeerID, its known addresses,
// and an optional opaque signed envelope the host's envelope service can
// verify and consume.
type Peer struct {
	ID           []byte
	Addrs        [][]byte
	SignedRecord []byte // extension field, opaque to this package
}

// Message is the tagged union carried on every RPC stream. Only the
// fields relevant to Type are populated by the codec; the rest are left
// at their zero value.
type Message struct {
	Type          Kind
	Key           []byte
	Record        *Record
	CloserPeers   []Peer
	ProviderPeers []Peer
	ClusterLevel  int32  // sent as 0, ignored on receive per spec.md §6.1
	SenderRecord  []byte // extension field, optional signed envelope
}
