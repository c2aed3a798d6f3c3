package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/shadowmesh/kaddht/pkg/hostiface"
	"github.com/shadowmesh/kaddht/pkg/logging"
)

// Client issues the five kinds of outbound RPC over a hostiface.Host,
// per spec.md §4.4.2's "client" column. One Client is shared by every
// concurrent lookup; it carries no per-request state.
type Client struct {
	host      hostiface.Host
	identity  hostiface.IdentityService // nil if outbound envelopes are not attached
	envelopes hostiface.EnvelopeService  // nil if inbound envelopes are not verified
	addrs     hostiface.PeerAddrStore    // nil if verified addresses are not persisted
	timeout   time.Duration
	log       *logging.Logger
}

// ClientConfig configures a Client. Host is required; the rest are
// optional collaborators per spec.md §6.2 and may be left nil in tests
// that don't exercise signed envelopes.
type ClientConfig struct {
	Host            hostiface.Host
	Identity        hostiface.IdentityService
	Envelopes       hostiface.EnvelopeService
	Addrs           hostiface.PeerAddrStore
	QueryTimeout    time.Duration // default 10s, spec.md §6.3
	Logger          *logging.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetDefaultLogger()
	}
	return &Client{
		host:      cfg.Host,
		identity:  cfg.Identity,
		envelopes: cfg.Envelopes,
		addrs:     cfg.Addrs,
		timeout:   cfg.QueryTimeout,
		log:       cfg.Logger.WithField("component", "rpc.client"),
	}
}

// Call opens a stream to peerID, sends req, reads exactly one response,
// and closes the stream. Every public coordinator/lookup call funnels
// through here so the query_timeout deadline and envelope handling are
// applied uniformly, per spec.md §4.4.1/§4.4.2.
func (c *Client) Call(ctx context.Context, peerID []byte, addrs [][]byte, req *Message) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.identity != nil && len(req.SenderRecord) == 0 {
		if env, err := c.identity.SignEnvelope(addrs, 0); err == nil {
			req.SenderRecord = env
		}
	}

	stream, err := c.host.NewStream(ctx, peerID, addrs, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("rpc: connect to %x: %w", peerID, err)
	}
	defer stream.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}

	if err := WriteMessage(stream, req); err != nil {
		return nil, fmt.Errorf("rpc: send %v to %x: %w", req.Type, peerID, err)
	}
	resp, err := ReadMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("rpc: read %v response from %x: %w", req.Type, peerID, err)
	}

	c.consumeSenderRecord(resp, peerID)
	return resp, nil
}

// consumeSenderRecord verifies and applies an inbound signed envelope, per
// spec.md §4.4.1: failures are dropped silently and never affect the RPC
// result.
func (c *Client) consumeSenderRecord(m *Message, expectedPeerID []byte) {
	if c.envelopes == nil || len(m.SenderRecord) == 0 {
		return
	}
	rec, err := c.envelopes.Consume(m.SenderRecord, expectedPeerID)
	if err != nil {
		c.log.Debug("dropping unverifiable sender record", logging.Fields{"peer": fmt.Sprintf("%x", expectedPeerID), "error": err.Error()})
		return
	}
	if c.addrs != nil {
		c.addrs.AddAddrs(rec.PeerID, rec.Addrs, 0)
	}
}

// FindNode sends FIND_NODE{key} and returns the closer_peers the remote
// replied with.
func (c *Client) FindNode(ctx context.Context, peerID []byte, addrs [][]byte, key []byte) ([]Peer, error) {
	resp, err := c.Call(ctx, peerID, addrs, &Message{Type: FindNode, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.CloserPeers, nil
}

// GetValue sends GET_VALUE{key} and returns the remote's record (nil if
// it has none) plus its closer_peers.
func (c *Client) GetValue(ctx context.Context, peerID []byte, addrs [][]byte, key []byte) (*Record, []Peer, error) {
	resp, err := c.Call(ctx, peerID, addrs, &Message{Type: GetValue, Key: key})
	if err != nil {
		return nil, nil, err
	}
	return resp.Record, resp.CloserPeers, nil
}

// PutValue sends PUT_VALUE{key, record} and returns the record the
// remote echoed back as accepted (spec.md §4.4.2's "echo the accepted
// record" contract), or an error if it was rejected.
func (c *Client) PutValue(ctx context.Context, peerID []byte, addrs [][]byte, key []byte, record *Record) (*Record, error) {
	resp, err := c.Call(ctx, peerID, addrs, &Message{Type: PutValue, Key: key, Record: record})
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}

// AddProvider sends ADD_PROVIDER{key, provider_peers=[self]}.
func (c *Client) AddProvider(ctx context.Context, peerID []byte, addrs [][]byte, key []byte, self Peer) error {
	_, err := c.Call(ctx, peerID, addrs, &Message{Type: AddProvider, Key: key, ProviderPeers: []Peer{self}})
	return err
}

// GetProviders sends GET_PROVIDERS{key} and returns provider_peers plus
// closer_peers.
func (c *Client) GetProviders(ctx context.Context, peerID []byte, addrs [][]byte, key []byte) ([]Peer, []Peer, error) {
	resp, err := c.Call(ctx, peerID, addrs, &Message{Type: GetProviders, Key: key})
	if err != nil {
		return nil, nil, err
	}
	return resp.ProviderPeers, resp.CloserPeers, nil
}

// Ping sends PING and reports whether the peer echoed it back within the
// query timeout; this is the liveness probe used by the routing table's
// eviction policy (spec.md §4.2).
func (c *Client) Ping(ctx context.Context, peerID []byte, addrs [][]byte) bool {
	resp, err := c.Call(ctx, peerID, addrs, &Message{Type: Ping})
	return err == nil && resp.Type == Ping
}
