package rpc

import (
	"bytes"
	"sync/atomic"

	"github.com/shadowmesh/kaddht/pkg/hostiface"
	"github.com/shadowmesh/kaddht/pkg/logging"
)

// Mode is the server-side operating mode of spec.md §4.4.3.
type Mode int32

const (
	ClientMode Mode = iota
	ServerMode
)

func (m Mode) String() string {
	if m == ServerMode {
		return "server"
	}
	return "client"
}

// Backend is everything the server-side dispatch table needs from the
// rest of the DHT core. pkg/dht's coordinator implements it over the
// routing table and the two record stores; keeping it as a narrow
// interface here (rather than importing pkg/routing/pkg/store directly)
// keeps the RPC layer a pure codec+transport concern, per spec.md §9's
// note that the RPC layer must not hold back-pointers into higher
// layers.
type Backend interface {
	LocalPeerID() []byte
	// ClosestPeers returns up to count locally-known peers closest to
	// key, formatted as wire Peers, excluding excludeID.
	ClosestPeers(key []byte, count int, excludeID []byte) []Peer
	// AddObservedPeer records a peer discovered via an inbound RPC.
	AddObservedPeer(id []byte, addrs [][]byte)

	// GetRecord returns the locally stored, still-valid record for key,
	// if any.
	GetRecord(key []byte) (*Record, bool)
	// PutRecord validates and stores record under key. It returns the
	// record now considered authoritative (the new one if accepted, the
	// existing one otherwise) and an error only when the write was
	// rejected outright (e.g. failed validation).
	PutRecord(key []byte, record *Record) (*Record, error)

	// IsLocalProvider reports whether this node itself is a provider for
	// key, so the server can include itself in GET_PROVIDERS replies.
	IsLocalProvider(key []byte) bool
	// GetProviders returns the known, non-expired providers for key.
	GetProviders(key []byte) []Peer
	// AddProvider records remote as a provider for key.
	AddProvider(key []byte, remote Peer)
}

// Server dispatches inbound RPC streams per spec.md §4.4.2/§4.4.3.
type Server struct {
	backend Backend
	mode    atomic.Int32
	log     *logging.Logger
	k       int
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Backend      Backend
	InitialMode  Mode
	BucketSize   int // k, used to size FIND_NODE/GET_PROVIDERS replies; default 20
	Logger       *logging.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetDefaultLogger()
	}
	s := &Server{backend: cfg.Backend, log: cfg.Logger.WithField("component", "rpc.server"), k: cfg.BucketSize}
	s.mode.Store(int32(cfg.InitialMode))
	return s
}

// SetMode switches the server's mode atomically. A concurrent HandleStream
// call observes either the old or the new mode, never a torn state;
// in-flight handling of an already-accepted stream always completes
// (spec.md §4.4.3).
func (s *Server) SetMode(m Mode) { s.mode.Store(int32(m)) }

// Mode returns the server's current mode.
func (s *Server) Mode() Mode { return Mode(s.mode.Load()) }

// HandleStream processes exactly one request/response exchange on stream,
// per spec.md §4.4.1 ("a single stream carries exactly one request and
// one response"), then closes it. Register this as the protocol handler
// via hostiface.Host.SetStreamHandler.
func (s *Server) HandleStream(stream hostiface.Stream) {
	defer stream.Close()

	if s.Mode() == ClientMode {
		// Client mode MUST NOT process inbound DHT streams at all.
		return
	}

	req, err := ReadMessage(stream)
	if err != nil {
		s.log.Debug("dropping unreadable inbound frame", logging.Fields{"error": err.Error()})
		return
	}

	remote := stream.RemotePeerID()
	s.backend.AddObservedPeer(remote, nil)

	resp, err := s.dispatch(remote, req)
	if err != nil {
		s.log.Debug("rpc handler error", logging.Fields{"type": req.Type.String(), "error": err.Error()})
		return
	}
	if resp == nil {
		return
	}
	if err := WriteMessage(stream, resp); err != nil {
		s.log.Debug("failed to write rpc response", logging.Fields{"type": req.Type.String(), "error": err.Error()})
	}
}

func (s *Server) dispatch(remote []byte, req *Message) (*Message, error) {
	switch req.Type {
	case FindNode:
		return s.handleFindNode(remote, req)
	case GetValue:
		return s.handleGetValue(req)
	case PutValue:
		return s.handlePutValue(req)
	case GetProviders:
		return s.handleGetProviders(req)
	case AddProvider:
		return s.handleAddProvider(remote, req)
	case Ping:
		return &Message{Type: Ping}, nil
	default:
		return nil, ErrUnknownKind
	}
}

func (s *Server) handleFindNode(remote []byte, req *Message) (*Message, error) {
	closer := s.backend.ClosestPeers(req.Key, s.k, remote)
	return &Message{Type: FindNode, Key: req.Key, CloserPeers: closer}, nil
}

func (s *Server) handleGetValue(req *Message) (*Message, error) {
	rec, _ := s.backend.GetRecord(req.Key)
	closer := s.backend.ClosestPeers(req.Key, s.k, nil)
	return &Message{Type: GetValue, Key: req.Key, Record: rec, CloserPeers: closer}, nil
}

func (s *Server) handlePutValue(req *Message) (*Message, error) {
	if req.Record == nil {
		return nil, ErrMalformedFrame
	}
	accepted, err := s.backend.PutRecord(req.Key, req.Record)
	if err != nil {
		return nil, err
	}
	return &Message{Type: PutValue, Key: req.Key, Record: accepted}, nil
}

func (s *Server) handleGetProviders(req *Message) (*Message, error) {
	providers := s.backend.GetProviders(req.Key)
	if s.backend.IsLocalProvider(req.Key) {
		providers = append(providers, Peer{ID: s.backend.LocalPeerID()})
	}
	closer := s.backend.ClosestPeers(req.Key, s.k, nil)
	return &Message{Type: GetProviders, Key: req.Key, ProviderPeers: providers, CloserPeers: closer}, nil
}

// handleAddProvider enforces spec.md §4.4.2's sender check: every
// provider_peer's PeerID must equal the stream-authenticated remote
// peer, or the whole request is rejected.
func (s *Server) handleAddProvider(remote []byte, req *Message) (*Message, error) {
	if len(req.ProviderPeers) == 0 {
		return nil, ErrMalformedFrame
	}
	for _, p := range req.ProviderPeers {
		if !bytes.Equal(p.ID, remote) {
			return nil, ErrUnauthorizedProvider
		}
	}
	for _, p := range req.ProviderPeers {
		s.backend.AddProvider(req.Key, p)
	}
	return &Message{Type: AddProvider, Key: req.Key}, nil
}
