package refhost

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shadowmesh/kaddht/pkg/hostiface"
	"github.com/shadowmesh/kaddht/pkg/logging"
)

// WSScheme is the address scheme WSHost dials and listens on.
const WSScheme = "ws://"

// wsPath is the single HTTP path every WSHost upgrades on; the protocol
// and claimed sender identity travel as query parameters since a
// WebSocket handshake carries no application frames of its own, adapted
// from cmd/relay-server/main.go's peer_id query-parameter convention.
const wsPath = "/dht"

// WSHost is a second, independent hostiface.Host implementation over
// WebSocket (same websocket.Upgrader construction, CheckOrigin-accepts-all
// default, and per-connection registration as a relay server's WebSocket
// front end), to demonstrate that pkg/dht's core is
// genuinely transport-agnostic. Unlike the relay server's one persistent
// connection per peer, WSHost opens a fresh WebSocket connection per
// outbound RPC, mirroring QUICHost's one-stream-per-RPC model.
type WSHost struct {
	localID  []byte
	upgrader websocket.Upgrader
	srv      *http.Server
	log      *logging.Logger

	mu       sync.RWMutex
	handlers map[string]func(hostiface.Stream)
}

// NewWSHost starts an HTTP server on listenAddr (host:port, no scheme)
// serving WebSocket upgrades at wsPath.
func NewWSHost(listenAddr string, localID []byte, log *logging.Logger) (*WSHost, error) {
	if log == nil {
		log = logging.GetDefaultLogger()
	}
	h := &WSHost{
		localID: localID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:      log.WithField("component", "refhost.ws"),
		handlers: make(map[string]func(hostiface.Stream)),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, h.handleUpgrade)
	h.srv = &http.Server{Addr: listenAddr, Handler: mux}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("refhost: listen tcp: %w", err)
	}
	go func() {
		if err := h.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.log.Error("websocket server stopped", logging.Fields{"error": err.Error()})
		}
	}()
	return h, nil
}

// LocalPeerID implements hostiface.Host.
func (h *WSHost) LocalPeerID() []byte { return h.localID }

// SetStreamHandler implements hostiface.Host.
func (h *WSHost) SetStreamHandler(protocolID string, fn func(hostiface.Stream)) {
	h.mu.Lock()
	h.handlers[protocolID] = fn
	h.mu.Unlock()
}

func (h *WSHost) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	protocolID := r.URL.Query().Get("protocol")
	remoteHex := r.URL.Query().Get("peer_id")
	remote, err := hex.DecodeString(remoteHex)
	if err != nil {
		http.Error(w, "invalid peer_id", http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	fn := h.handlers[protocolID]
	h.mu.RUnlock()
	if fn == nil {
		http.Error(w, "unsupported protocol", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logging.Fields{"error": err.Error()})
		return
	}
	fn(newWSStream(conn, remote))
}

// NewStream implements hostiface.Host by dialing addrs[0] and performing
// a WebSocket handshake carrying protocolID and this node's PeerID as
// query parameters.
func (h *WSHost) NewStream(ctx context.Context, peerID []byte, addrs [][]byte, protocolID string) (hostiface.Stream, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("refhost: no addresses to dial for peer %x", peerID)
	}
	base, err := parseWSAddr(addrs[0])
	if err != nil {
		return nil, err
	}
	u := url.URL{Scheme: "ws", Host: base, Path: wsPath}
	q := u.Query()
	q.Set("protocol", protocolID)
	q.Set("peer_id", hex.EncodeToString(h.localID))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("refhost: dial %s: %w", u.String(), err)
	}
	return newWSStream(conn, peerID), nil
}

func parseWSAddr(addr []byte) (string, error) {
	s := string(addr)
	if !strings.HasPrefix(s, WSScheme) {
		return "", fmt.Errorf("refhost: address %q is not a ws:// address", s)
	}
	return strings.TrimPrefix(s, WSScheme), nil
}

// wsStream adapts a *websocket.Conn, which is message-oriented, to
// hostiface.Stream's plain io.Reader/io.Writer contract by buffering
// whatever is left of the current inbound message across Read calls.
type wsStream struct {
	conn   *websocket.Conn
	remote []byte

	readMu  sync.Mutex
	pending []byte

	writeMu sync.Mutex
}

func newWSStream(conn *websocket.Conn, remote []byte) *wsStream {
	return &wsStream{conn: conn, remote: remote}
}

func (s *wsStream) RemotePeerID() []byte { return s.remote }

func (s *wsStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if len(s.pending) == 0 {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		s.pending = data
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}

func (s *wsStream) SetDeadline(t time.Time) error {
	if err := s.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return s.conn.SetWriteDeadline(t)
}
