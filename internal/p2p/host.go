package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// Path is the websocket endpoint served by a host.
	Path = "/p2p"

	writeTimeout = 5 * time.Second
	readLimit    = 4 << 20
)

// Handler receives inbound envelopes. peerID is empty on clients.
type Handler func(peerID string, env Envelope)

// HostConfig configures a Host.
type HostConfig struct {
	// PeerID identifies this device in beacons (default: random UUID).
	PeerID string

	// ListenAddr is the websocket listen address (default ":0").
	ListenAddr string

	// ServiceID and ProtocolVersion are advertised in beacons.
	ServiceID       string
	ProtocolVersion string

	// BeaconAddr is where beacons are sent. Empty disables advertising.
	BeaconAddr     string
	BeaconInterval time.Duration

	// OnMessage receives STATUS_UPDATE and SNAPSHOT_REQUEST from peers.
	OnMessage Handler

	// OnStateChange observes ConnState transitions.
	OnStateChange func(from, to ConnState)

	Logger *log.Logger
}

// Stats counts what a host has put on the wire.
type Stats struct {
	MessagesSent int64
	BytesSent    int64
}

type peer struct {
	id   string
	conn *websocket.Conn
}

// Host accepts peer connections and fans messages out to all of them.
type Host struct {
	cfg    HostConfig
	logger *log.Logger
	state  stateMachine

	listener net.Listener
	server   *http.Server

	peers   map[*websocket.Conn]*peer
	peersMu sync.RWMutex

	// linkMu is held from a peer-count change through the state transition
	// it triggers, so first-connect and last-disconnect never interleave.
	linkMu sync.Mutex

	messagesSent atomic.Int64
	bytesSent    atomic.Int64

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHost creates a host. Call Start to begin accepting peers.
func NewHost(cfg HostConfig) *Host {
	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	if cfg.ServiceID == "" {
		cfg.ServiceID = DefaultServiceID
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = DefaultProtocolVersion
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = DefaultBeaconInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[p2p] ", log.LstdFlags)
	}

	return &Host{
		cfg:    cfg,
		logger: logger,
		state:  stateMachine{onChange: cfg.OnStateChange},
		peers:  make(map[*websocket.Conn]*peer),
	}
}

// Start listens for peers and begins advertising.
func (h *Host) Start(ctx context.Context) error {
	if h.running.Load() {
		return fmt.Errorf("host already started")
	}

	ln, err := net.Listen("tcp", h.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.cfg.ListenAddr, err)
	}
	h.listener = ln
	h.ctx, h.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc(Path, h.handlePeer)
	mux.HandleFunc("/health", h.handleHealth)
	h.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := h.state.set(StateAdvertising); err != nil {
		_ = ln.Close()
		return err
	}
	h.running.Store(true)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.logger.Printf("Hosting %s on %s", h.cfg.ServiceID, ln.Addr())
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Printf("Server error: %v", err)
		}
	}()

	if h.cfg.BeaconAddr != "" {
		beacon := Beacon{
			ServiceID: h.cfg.ServiceID,
			PeerID:    h.cfg.PeerID,
			Addr:      ln.Addr().String(),
			Version:   canonicalVersion(h.cfg.ProtocolVersion),
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if err := advertise(h.ctx, beacon, h.cfg.BeaconAddr, h.cfg.BeaconInterval, h.logger); err != nil {
				h.logger.Printf("Warning: advertising stopped: %v", err)
			}
		}()
	}

	return nil
}

// Stop disconnects every peer and stops advertising.
func (h *Host) Stop() error {
	if !h.running.Swap(false) {
		return nil
	}
	h.cancel()

	h.peersMu.Lock()
	for conn := range h.peers {
		_ = conn.Close(websocket.StatusGoingAway, "host shutting down")
		delete(h.peers, conn)
	}
	h.peersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.server.Shutdown(ctx)
	h.wg.Wait()
	h.linkMu.Lock()
	_ = h.state.set(StateIdle)
	h.linkMu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to shut down host: %w", err)
	}
	h.logger.Println("Host stopped")
	return nil
}

// Hosting reports whether the host is accepting peers.
func (h *Host) Hosting() bool {
	return h.running.Load()
}

// Addr returns the websocket listen address.
func (h *Host) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.cfg.ListenAddr
}

// PeerID returns this host's identity.
func (h *Host) PeerID() string {
	return h.cfg.PeerID
}

// State returns the current connection state.
func (h *Host) State() ConnState {
	return h.state.get()
}

// Stats returns wire counters.
func (h *Host) Stats() Stats {
	return Stats{MessagesSent: h.messagesSent.Load(), BytesSent: h.bytesSent.Load()}
}

// Peers returns the IDs of connected peers, sorted.
func (h *Host) Peers() []string {
	h.peersMu.RLock()
	defer h.peersMu.RUnlock()
	ids := make([]string, 0, len(h.peers))
	for _, p := range h.peers {
		ids = append(ids, p.id)
	}
	sort.Strings(ids)
	return ids
}

// PeerCount returns the number of connected peers.
func (h *Host) PeerCount() int {
	h.peersMu.RLock()
	defer h.peersMu.RUnlock()
	return len(h.peers)
}

// SendMessage encodes env once and writes the same bytes to every connected
// peer. There is no acknowledgement. With no peers, or when the host is not
// running, nothing is sent and nil is returned. Peers that fail a write are
// dropped.
func (h *Host) SendMessage(env Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if !h.running.Load() {
		return nil
	}

	h.peersMu.RLock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.peersMu.RUnlock()

	for _, p := range peers {
		ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
		err := p.conn.Write(ctx, websocket.MessageText, data)
		cancel()

		if err != nil {
			h.logger.Printf("Failed to send %s to peer %s: %v", env.Type, p.id, err)
			h.removePeer(p.conn)
			continue
		}
		h.messagesSent.Add(1)
		h.bytesSent.Add(int64(len(data)))
	}
	return nil
}

// handlePeer accepts every compatible peer without confirmation.
func (h *Host) handlePeer(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		peerID = r.RemoteAddr
	}
	if version := r.URL.Query().Get("version"); version != "" && !Compatible(h.cfg.ProtocolVersion, version) {
		http.Error(w, fmt.Sprintf("protocol %s incompatible with %s", version, h.cfg.ProtocolVersion), http.StatusUpgradeRequired)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("Websocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(readLimit)

	h.linkMu.Lock()
	h.peersMu.Lock()
	first := len(h.peers) == 0
	h.peers[conn] = &peer{id: peerID, conn: conn}
	count := len(h.peers)
	h.peersMu.Unlock()

	if first {
		if err := h.state.walk(StateConnecting, StateConnected); err != nil {
			h.logger.Printf("Warning: %v", err)
		}
	}
	h.linkMu.Unlock()
	h.logger.Printf("Peer %s connected (total: %d)", peerID, count)

	// The handler goroutine owns the read loop for the connection's lifetime.
	h.readLoop(peerID, conn)
}

func (h *Host) readLoop(peerID string, conn *websocket.Conn) {
	defer h.removePeer(conn)

	for {
		_, data, err := conn.Read(h.ctx)
		if err != nil {
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			h.logger.Printf("Warning: bad message from peer %s: %v", peerID, err)
			continue
		}
		if env.Type.FromHost() {
			h.logger.Printf("Warning: ignoring %s from peer %s", env.Type, peerID)
			continue
		}
		if h.cfg.OnMessage != nil {
			h.cfg.OnMessage(peerID, env)
		}
	}
}

func (h *Host) removePeer(conn *websocket.Conn) {
	h.linkMu.Lock()
	h.peersMu.Lock()
	p, exists := h.peers[conn]
	if !exists {
		h.peersMu.Unlock()
		h.linkMu.Unlock()
		return
	}
	delete(h.peers, conn)
	count := len(h.peers)
	h.peersMu.Unlock()

	if count == 0 && h.running.Load() {
		if err := h.state.walk(StateDisconnected, StateAdvertising); err != nil {
			h.logger.Printf("Warning: %v", err)
		}
	}
	h.linkMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Printf("Peer %s disconnected (total: %d)", p.id, count)
}

func (h *Host) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"service": h.cfg.ServiceID,
		"peer":    h.cfg.PeerID,
		"peers":   h.PeerCount(),
		"state":   h.State().String(),
	})
}
