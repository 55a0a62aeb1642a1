package p2p

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrNotConnected is returned by Client.SendMessage while no host is connected.
var ErrNotConnected = errors.New("not connected to a host")

// DefaultRetryDelay is the pause between losing a host and rediscovering.
const DefaultRetryDelay = time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	// PeerID identifies this device to the host (default: random UUID).
	PeerID string

	ServiceID       string
	ProtocolVersion string

	// DiscoveryAddr is the UDP address beacons are received on.
	DiscoveryAddr string

	// HostAddr skips discovery and connects to host:port directly.
	HostAddr string

	RetryDelay time.Duration

	// OnMessage receives every envelope from the host.
	OnMessage Handler

	// OnStateChange observes ConnState transitions.
	OnStateChange func(from, to ConnState)

	Logger *log.Logger
}

// Client finds a host, keeps one connection to it, and reconnects after loss.
// Every successful connection starts with a SNAPSHOT_REQUEST so missed
// updates are recovered.
type Client struct {
	cfg    ClientConfig
	logger *log.Logger
	state  stateMachine

	mu       sync.Mutex
	conn     *websocket.Conn
	hostID   string
	hostAddr string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a client. Call Start to begin discovery.
func NewClient(cfg ClientConfig) *Client {
	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
	}
	if cfg.ServiceID == "" {
		cfg.ServiceID = DefaultServiceID
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = DefaultProtocolVersion
	}
	if cfg.DiscoveryAddr == "" {
		cfg.DiscoveryAddr = DefaultBeaconListen
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[p2p] ", log.LstdFlags)
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		state:  stateMachine{onChange: cfg.OnStateChange},
	}
}

// Start runs discovery and the connection loop in the background.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return fmt.Errorf("client already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
	return nil
}

// Stop closes the connection and ends the loop.
func (c *Client) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	<-done
	_ = c.state.set(StateIdle)
	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	return c.state.get()
}

// Connected reports whether a host connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Host returns the ID and address of the connected host, if any.
func (c *Client) Host() (id, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostID, c.hostAddr
}

// SendMessage writes env to the host.
func (c *Client) SendMessage(env Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Type, err)
	}
	return nil
}

// RequestSnapshot asks the host for its full order list.
func (c *Client) RequestSnapshot() error {
	return c.SendMessage(Envelope{Type: TypeSnapshotRequest})
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for ctx.Err() == nil {
		if err := c.state.set(StateDiscovering); err != nil {
			c.logger.Printf("Warning: %v", err)
		}

		target, err := c.findHost(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Printf("Warning: discovery failed: %v", err)
				c.pause(ctx)
			}
			continue
		}

		if err := c.state.set(StateConnecting); err != nil {
			c.logger.Printf("Warning: %v", err)
		}
		if err := c.session(ctx, target); err != nil && ctx.Err() == nil {
			c.logger.Printf("Connection to %s ended: %v", target.Addr, err)
		}
		if err := c.state.set(StateDisconnected); err != nil {
			c.logger.Printf("Warning: %v", err)
		}
		c.pause(ctx)
	}
}

func (c *Client) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.cfg.RetryDelay):
	}
}

// findHost returns the configured host or waits for the first compatible beacon.
// The beacon socket is closed before returning, so discovery is off while connected.
func (c *Client) findHost(ctx context.Context) (Beacon, error) {
	if c.cfg.HostAddr != "" {
		return Beacon{ServiceID: c.cfg.ServiceID, Addr: c.cfg.HostAddr, Version: c.cfg.ProtocolVersion}, nil
	}

	d, err := listenBeacons(ctx, c.cfg.DiscoveryAddr, c.cfg.ServiceID, canonicalVersion(c.cfg.ProtocolVersion), c.logger)
	if err != nil {
		return Beacon{}, err
	}
	defer d.close()

	b, err := d.next(ctx)
	if err != nil {
		return Beacon{}, err
	}
	c.logger.Printf("Discovered host %s at %s", b.PeerID, b.Addr)
	return b, nil
}

// session dials the host and reads until the connection drops.
func (c *Client) session(ctx context.Context, target Beacon) error {
	u := url.URL{
		Scheme: "ws",
		Host:   target.Addr,
		Path:   Path,
		RawQuery: url.Values{
			"peer":    {c.cfg.PeerID},
			"version": {canonicalVersion(c.cfg.ProtocolVersion)},
		}.Encode(),
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", target.Addr, err)
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	c.conn = conn
	c.hostID = target.PeerID
	c.hostAddr = target.Addr
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.hostID = ""
		c.hostAddr = ""
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	if err := c.state.set(StateConnected); err != nil {
		c.logger.Printf("Warning: %v", err)
	}
	c.logger.Printf("Connected to host at %s", target.Addr)

	if err := c.RequestSnapshot(); err != nil {
		c.logger.Printf("Warning: failed to request snapshot: %v", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		env, err := ParseEnvelope(data)
		if err != nil {
			c.logger.Printf("Warning: bad message from host: %v", err)
			continue
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage("", env)
		}
	}
}
