package p2p

import (
	"context"
	"errors"
	"sync"
)

// ErrRoleConflict is returned when a device tries to take a second role.
var ErrRoleConflict = errors.New("device already has a p2p role")

// Role is the P2P role of a device.
type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	default:
		return "none"
	}
}

// Node enforces that a device is a host or a client, never both.
type Node struct {
	mu     sync.Mutex
	host   *Host
	client *Client
}

// StartHost starts hosting. It fails with ErrRoleConflict if a role is active.
func (n *Node) StartHost(ctx context.Context, cfg HostConfig) (*Host, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.host != nil || n.client != nil {
		return nil, ErrRoleConflict
	}

	h := NewHost(cfg)
	if err := h.Start(ctx); err != nil {
		return nil, err
	}
	n.host = h
	return h, nil
}

// StartClient starts discovery. It fails with ErrRoleConflict if a role is active.
func (n *Node) StartClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.host != nil || n.client != nil {
		return nil, ErrRoleConflict
	}

	c := NewClient(cfg)
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	n.client = c
	return c, nil
}

// Stop ends the active role, if any. The node may then take either role.
func (n *Node) Stop() error {
	n.mu.Lock()
	host, client := n.host, n.client
	n.host, n.client = nil, nil
	n.mu.Unlock()

	if host != nil {
		return host.Stop()
	}
	if client != nil {
		return client.Stop()
	}
	return nil
}

// Role returns the active role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case n.host != nil:
		return RoleHost
	case n.client != nil:
		return RoleClient
	default:
		return RoleNone
	}
}

// Hosting reports whether the device is currently a running host.
func (n *Node) Hosting() bool {
	n.mu.Lock()
	h := n.host
	n.mu.Unlock()
	return h != nil && h.Hosting()
}

// SendMessage fans env out to peers when hosting, or sends it to the host
// when a client. With no role it is a silent no-op.
func (n *Node) SendMessage(env Envelope) error {
	n.mu.Lock()
	host, client := n.host, n.client
	n.mu.Unlock()

	switch {
	case host != nil:
		return host.SendMessage(env)
	case client != nil:
		return client.SendMessage(env)
	default:
		return nil
	}
}
