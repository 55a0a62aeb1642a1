package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// Defaults for discovery.
const (
	DefaultServiceID       = "possync"
	DefaultBeaconAddr      = "255.255.255.255:47800"
	DefaultBeaconListen    = ":47800"
	DefaultBeaconInterval  = 2 * time.Second
	DefaultProtocolVersion = "v1.0.0"
)

const maxBeaconSize = 1024

// Beacon is the UDP datagram a host broadcasts to be found.
type Beacon struct {
	ServiceID string `json:"service"`
	PeerID    string `json:"peer"`
	Addr      string `json:"addr"` // host:port of the websocket endpoint
	Version   string `json:"version"`
}

// canonicalVersion adds the "v" prefix semver expects.
func canonicalVersion(v string) string {
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// Compatible reports whether two protocol versions share a major version.
// Invalid versions are never compatible.
func Compatible(local, remote string) bool {
	local, remote = canonicalVersion(local), canonicalVersion(remote)
	if !semver.IsValid(local) || !semver.IsValid(remote) {
		return false
	}
	return semver.Major(local) == semver.Major(remote)
}

// advertise sends b to dst every interval until ctx is done.
func advertise(ctx context.Context, b Beacon, dst string, interval time.Duration, logger *log.Logger) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal beacon: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp4", dst)
	if err != nil {
		return fmt.Errorf("failed to resolve beacon address %s: %w", dst, err)
	}

	lc := net.ListenConfig{Control: broadcastControl}
	conn, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return fmt.Errorf("failed to open beacon socket: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := conn.WriteTo(data, addr); err != nil && ctx.Err() == nil {
			logger.Printf("Warning: failed to send beacon: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// discoverer listens for beacons of one service.
type discoverer struct {
	conn      net.PacketConn
	serviceID string
	version   string
	logger    *log.Logger
}

// listenBeacons opens the beacon socket. Several listeners may share the port.
func listenBeacons(ctx context.Context, addr, serviceID, version string, logger *log.Logger) (*discoverer, error) {
	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for beacons on %s: %w", addr, err)
	}
	return &discoverer{conn: conn, serviceID: serviceID, version: version, logger: logger}, nil
}

// Addr returns the bound address.
func (d *discoverer) Addr() net.Addr {
	return d.conn.LocalAddr()
}

// next blocks until a compatible beacon arrives or ctx is done.
func (d *discoverer) next(ctx context.Context) (Beacon, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = d.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, maxBeaconSize)
	for {
		n, from, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return Beacon{}, ctx.Err()
			}
			return Beacon{}, fmt.Errorf("failed to read beacon: %w", err)
		}

		var b Beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil {
			continue
		}
		if b.ServiceID != d.serviceID {
			continue
		}
		if !Compatible(d.version, b.Version) {
			d.logger.Printf("Ignoring host %s at %s: protocol %s incompatible with %s", b.PeerID, b.Addr, b.Version, d.version)
			continue
		}
		// A host bound to all interfaces advertises ":port"; use the sender's IP.
		if host, port, err := net.SplitHostPort(b.Addr); err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
			if udp, ok := from.(*net.UDPAddr); ok {
				b.Addr = net.JoinHostPort(udp.IP.String(), port)
			}
		}
		return b, nil
	}
}

func (d *discoverer) close() error {
	return d.conn.Close()
}
