package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/ipv4"
)

// Opener creates the socket the engine reads and writes datagrams on
type Opener func(ctx context.Context, group *net.UDPAddr) (net.PacketConn, error)

// multicastConn leaves the group when closed
type multicastConn struct {
	net.PacketConn
	pc     *ipv4.PacketConn
	group  *net.UDPAddr
	joined []*net.Interface
}

func (c *multicastConn) Close() error {
	for _, ifi := range c.joined {
		_ = c.pc.LeaveGroup(ifi, c.group)
	}
	return c.PacketConn.Close()
}

// OpenMulticast binds the group port on all interfaces, joins the group on
// every multicast-capable interface, and sets TTL 1 with loopback enabled
// so other processes on this host see our frames.
func OpenMulticast(ctx context.Context, group *net.UDPAddr) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(group.Port)))
	if err != nil {
		return nil, fmt.Errorf("bind udp %d: %w", group.Port, err)
	}
	pc := ipv4.NewPacketConn(conn)

	mc := &multicastConn{PacketConn: conn, pc: pc, group: group}
	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(ifi, group); err == nil {
			mc.joined = append(mc.joined, ifi)
		}
	}
	if len(mc.joined) == 0 {
		// let the kernel pick the default interface
		if err := pc.JoinGroup(nil, group); err != nil {
			conn.Close()
			return nil, fmt.Errorf("join %s: %w", group, err)
		}
		mc.joined = append(mc.joined, nil)
	}

	if err := pc.SetMulticastTTL(1); err != nil {
		mc.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		mc.Close()
		return nil, fmt.Errorf("set multicast loopback: %w", err)
	}
	return mc, nil
}

// LocalIPv4 returns the first non-loopback IPv4 address of an up interface
func LocalIPv4() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipn.IP.To4(); ip4 != nil && !ip4.IsLoopback() && !ip4.IsLinkLocalUnicast() {
				return ip4, nil
			}
		}
	}
	return nil, errNoIPv4
}

var errNoIPv4 = errors.New("no non-loopback IPv4 address")

// NetworkReady reports whether the host has a usable LAN address
func NetworkReady() bool {
	_, err := LocalIPv4()
	return err == nil
}
