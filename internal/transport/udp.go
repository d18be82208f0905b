package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

const udpReadBufferSize = 2048

// UDPChannel is the primary device-to-gateway channel: a connected UDP
// socket, one datagram per encoded packet.
type UDPChannel struct {
	conn *net.UDPConn
	addr string
}

// DialUDP connects a UDP socket to the gateway address.
func DialUDP(addr string) (*UDPChannel, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving gateway address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}
	return &UDPChannel{conn: conn, addr: addr}, nil
}

func (c *UDPChannel) Name() string {
	return "udp"
}

// Send writes one datagram. Oversized packets are rejected by the codec
// long before they get here, so a short write is a transport fault.
func (c *UDPChannel) Send(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	n, err := c.conn.Write(data)
	if err != nil {
		return fmt.Errorf("udp send: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("udp send: short write %d of %d bytes", n, len(data))
	}
	return nil
}

// Receive blocks for one datagram, honoring the context deadline.
func (c *UDPChannel) Receive(ctx context.Context) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	buf := make([]byte, udpReadBufferSize)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("udp receive: %w", err)
	}
	return buf[:n], nil
}

func (c *UDPChannel) Close() error {
	return c.conn.Close()
}
