package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
)

const stunTimeout = 5 * time.Second

// DefaultSTUNServers are queried in order until one answers.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

// Prober discovers the device's public address via STUN. Agents include
// the result in health packets so operators can tell NAT trouble from
// gateway trouble when a device goes quiet.
type Prober struct {
	servers []string
}

// NewProber creates a prober. With no servers given, DefaultSTUNServers
// are used.
func NewProber(servers []string) *Prober {
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	return &Prober{servers: servers}
}

// PublicAddr returns the externally visible UDP address, trying each
// configured STUN server in turn.
func (p *Prober) PublicAddr() (*net.UDPAddr, error) {
	var lastErr error
	for _, server := range p.servers {
		addr, err := query(server)
		if err != nil {
			lastErr = err
			continue
		}
		return addr, nil
	}
	return nil, fmt.Errorf("all stun servers failed: %w", lastErr)
}

func query(server string) (*net.UDPAddr, error) {
	conn, err := net.DialTimeout("udp", server, stunTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing stun server %s: %w", server, err)
	}
	defer conn.Close()

	client, err := stun.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("creating stun client: %w", err)
	}
	defer client.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	var addr *net.UDPAddr
	var stunErr error
	err = client.Do(message, func(res stun.Event) {
		if res.Error != nil {
			stunErr = res.Error
			return
		}
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res.Message); err != nil {
			stunErr = err
			return
		}
		addr = &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}
	})
	if err != nil {
		return nil, fmt.Errorf("stun binding request: %w", err)
	}
	if stunErr != nil {
		return nil, fmt.Errorf("stun response: %w", stunErr)
	}
	return addr, nil
}
