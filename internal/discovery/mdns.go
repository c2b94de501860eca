// Package discovery advertises relays on the local network over mDNS and
// lets tools find them.
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/betamos/zeroconf"
)

const (
	ServiceType = "_noticerelay._tcp"
	Domain      = "local."
)

// Relay is a relay found on the local network.
type Relay struct {
	Name string
	Addr string // host:port, IPv4 preferred
	Port int
	Text []string
}

// URL returns the WebSocket URL of the relay.
func (r Relay) URL() string {
	return "ws://" + r.Addr + "/"
}

// Advertiser publishes this relay until closed.
type Advertiser struct {
	client *zeroconf.Client
}

// Advertise publishes a relay instance called name listening on port.
func Advertise(name string, port int, text ...string) (*Advertiser, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", port)
	}

	self := zeroconf.NewService(zeroconf.NewType(ServiceType), name, uint16(port))
	self.Text = text

	client, err := zeroconf.New().Publish(self).Open()
	if err != nil {
		return nil, fmt.Errorf("discovery: zeroconf: %w", err)
	}
	return &Advertiser{client: client}, nil
}

// Close stops advertising.
func (a *Advertiser) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// Browse reports relays as they appear until ctx is done.
func Browse(ctx context.Context, onRelay func(Relay)) error {
	client, err := zeroconf.New().
		Browse(func(e zeroconf.Event) {
			if e.Op != zeroconf.OpAdded {
				return
			}
			if r, ok := relayFromService(e.Service); ok && onRelay != nil {
				onRelay(r)
			}
		}, zeroconf.NewType(ServiceType)).
		Open()
	if err != nil {
		return fmt.Errorf("discovery: zeroconf: %w", err)
	}

	<-ctx.Done()
	return client.Close()
}

func relayFromService(s *zeroconf.Service) (Relay, bool) {
	if s == nil {
		return Relay{}, false
	}
	addr, ok := pickAddr(s.Addrs)
	if !ok {
		return Relay{}, false
	}
	return Relay{
		Name: s.Name,
		Addr: net.JoinHostPort(addr.String(), strconv.Itoa(int(s.Port))),
		Port: int(s.Port),
		Text: s.Text,
	}, true
}

// pickAddr returns the first valid IPv4 address, or the first valid address
// of any family if there is no IPv4 one.
func pickAddr(addrs []netip.Addr) (netip.Addr, bool) {
	var fallback netip.Addr
	for _, a := range addrs {
		if !a.IsValid() {
			continue
		}
		if a.Is4() || a.Is4In6() {
			return a.Unmap(), true
		}
		if !fallback.IsValid() {
			fallback = a
		}
	}
	return fallback, fallback.IsValid()
}
