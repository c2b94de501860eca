package discovery

import (
	"net/netip"
	"testing"

	"github.com/betamos/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestPickAddr(t *testing.T) {
	tests := []struct {
		name  string
		addrs []netip.Addr
		want  string
		ok    bool
	}{
		{"none", nil, "", false},
		{"ipv4 preferred", []netip.Addr{netip.MustParseAddr("fe80::1"), netip.MustParseAddr("192.168.1.5")}, "192.168.1.5", true},
		{"mapped ipv4", []netip.Addr{netip.MustParseAddr("::ffff:10.0.0.7")}, "10.0.0.7", true},
		{"ipv6 fallback", []netip.Addr{{}, netip.MustParseAddr("fe80::2")}, "fe80::2", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := pickAddr(tt.addrs)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got.String())
			}
		})
	}
}

func TestRelayFromService(t *testing.T) {
	svc := zeroconf.NewService(zeroconf.NewType(ServiceType), "relay-a", 4040)
	svc.Addrs = []netip.Addr{netip.MustParseAddr("fe80::1"), netip.MustParseAddr("192.168.1.5")}

	r, ok := relayFromService(svc)
	assert.True(t, ok)
	assert.Equal(t, "relay-a", r.Name)
	assert.Equal(t, "192.168.1.5:4040", r.Addr)
	assert.Equal(t, 4040, r.Port)
	assert.Equal(t, "ws://192.168.1.5:4040/", r.URL())

	svc.Addrs = nil
	_, ok = relayFromService(svc)
	assert.False(t, ok)

	_, ok = relayFromService(nil)
	assert.False(t, ok)
}

func TestAdvertiseRejectsBadPort(t *testing.T) {
	_, err := Advertise("relay", 0)
	assert.Error(t, err)
	_, err = Advertise("relay", 70000)
	assert.Error(t, err)
}
