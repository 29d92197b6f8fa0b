package netboot

import (
	"net"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_PersistAndLoadLease_RoundTrips(t *testing.T) {
	fs := afero.NewMemMapFs()
	lease := &Lease{
		Interface:  "eth0",
		Address:    net.IPv4(10, 0, 0, 5),
		PrefixLen:  24,
		Gateway:    net.IPv4(10, 0, 0, 1),
		DNSServers: []net.IP{net.IPv4(10, 0, 0, 2)},
		DomainName: "example.internal",
	}
	require.NoError(t, PersistLease(fs, "/run/dhcp-lease.json", lease))

	loaded, err := LoadPersistedLease(fs, "/run/dhcp-lease.json")
	require.NoError(t, err)
	assert.Equal(t, lease.Interface, loaded.Interface)
	assert.True(t, lease.Address.Equal(loaded.Address))
	assert.Equal(t, lease.PrefixLen, loaded.PrefixLen)
}

func Test_WriteResolverConfig_WritesNameserversAndHosts(t *testing.T) {
	fs := afero.NewMemMapFs()
	lease := &Lease{
		Address:    net.IPv4(10, 0, 0, 5),
		DNSServers: []net.IP{net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 3)},
		DomainName: "example.internal",
	}
	require.NoError(t, WriteResolverConfig(fs, "/etc/resolv.conf", "/etc/hosts", lease, "instance"))

	resolv, err := afero.ReadFile(fs, "/etc/resolv.conf")
	require.NoError(t, err)
	assert.Contains(t, string(resolv), "nameserver 10.0.0.2")
	assert.Contains(t, string(resolv), "domain example.internal")

	hosts, err := afero.ReadFile(fs, "/etc/hosts")
	require.NoError(t, err)
	assert.Contains(t, string(hosts), "instance")
}

func Test_DHCPMessage_EncodeDecodeRoundTrip(t *testing.T) {
	mac := net.HardwareAddr{0x02, 0x01, 0x02, 0x03, 0x04, 0x05}
	raw := encodeDiscover(0xdeadbeef, mac)

	msg, err := decodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), msg.xid)
	assert.Equal(t, byte(msgDiscover), msg.msgType)
}

func Test_PrefixFromMask(t *testing.T) {
	assert.Equal(t, 24, prefixFromMask(net.IPv4(255, 255, 255, 0)))
	assert.Equal(t, 16, prefixFromMask(net.IPv4(255, 255, 0, 0)))
}

func Test_Negotiate_FailsFastOnUnreachableInterface(t *testing.T) {
	_, err := Negotiate("nonexistent0", net.HardwareAddr{0, 0, 0, 0, 0, 0}, 10*time.Millisecond)
	assert.Error(t, err)
}
