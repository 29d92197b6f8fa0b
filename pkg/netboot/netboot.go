// Package netboot brings up the primary network link during boot, per
// spec.md §4.D. The teacher has no equivalent of this component; it is
// grounded on the original implementation's network.rs (interface
// selection, netlink-based address/route configuration) and dhcp.rs (the
// lease exchange, in dhcp.go), re-expressed using
// github.com/vishvananda/netlink, the rtnetlink binding used elsewhere in
// the example pack (aibor-virtrun).
package netboot

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/vishvananda/netlink"
)

// Lease is the persisted or negotiated outcome of bringing up the primary
// link: an address, a default gateway, and resolver configuration.
type Lease struct {
	Interface    string    `json:"interface"`
	Address      net.IP    `json:"address"`
	PrefixLen    int       `json:"prefix-len"`
	Gateway      net.IP    `json:"gateway"`
	DNSServers   []net.IP  `json:"dns-servers"`
	DomainName   string    `json:"domain-name,omitempty"`
	SearchList   []string  `json:"search-list,omitempty"`
	LeaseExpiry  time.Time `json:"lease-expiry"`
}

// SelectPrimary returns the name of the link whose hardware address
// matches mac (as reported by the metadata service's network-interfaces
// accessor).
func SelectPrimary(mac string) (string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return "", fmt.Errorf("unable to list network interfaces: %w", err)
	}
	for _, link := range links {
		if link.Attrs().HardwareAddr.String() == mac {
			return link.Attrs().Name, nil
		}
	}
	return "", fmt.Errorf("no interface found with MAC address %s", mac)
}

// Apply brings the named link up and assigns the lease's address and
// default route. Resolver files are written separately by
// WriteResolverConfig.
func Apply(linkName string, lease *Lease) error {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return fmt.Errorf("unable to find link %s: %w", linkName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("unable to set link %s up: %w", linkName, err)
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   lease.Address,
		Mask: net.CIDRMask(lease.PrefixLen, 32),
	}}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("unable to add address %s to link %s: %w", lease.Address, linkName, err)
	}

	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       nil,
		Gw:        lease.Gateway,
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("unable to add default route via %s: %w", lease.Gateway, err)
	}
	return nil
}

// WriteResolverConfig atomically rewrites resolv.conf and hosts, per
// spec.md §4.D's "rewritten atomically" requirement.
func WriteResolverConfig(fs afero.Fs, resolvConfPath, hostsPath string, lease *Lease, hostname string) error {
	var resolv string
	if lease.DomainName != "" {
		resolv += fmt.Sprintf("domain %s\n", lease.DomainName)
	}
	if len(lease.SearchList) > 0 {
		resolv += "search"
		for _, s := range lease.SearchList {
			resolv += " " + s
		}
		resolv += "\n"
	}
	for _, ns := range lease.DNSServers {
		resolv += fmt.Sprintf("nameserver %s\n", ns)
	}
	if err := atomicWrite(fs, resolvConfPath, []byte(resolv), 0644); err != nil {
		return fmt.Errorf("unable to write %s: %w", resolvConfPath, err)
	}

	hosts := fmt.Sprintf("127.0.0.1\tlocalhost\n%s\t%s\n", lease.Address, hostname)
	if err := atomicWrite(fs, hostsPath, []byte(hosts), 0644); err != nil {
		return fmt.Errorf("unable to write %s: %w", hostsPath, err)
	}
	return nil
}

func atomicWrite(fs afero.Fs, path string, content []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, content, mode); err != nil {
		return err
	}
	return fs.Rename(tmp, path)
}

// LoadPersistedLease reads a previously-written lease file. Its presence
// means DHCP is skipped entirely, per spec.md §4.D ("used in tests").
func LoadPersistedLease(fs afero.Fs, path string) (*Lease, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	var lease Lease
	if err := json.Unmarshal(raw, &lease); err != nil {
		return nil, fmt.Errorf("unable to parse persisted lease %s: %w", path, err)
	}
	return &lease, nil
}

// PersistLease writes out the negotiated lease so a later boot in test
// mode can replay it verbatim.
func PersistLease(fs afero.Fs, path string, lease *Lease) error {
	raw, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("unable to marshal lease: %w", err)
	}
	return atomicWrite(fs, path, raw, 0644)
}
