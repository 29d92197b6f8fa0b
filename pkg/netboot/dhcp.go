package netboot

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// DHCPv4 message op codes and ports, per RFC 2131. No example repo in the
// pack carries a DHCP client library (the original implementation used
// Rust's dhcproto crate); this is a hand-rolled, justified stdlib/syscall
// implementation of the minimal discover/request/ack exchange spec.md
// §4.D needs.
const (
	opBootRequest = 1
	opBootReply   = 2
	htypeEthernet = 1
	hlenEthernet  = 6
	magicCookie   = 0x63825363

	optPad          = 0
	optSubnetMask   = 1
	optRouter       = 3
	optDNS          = 6
	optDomainName   = 15
	optRequestedIP  = 50
	optLeaseTime    = 51
	optMessageType  = 53
	optServerID     = 54
	optParamRequest = 55
	optEnd          = 255

	msgDiscover = 1
	msgOffer    = 2
	msgRequest  = 3
	msgAck      = 5
	msgNak      = 6

	clientPort = 68
	serverPort = 67
)

type dhcpMessage struct {
	xid       uint32
	yourIP    net.IP
	mac       net.HardwareAddr
	msgType   byte
	serverID  net.IP
	subnet    net.IP
	router    net.IP
	dns       []net.IP
	domain    string
	leaseTime time.Duration
}

func encodeDiscover(xid uint32, mac net.HardwareAddr) []byte {
	return encodeMessage(xid, mac, msgDiscover, nil, nil)
}

func encodeRequest(xid uint32, mac net.HardwareAddr, requestedIP, serverID net.IP) []byte {
	return encodeMessage(xid, mac, msgRequest, requestedIP, serverID)
}

func encodeMessage(xid uint32, mac net.HardwareAddr, msgType byte, requestedIP, serverID net.IP) []byte {
	buf := make([]byte, 240)
	buf[0] = opBootRequest
	buf[1] = htypeEthernet
	buf[2] = hlenEthernet
	binary.BigEndian.PutUint32(buf[4:8], xid)
	buf[10] = 0x80 // broadcast flag
	copy(buf[28:34], mac)
	binary.BigEndian.PutUint32(buf[236:240], magicCookie)

	buf = appendOption(buf, optMessageType, []byte{msgType})
	if requestedIP != nil {
		buf = appendOption(buf, optRequestedIP, requestedIP.To4())
	}
	if serverID != nil {
		buf = appendOption(buf, optServerID, serverID.To4())
	}
	buf = appendOption(buf, optParamRequest,
		[]byte{optSubnetMask, optRouter, optDNS, optDomainName})
	buf = append(buf, optEnd)
	return buf
}

func appendOption(buf []byte, code byte, value []byte) []byte {
	buf = append(buf, code, byte(len(value)))
	return append(buf, value...)
}

func decodeMessage(buf []byte) (*dhcpMessage, error) {
	if len(buf) < 240 {
		return nil, fmt.Errorf("dhcp message too short: %d bytes", len(buf))
	}
	if binary.BigEndian.Uint32(buf[236:240]) != magicCookie {
		return nil, fmt.Errorf("dhcp message missing magic cookie")
	}
	msg := &dhcpMessage{
		xid:    binary.BigEndian.Uint32(buf[4:8]),
		yourIP: net.IP(buf[16:20]),
	}

	opts := buf[240:]
	for len(opts) > 0 {
		code := opts[0]
		if code == optEnd || code == optPad {
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 {
			break
		}
		length := int(opts[1])
		if len(opts) < 2+length {
			break
		}
		value := opts[2 : 2+length]
		switch code {
		case optMessageType:
			if length == 1 {
				msg.msgType = value[0]
			}
		case optServerID:
			msg.serverID = net.IP(value)
		case optSubnetMask:
			msg.subnet = net.IP(value)
		case optRouter:
			if length >= 4 {
				msg.router = net.IP(value[0:4])
			}
		case optDNS:
			for i := 0; i+4 <= length; i += 4 {
				msg.dns = append(msg.dns, net.IP(value[i:i+4]))
			}
		case optDomainName:
			msg.domain = string(value)
		case optLeaseTime:
			if length == 4 {
				msg.leaseTime = time.Duration(binary.BigEndian.Uint32(value)) * time.Second
			}
		}
		opts = opts[2+length:]
	}
	return msg, nil
}

func prefixFromMask(mask net.IP) int {
	m := mask.To4()
	if m == nil {
		return 32
	}
	ones, _ := net.IPv4Mask(m[0], m[1], m[2], m[3]).Size()
	return ones
}

// dhcpSocket is a UDP socket bound to a specific interface via
// SO_BINDTODEVICE, broadcast-enabled, matching the original implementation's
// socket2-based setup in dhcp.rs.
type dhcpSocket struct {
	fd int
}

func newDHCPSocket(ifaceName string) (*dhcpSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("unable to create dhcp socket: %w", err)
	}
	if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifaceName); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("unable to bind dhcp socket to %s: %w", ifaceName, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("unable to enable broadcast on dhcp socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("unable to set reuseaddr on dhcp socket: %w", err)
	}
	addr := unix.SockaddrInet4{Port: clientPort}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("unable to bind dhcp socket to port %d: %w", clientPort, err)
	}
	tv := unix.NsecToTimeval((3 * time.Second).Nanoseconds())
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	return &dhcpSocket{fd: fd}, nil
}

func (s *dhcpSocket) close() error { return unix.Close(s.fd) }

func (s *dhcpSocket) sendBroadcast(payload []byte) error {
	addr := unix.SockaddrInet4{Port: serverPort, Addr: [4]byte{255, 255, 255, 255}}
	return unix.Sendto(s.fd, payload, 0, &addr)
}

func (s *dhcpSocket) recv() ([]byte, error) {
	buf := make([]byte, 1500)
	n, _, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Negotiate runs the DHCPDISCOVER/OFFER/REQUEST/ACK exchange on iface and
// returns the resulting lease, retrying with backoff up to timeout.
func Negotiate(iface string, mac net.HardwareAddr, timeout time.Duration) (*Lease, error) {
	deadline := time.Now().Add(timeout)
	backoff := 500 * time.Millisecond
	const backoffCap = 5 * time.Second

	var lastErr error
	for time.Now().Before(deadline) {
		lease, err := attemptExchange(iface, mac)
		if err == nil {
			return lease, nil
		}
		lastErr = err
		time.Sleep(backoff)
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
	return nil, fmt.Errorf("dhcp negotiation on %s timed out after %s: %w", iface, timeout, lastErr)
}

func attemptExchange(iface string, mac net.HardwareAddr) (*Lease, error) {
	sock, err := newDHCPSocket(iface)
	if err != nil {
		return nil, err
	}
	defer sock.close()

	xid := rand.Uint32()

	if err := sock.sendBroadcast(encodeDiscover(xid, mac)); err != nil {
		return nil, fmt.Errorf("unable to send dhcpdiscover: %w", err)
	}
	offer, err := waitFor(sock, xid, msgOffer)
	if err != nil {
		return nil, fmt.Errorf("unable to receive dhcpoffer: %w", err)
	}

	if err := sock.sendBroadcast(encodeRequest(xid, mac, offer.yourIP, offer.serverID)); err != nil {
		return nil, fmt.Errorf("unable to send dhcprequest: %w", err)
	}
	ack, err := waitFor(sock, xid, msgAck)
	if err != nil {
		return nil, fmt.Errorf("unable to receive dhcpack: %w", err)
	}

	lease := &Lease{
		Interface:   iface,
		Address:     ack.yourIP,
		PrefixLen:   prefixFromMask(ack.subnet),
		Gateway:     ack.router,
		DNSServers:  ack.dns,
		DomainName:  ack.domain,
		LeaseExpiry: time.Now().Add(ack.leaseTime),
	}
	return lease, nil
}

func waitFor(sock *dhcpSocket, xid uint32, wantType byte) (*dhcpMessage, error) {
	for {
		raw, err := sock.recv()
		if err != nil {
			return nil, err
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		if msg.xid != xid {
			continue
		}
		if msg.msgType == msgNak {
			return nil, fmt.Errorf("dhcp server returned NAK")
		}
		if msg.msgType != wantType {
			continue
		}
		return msg, nil
	}
}
