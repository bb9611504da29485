package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address is a host/port pair suitable for an outbound connection.
// Host may be an IPv4 literal, an IPv6 literal or a hostname.
type Address struct {
	Host string
	Port uint16
}

// ParseAddress parses "host:port" into an Address.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	if host == "" {
		return Address{}, fmt.Errorf("invalid address %q: empty host", s)
	}
	return Address{Host: host, Port: uint16(port)}, nil
}

// ParseAddresses parses a list of "host:port" strings.
func ParseAddresses(in []string) ([]Address, error) {
	addrs := make([]Address, 0, len(in))
	for _, s := range in {
		addr, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// IsZero reports whether the address is the empty value.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// NodeAddress is the ordered list of addresses a single node is reachable on.
// Dialers try the addresses in order and use the first that connects.
type NodeAddress []Address

func (n NodeAddress) String() string {
	parts := make([]string, len(n))
	for i, a := range n {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}

// Overlaps reports whether the two node addresses share at least one address.
// Two advertisements that overlap are assumed to belong to the same node.
func (n NodeAddress) Overlaps(other NodeAddress) bool {
	for _, a := range n {
		for _, b := range other {
			if a == b {
				return true
			}
		}
	}
	return false
}

// LocalNode builds the NodeAddress for this process: every address on an
// active interface that is neither loopback nor link-local, plus loopback as
// a fallback, all on the given port.
func LocalNode(port uint16) (NodeAddress, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var node NodeAddress
	for _, iface := range ifaces {
		if (iface.Flags&net.FlagUp) == 0 || (iface.Flags&net.FlagLoopback) != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			node = append(node, Address{Host: ip.String(), Port: port})
		}
	}

	// Loopback last so remote peers try the routable addresses first.
	node = append(node, Address{Host: "127.0.0.1", Port: port})

	if len(node) == 0 {
		return nil, errors.New("no usable local addresses")
	}
	return node, nil
}
