package evloop

import (
	"fmt"
	"net"
	"strconv"
)

// parseAddr turns "host:port" into the portable sockaddr backend.go
// defines. It never performs DNS resolution (spec.md §1 lists DNS
// resolution as an external collaborator, out of scope): host must already
// be a literal IPv4 or IPv6 address.
func parseAddr(hostPort string) (sockaddr, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return sockaddr{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return sockaddr{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return sockaddr{}, fmt.Errorf("evloop: invalid literal address %q", host)
	}
	var sa sockaddr
	sa.Port = port
	if ip4 := ip.To4(); ip4 != nil && !is6Literal(host) {
		copy(sa.IP[:], ip4.To16())
		sa.Is6 = false
	} else {
		copy(sa.IP[:], ip.To16())
		sa.Is6 = true
	}
	return sa, nil
}

// is6Literal reports whether the literal text form requires AF_INET6 even
// though the address also has a v4-mapped form (e.g. "::ffff:127.0.0.1").
func is6Literal(host string) bool {
	for i := 0; i < len(host); i++ {
		if host[i] == ':' {
			return true
		}
	}
	return false
}

func (sa sockaddr) String() string {
	ip := net.IP(sa.IP[:])
	if !sa.Is6 {
		ip = ip.To4()
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(sa.Port))
}

func wildcardAddr(is6 bool) sockaddr {
	if is6 {
		return sockaddr{Is6: true}
	}
	return sockaddr{Is6: false}
}
