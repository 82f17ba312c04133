package tun

import (
	"fmt"
	"net"
)

// expandRoutes parses CIDR routes. A default route is split into two halves
// so the host's own default route stays in place and remains the fallback.
func expandRoutes(cidrs []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("tun: parse route '%s': %w", c, err)
		}
		ones, bits := ipnet.Mask.Size()
		if ones != 0 {
			out = append(out, ipnet)
			continue
		}

		lower := &net.IPNet{IP: make(net.IP, bits/8), Mask: net.CIDRMask(1, bits)}
		upper := &net.IPNet{IP: make(net.IP, bits/8), Mask: net.CIDRMask(1, bits)}
		upper.IP[0] = 0x80
		out = append(out, lower, upper)
	}
	return out, nil
}
