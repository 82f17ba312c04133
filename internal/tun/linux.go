//go:build linux

package tun

import (
	"fmt"
	"io"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"

	"tunsocks_go/internal/shared/logger"
	"tunsocks_go/internal/shared/types"
)

// LinuxProvider creates a TUN device and configures its address, MTU and routes
// through netlink. Requires CAP_NET_ADMIN.
type LinuxProvider struct{}

func (LinuxProvider) Establish(spec types.TunSpec) (io.ReadWriteCloser, error) {
	ifce, err := water.New(water.Config{
		DeviceType:             water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{Name: spec.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("tun: create device '%s': %w", spec.Name, err)
	}

	if err := configureLink(ifce.Name(), spec); err != nil {
		ifce.Close()
		return nil, err
	}

	if len(spec.DNS) > 0 || len(spec.AllowedApps) > 0 {
		logger.Debug().Strs("dns", spec.DNS).Strs("allowed_apps", spec.AllowedApps).
			Msg("TUN: dns and allowed_apps are not applied on linux")
	}
	logger.Info().Str("name", ifce.Name()).Str("address", spec.Address).Strs("routes", spec.Routes).
		Int("mtu", spec.MTU).Msg("TUN: device is up")
	return ifce, nil
}

func configureLink(name string, spec types.TunSpec) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("tun: link '%s' not found: %w", name, err)
	}
	if spec.MTU > 0 {
		if err := netlink.LinkSetMTU(link, spec.MTU); err != nil {
			return fmt.Errorf("tun: set mtu: %w", err)
		}
	}

	addr, err := netlink.ParseAddr(spec.Address)
	if err != nil {
		return fmt.Errorf("tun: parse address '%s': %w", spec.Address, err)
	}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("tun: set address: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("tun: link up: %w", err)
	}

	routes, err := expandRoutes(spec.Routes)
	if err != nil {
		return err
	}
	for _, dst := range routes {
		rt := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst}
		if err := netlink.RouteReplace(rt); err != nil {
			return fmt.Errorf("tun: add route %s: %w", dst, err)
		}
	}
	return nil
}
