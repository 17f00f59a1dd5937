//go:build linux

package tuntap

import (
	"fmt"
	"net"

	"github.com/songgao/water"
	"golang.org/x/sys/unix"
)

// Open creates (or attaches to) the named TAP device.
func Open(name string) (*Device, error) {
	ifce, err := water.New(water.Config{
		DeviceType: water.TAP,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open tap %q: %w", name, err)
	}
	return &Device{ifce: ifce, name: ifce.Name()}, nil
}

// ConfigureHostAddress assigns ip/prefixLen to the host side of the TAP
// interface and brings it up. This is the address the kernel talks from;
// the user-space stack claims its own address on the same subnet.
func (d *Device) ConfigureHostAddress(ip net.IP, prefixLen int) error {
	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("address %v is not ipv4", ip)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("config socket: %w", err)
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(d.name)
	if err != nil {
		return fmt.Errorf("ifreq %q: %w", d.name, err)
	}
	if err := ifr.SetInet4Addr(ip4); err != nil {
		return err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFADDR, ifr); err != nil {
		return fmt.Errorf("set address: %w", err)
	}

	mask := net.CIDRMask(prefixLen, 32)
	ifrMask, err := unix.NewIfreq(d.name)
	if err != nil {
		return err
	}
	if err := ifrMask.SetInet4Addr(mask); err != nil {
		return err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFNETMASK, ifrMask); err != nil {
		return fmt.Errorf("set netmask: %w", err)
	}

	ifrFlags, err := unix.NewIfreq(d.name)
	if err != nil {
		return err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifrFlags); err != nil {
		return fmt.Errorf("get flags: %w", err)
	}
	ifrFlags.SetUint16(ifrFlags.Uint16() | unix.IFF_UP | unix.IFF_RUNNING)
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifrFlags); err != nil {
		return fmt.Errorf("set flags: %w", err)
	}
	return nil
}
