//go:build !linux

package tuntap

import (
	"errors"
	"net"
)

var errUnsupported = errors.New("tuntap: only supported on linux")

func Open(name string) (*Device, error) {
	return nil, errUnsupported
}

func (d *Device) ConfigureHostAddress(ip net.IP, prefixLen int) error {
	return errUnsupported
}
