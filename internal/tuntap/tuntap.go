// Package tuntap provides access to a TAP character device: a byte-oriented
// interface delivering and accepting complete Ethernet frames.
package tuntap

import (
	"github.com/songgao/water"
)

// Device is an open TAP interface. It satisfies netstack.FrameDevice.
type Device struct {
	ifce *water.Interface
	name string
}

// Name returns the kernel interface name (e.g. "tap0").
func (d *Device) Name() string {
	return d.name
}

// ReadFrame reads one complete Ethernet frame into buf.
func (d *Device) ReadFrame(buf []byte) (int, error) {
	return d.ifce.Read(buf)
}

// WriteFrame writes one complete Ethernet frame.
func (d *Device) WriteFrame(frame []byte) error {
	_, err := d.ifce.Write(frame)
	return err
}

func (d *Device) Close() error {
	return d.ifce.Close()
}
