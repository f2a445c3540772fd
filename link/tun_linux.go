//go:build linux

package link

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// tunPIHeaderLength is the packet information preamble the kernel prepends
// to every frame on a TUN device opened without IFF_NO_PI: two flag bytes
// followed by the EtherType.
const tunPIHeaderLength = 4

const etherTypeIPv4 = 0x0800

const readPollTimeoutMs = 500

// TunLink carries IPv4 frames over a Linux TUN device. The device is a
// private wire, so nothing here reaches the host stack and no RST
// filtering is required.
type TunLink struct {
	fd   int
	name string
	mtu  int
}

// NewTunLink opens the named TUN device, creating it if absent. The
// interface still needs an address and to be brought up, typically with
// ip(8), before traffic flows.
func NewTunLink(name string, mtu int) (*TunLink, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("error opening /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bad interface name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TUN)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("error attaching to TUN device %s: %w", name, err)
	}

	return &TunLink{fd: fd, name: ifr.Name(), mtu: mtu}, nil
}

func (t *TunLink) Name() string { return t.name }

func (t *TunLink) ReadFrame(buffer []byte) (int, error) {
	// Poll with a timeout so the read loop can notice shutdown.
	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, readPollTimeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	scratch := make([]byte, tunPIHeaderLength+len(buffer))
	n, err = unix.Read(t.fd, scratch)
	if err != nil {
		return 0, err
	}
	if n <= tunPIHeaderLength {
		return 0, nil
	}
	// Bytes 2 and 3 of the preamble carry the EtherType; skip anything
	// that is not IPv4 (the kernel sends IPv6 router solicitations etc).
	etherType := uint16(scratch[2])<<8 | uint16(scratch[3])
	if etherType != etherTypeIPv4 {
		return 0, nil
	}
	copied := copy(buffer, scratch[tunPIHeaderLength:n])
	return copied, nil
}

func (t *TunLink) WriteFrame(frame []byte) error {
	out := make([]byte, tunPIHeaderLength+len(frame))
	out[2] = byte(etherTypeIPv4 >> 8)
	out[3] = byte(etherTypeIPv4 & 0xff)
	copy(out[tunPIHeaderLength:], frame)
	_, err := unix.Write(t.fd, out)
	return err
}

func (t *TunLink) MTU() int { return t.mtu }

func (t *TunLink) SharesHostStack() bool { return false }

func (t *TunLink) Close() error {
	return unix.Close(t.fd)
}
