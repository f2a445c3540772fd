//go:build linux

package link

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// RawIPLink carries TCP segments over a raw IPv4 socket with IP_HDRINCL,
// so both directions see complete IPv4 frames. The socket shares the wire
// with the host stack, which will answer our segments with RSTs unless the
// caller filters them.
type RawIPLink struct {
	fd  int
	mtu int
}

func NewRawIPLink(localIP string, mtu int) (*RawIPLink, error) {
	ip := net.ParseIP(localIP).To4()
	if ip == nil {
		return nil, fmt.Errorf("bad local IPv4 address %q", localIP)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("error opening raw socket: %w", err)
	}
	// We build our own IPv4 headers on transmit.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("error setting IP_HDRINCL: %w", err)
	}

	addr := &unix.SockaddrInet4{}
	copy(addr.Addr[:], ip)
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("error binding raw socket to %s: %w", localIP, err)
	}

	tv := unix.Timeval{Sec: 0, Usec: 500000}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("error setting receive timeout: %w", err)
	}

	return &RawIPLink{fd: fd, mtu: mtu}, nil
}

func (r *RawIPLink) ReadFrame(buffer []byte) (int, error) {
	n, _, err := unix.Recvfrom(r.fd, buffer, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func (r *RawIPLink) WriteFrame(frame []byte) error {
	if len(frame) < 20 {
		return fmt.Errorf("frame too short for an IPv4 header")
	}
	// Destination address sits at bytes 16..19 of the IPv4 header.
	addr := &unix.SockaddrInet4{}
	copy(addr.Addr[:], frame[16:20])
	return unix.Sendto(r.fd, frame, 0, addr)
}

func (r *RawIPLink) MTU() int { return r.mtu }

func (r *RawIPLink) SharesHostStack() bool { return true }

func (r *RawIPLink) Close() error {
	return unix.Close(r.fd)
}
