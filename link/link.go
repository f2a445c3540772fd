// Package link abstracts the frame carrier underneath the TCP core. A link
// moves whole IPv4 frames; the core neither knows nor cares whether they
// travel through a TUN device or a raw IP socket.
package link

// Link is a bidirectional IPv4 frame carrier.
type Link interface {
	// ReadFrame fills buffer with the next inbound IPv4 frame and returns
	// its length. A return of (0, nil) means a read timeout; callers should
	// check for shutdown and try again.
	ReadFrame(buffer []byte) (int, error)

	// WriteFrame transmits one complete IPv4 frame.
	WriteFrame(frame []byte) error

	// MTU is the largest whole IPv4 frame the link carries.
	MTU() int

	// SharesHostStack reports whether frames on this link also reach the
	// host's own TCP/IP stack, which would answer our segments with RSTs
	// unless filtered.
	SharesHostStack() bool

	Close() error
}
