// Package filter suppresses the host TCP/IP stack's RST replies to segments
// that belong to our userspace connections. It is only needed on links that
// share the wire with the host stack; a dedicated TUN device does not.
package filter

type Filter interface {
	AddTcpClientFiltering(dstAddr string, dstPort int) error    // blocks RST packets sent out to a server we dialed
	RemoveTcpClientFiltering(dstAddr string, dstPort int) error // removes the client side rule
	AddTcpServerFiltering(srcAddr string, srcPort int) error    // blocks RST packets sent out from a port we listen on
	RemoveTcpServerFiltering(srcAddr string, srcPort int) error // removes the server side rule
	FinishFiltering() error                                     // flushes all rules and stops filtering
}
