package lib

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the RFC 793 connection state. All states share the same
// Connection record; the send/receive sequence spaces stay valid across
// every transition.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN-SENT"
	case StateSynReceived:
		return "SYN-RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST-ACK"
	case StateTimeWait:
		return "TIME-WAIT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrReset reports that the peer aborted the connection with RST. The
	// connection table purges the entry when it sees this.
	ErrReset = errors.New("connection reset by peer")
	// ErrClosed reports an operation on a connection past its useful life.
	ErrClosed = errors.New("connection is closed")
)

// SendSequenceSpace tracks the RFC 793 send-side variables.
type SendSequenceSpace struct {
	una uint32 // oldest unacknowledged sequence number
	nxt uint32 // next sequence number to send
	wnd uint16 // peer's advertised receive window
	up  bool   // urgent flag
	wl1 uint32 // seq number of the segment used for the last window update
	wl2 uint32 // ack number of the segment used for the last window update
	iss uint32 // initial send sequence number
}

// RecvSequenceSpace tracks the RFC 793 receive-side variables.
type RecvSequenceSpace struct {
	nxt uint32 // next expected sequence number
	wnd uint16 // our advertised receive window
	up  bool   // urgent flag
	irs uint32 // initial receive sequence number, from the peer's SYN
}

// connectionParams fixes the identity and plumbing of a connection for its
// whole life: the quad, the shared output channels, and the owning table.
type connectionParams struct {
	key                   string
	localAddr, remoteAddr net.IP
	localPort, remotePort uint16
	outputChan            chan *TcpPacket // shared channel for data segments
	sigOutputChan         chan *TcpPacket // shared channel for control segments, sent with priority
	table                 *ConnectionTable
}

// ConnectionConfig carries the per-connection tunables.
type ConnectionConfig struct {
	WindowSize   uint16        // receive window to advertise
	PreferredMSS int           // maximum payload bytes per outgoing segment
	MSL          time.Duration // maximum segment lifetime; TIME-WAIT lasts twice this
	DialTimeout  time.Duration // how long an active open waits for establishment
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		WindowSize:   65535,
		PreferredMSS: 1440,
		MSL:          30 * time.Second,
		DialTimeout:  10 * time.Second,
	}
}

// Connection is one TCP session. It is created by passive open (accept) or
// active open (dial) and mutated through onSegment, one call per inbound
// segment, plus the application-facing Close/Read/Write entry points.
type Connection struct {
	params *connectionParams
	config *ConnectionConfig

	mu    sync.Mutex
	state State
	snd   SendSequenceSpace
	rcv   RecvSequenceSpace

	sndWndCond *sync.Cond // signaled when snd.una or snd.wnd moves, or the state dies

	finSent bool   // a FIN of ours is in flight or acknowledged
	finSeq  uint32 // sequence number our FIN occupies

	readChannel   chan []byte   // accepted payload, in order
	readCloseOnce sync.Once     // guards closing readChannel
	pendingData   []byte        // remainder of a partially consumed delivery
	established   chan struct{} // closed on entering ESTABLISHED
	estabOnce     sync.Once
	done          chan struct{} // closed on entering CLOSED
	doneOnce      sync.Once
	resetSeen     bool // peer aborted; readers get ErrReset instead of EOF

	timeWaitTimer *time.Timer // 2*MSL timer, armed on entering TIME-WAIT

	listener *Listener // set for passively opened connections

	logger *logrus.Entry
}

const readChannelDepth = 256

func newConnection(params *connectionParams, config *ConnectionConfig) (*Connection, error) {
	iss, err := GenerateISN()
	if err != nil {
		return nil, fmt.Errorf("generating ISS: %w", err)
	}

	conn := &Connection{
		params:      params,
		config:      config,
		state:       StateClosed,
		readChannel: make(chan []byte, readChannelDepth),
		established: make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger.WithField("conn", params.key),
	}
	conn.sndWndCond = sync.NewCond(&conn.mu)
	conn.snd.iss = iss
	conn.snd.una = iss
	conn.snd.nxt = iss
	conn.rcv.wnd = config.WindowSize
	return conn, nil
}

// acceptConnection performs a passive open for a bare SYN (SYN set, ACK
// clear). The caller has already checked the flags and that no table entry
// exists for the quad. The SYN+ACK goes out before the function returns.
func acceptConnection(params *connectionParams, config *ConnectionConfig, syn *TcpPacket) (*Connection, error) {
	conn, err := newConnection(params, config)
	if err != nil {
		return nil, err
	}

	conn.rcv.irs = syn.SequenceNumber
	conn.rcv.nxt = SeqIncrement(syn.SequenceNumber)
	conn.snd.wnd = syn.WindowSize
	conn.snd.wl1 = syn.SequenceNumber
	conn.snd.wl2 = 0
	conn.state = StateSynReceived

	conn.logger.WithFields(logrus.Fields{
		"irs": conn.rcv.irs,
		"iss": conn.snd.iss,
	}).Debug("passive open: SYN received, sending SYN+ACK")

	conn.sendSynAck()
	return conn, nil
}

// dial starts an active open: emits SYN and moves to SYN-SENT. The caller
// waits on WaitEstablished.
func (c *Connection) dial() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateSynSent
	packet := NewTcpPacket(c.snd.nxt, 0, SYNFlag, nil, c)
	c.snd.nxt = SeqIncrement(c.snd.nxt) // SYN consumes one sequence number
	c.logger.WithField("iss", c.snd.iss).Debug("active open: sending SYN")
	c.params.sigOutputChan <- packet
}

// WaitEstablished blocks until the three-way handshake completes, the
// connection dies first, or the timeout elapses.
func (c *Connection) WaitEstablished(timeout time.Duration) error {
	select {
	case <-c.established:
		return nil
	case <-c.done:
		if c.resetSeen {
			return fmt.Errorf("connection %s: %w during handshake", c.params.key, ErrReset)
		}
		return fmt.Errorf("connection %s: closed during handshake", c.params.key)
	case <-time.After(timeout):
		return fmt.Errorf("connection %s: handshake timed out after %s", c.params.key, timeout)
	}
}

// State returns the current FSM state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) LocalAddr() string {
	return fmt.Sprintf("%s:%d", c.params.localAddr, c.params.localPort)
}

func (c *Connection) RemoteAddr() string {
	return fmt.Sprintf("%s:%d", c.params.remoteAddr, c.params.remotePort)
}

// onSegment is the single transition function: one call per inbound
// segment, dispatched on the current state. It returns ErrReset when the
// peer aborts; all protocol violations are absorbed locally. The packet's
// chunk is returned to the pool before onSegment returns.
func (c *Connection) onSegment(packet *TcpPacket) error {
	defer packet.ReturnChunk()

	c.mu.Lock()
	defer c.mu.Unlock()

	// RST aborts regardless of state and acceptability nuance.
	if packet.Flags&RSTFlag != 0 {
		c.logger.WithField("state", c.state).Info("RST received, aborting connection")
		c.abortLocked(true)
		return ErrReset
	}

	if c.state == StateSynSent {
		c.onSegmentSynSentLocked(packet)
		return nil
	}

	// A retransmitted SYN in SYN-RECEIVED means our SYN+ACK was lost.
	// Checked before the window test, which would reject the old sequence
	// number and starve the peer of the SYN+ACK it is waiting for.
	if c.state == StateSynReceived && packet.Flags&SYNFlag != 0 && packet.SequenceNumber == c.rcv.irs {
		c.logger.Debug("duplicate SYN in SYN-RECEIVED, retransmitting SYN+ACK")
		c.sendSynAck()
		return nil
	}

	// RFC 793 acceptability test against the receive window.
	if !c.segmentAcceptableLocked(packet) {
		c.logger.WithFields(logrus.Fields{
			"seq":    packet.SequenceNumber,
			"seglen": packet.SegLen(),
			"rcvnxt": c.rcv.nxt,
			"rcvwnd": c.rcv.wnd,
		}).Debug("segment outside receive window, answering with duplicate ACK")
		c.sendAckLocked()
		return nil
	}

	// Any other SYN on a live connection: challenge with an ACK.
	if packet.Flags&SYNFlag != 0 {
		c.sendAckLocked()
		return nil
	}

	// Everything past the handshake requires ACK.
	if packet.Flags&ACKFlag == 0 {
		return nil
	}

	if !c.processAckLocked(packet) {
		return nil
	}

	if len(packet.Payload) > 0 {
		c.processPayloadLocked(packet)
	}

	if packet.Flags&FINFlag != 0 {
		c.processFinLocked(packet)
	}

	return nil
}

// onSegmentSynSentLocked handles SYN-SENT, where the acceptability test
// does not apply yet because no receive space exists.
func (c *Connection) onSegmentSynSentLocked(packet *TcpPacket) {
	if packet.Flags&ACKFlag != 0 {
		ack := packet.AcknowledgmentNum
		if !isBetweenWrapped(c.snd.una, ack, SeqIncrement(c.snd.nxt)) {
			// Unacceptable ACK in SYN-SENT draws a RST carrying that ack.
			c.logger.WithField("ack", ack).Debug("unacceptable ACK in SYN-SENT, sending RST")
			rst := NewTcpPacket(ack, 0, RSTFlag, nil, c)
			c.params.sigOutputChan <- rst
			return
		}
	}

	if packet.Flags&SYNFlag == 0 {
		return
	}

	c.rcv.irs = packet.SequenceNumber
	c.rcv.nxt = SeqIncrement(packet.SequenceNumber)
	c.snd.wnd = packet.WindowSize
	c.snd.wl1 = packet.SequenceNumber
	c.snd.wl2 = packet.AcknowledgmentNum

	if packet.Flags&ACKFlag != 0 {
		// SYN+ACK: the handshake completes on our ACK.
		c.snd.una = packet.AcknowledgmentNum
		c.enterEstablishedLocked()
		c.sendAckLocked()
	} else {
		// Simultaneous open: both sides sent SYN. Answer with SYN+ACK and
		// wait for the peer's ACK in SYN-RECEIVED.
		c.logger.Debug("simultaneous open: SYN in SYN-SENT, sending SYN+ACK")
		c.state = StateSynReceived
		c.sendSynAck()
	}
}

// segmentAcceptableLocked implements the RFC 793 four-case window test.
func (c *Connection) segmentAcceptableLocked(packet *TcpPacket) bool {
	segLen := packet.SegLen()
	seq := packet.SequenceNumber
	wnd := uint32(c.rcv.wnd)
	wndEnd := SeqIncrementBy(c.rcv.nxt, wnd)

	if segLen == 0 {
		if wnd == 0 {
			return seq == c.rcv.nxt
		}
		return seq == c.rcv.nxt || isBetweenWrapped(c.rcv.nxt, seq, wndEnd)
	}
	if wnd == 0 {
		return false
	}
	segEnd := SeqIncrementBy(seq, segLen-1)
	startOk := seq == c.rcv.nxt || isBetweenWrapped(c.rcv.nxt, seq, wndEnd)
	endOk := segEnd == c.rcv.nxt || isBetweenWrapped(c.rcv.nxt, segEnd, wndEnd)
	return startOk || endOk
}

// processAckLocked advances snd.una, refreshes the send window, and drives
// the ACK-triggered state transitions. It reports false when the whole
// segment must be dropped (an ACK for data never sent).
func (c *Connection) processAckLocked(packet *TcpPacket) bool {
	ack := packet.AcknowledgmentNum

	if isBetweenWrapped(c.snd.una, ack, SeqIncrement(c.snd.nxt)) {
		c.snd.una = ack
		c.sndWndCond.Broadcast()
	} else if isGreater(ack, c.snd.nxt) {
		// ACK for data we never sent; tell the peer where we really are.
		c.logger.WithFields(logrus.Fields{
			"ack":    ack,
			"sndnxt": c.snd.nxt,
		}).Debug("ACK beyond SND.NXT, answering with duplicate ACK")
		c.sendAckLocked()
		return false
	}

	// Window update, guarded against stale segments by WL1/WL2.
	if isLess(c.snd.wl1, packet.SequenceNumber) ||
		(c.snd.wl1 == packet.SequenceNumber && isLessOrEqual(c.snd.wl2, ack)) {
		c.snd.wnd = packet.WindowSize
		c.snd.wl1 = packet.SequenceNumber
		c.snd.wl2 = ack
		c.sndWndCond.Broadcast()
	}

	switch c.state {
	case StateSynReceived:
		if isBetweenWrapped(c.snd.iss, ack, SeqIncrement(c.snd.nxt)) {
			c.enterEstablishedLocked()
		}
	case StateFinWait1:
		if c.finAckedLocked(ack) {
			c.state = StateFinWait2
			c.logger.Debug("our FIN acknowledged, entering FIN-WAIT-2")
		}
	case StateClosing:
		if c.finAckedLocked(ack) {
			c.enterTimeWaitLocked()
		}
	case StateLastAck:
		if c.finAckedLocked(ack) {
			c.logger.Info("final ACK received, connection closed")
			c.becomeClosedLocked()
		}
	}
	return true
}

// processPayloadLocked accepts in-window payload bytes starting at rcv.nxt,
// trimming any already-delivered prefix. Data beyond rcv.nxt (a hole) is
// not queued; the duplicate ACK tells the peer what we still need.
func (c *Connection) processPayloadLocked(packet *TcpPacket) {
	switch c.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		return
	}

	seq := packet.SequenceNumber
	payload := packet.Payload

	if seq != c.rcv.nxt && !isBetweenWrapped(seq, c.rcv.nxt, SeqIncrementBy(seq, uint32(len(payload)))) {
		// Starts past rcv.nxt: out of order. Re-assert our position.
		c.sendAckLocked()
		return
	}

	offset := seqDistance(seq, c.rcv.nxt)
	if offset >= uint32(len(payload)) {
		// Entirely old data: a duplicate. Re-ACK, no state change.
		c.sendAckLocked()
		return
	}
	fresh := payload[offset:]

	data := make([]byte, len(fresh))
	copy(data, fresh)

	select {
	case c.readChannel <- data:
		c.rcv.nxt = SeqIncrementBy(c.rcv.nxt, uint32(len(fresh)))
	default:
		// Receiver is not draining. Leave rcv.nxt where it is so the data
		// is not acknowledged; rcv.nxt must never advance past bytes we
		// failed to deliver.
		c.logger.Warn("read channel full, shedding in-window payload")
	}
	c.sendAckLocked()
}

// processFinLocked runs after payload processing, so a FIN piggybacked on
// data is only honored once the data in front of it has been accepted.
func (c *Connection) processFinLocked(packet *TcpPacket) {
	finSeq := SeqIncrementBy(packet.SequenceNumber, uint32(len(packet.Payload)))
	if finSeq != c.rcv.nxt {
		// FIN beyond the data we have accepted; the ACK already sent covers it.
		return
	}

	c.rcv.nxt = SeqIncrement(c.rcv.nxt) // FIN consumes one sequence number
	c.closeReadSideLocked()
	c.sendAckLocked()

	switch c.state {
	case StateEstablished:
		c.state = StateCloseWait
		c.logger.Info("peer FIN received, entering CLOSE-WAIT")
	case StateFinWait1:
		// The ACK-of-FIN, if present on this segment, has already moved us
		// to FIN-WAIT-2 in processAckLocked; this is the combined case.
		c.state = StateClosing
		c.logger.Debug("simultaneous close: FIN before ACK-of-FIN, entering CLOSING")
	case StateFinWait2:
		c.logger.Debug("peer FIN received in FIN-WAIT-2, entering TIME-WAIT")
		c.enterTimeWaitLocked()
	case StateTimeWait:
		// Retransmitted FIN; the ACK above is all the peer needs.
	}
}

func (c *Connection) finAckedLocked(ack uint32) bool {
	return c.finSent && isGreaterOrEqual(ack, SeqIncrement(c.finSeq))
}

func (c *Connection) enterEstablishedLocked() {
	c.state = StateEstablished
	c.logger.Info("connection established")
	c.estabOnce.Do(func() { close(c.established) })
	if c.listener != nil {
		c.listener.deliver(c)
	}
}

func (c *Connection) enterTimeWaitLocked() {
	c.state = StateTimeWait
	c.params.table.startTimeWaitTimer(c)
}

// timeWaitExpired is the external 2*MSL timer entry point. It reports
// whether the connection actually transitioned to CLOSED; a timer firing
// after the state moved on by other means is a no-op.
func (c *Connection) timeWaitExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateTimeWait {
		return false
	}
	c.logger.Info("TIME-WAIT expired, connection closed")
	c.becomeClosedLocked()
	return true
}

// Close performs the local close request: FIN out of ESTABLISHED or
// CLOSE-WAIT, abort out of the opening states.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateEstablished:
		c.sendFinLocked()
		c.state = StateFinWait1
		c.logger.Info("local close, FIN sent, entering FIN-WAIT-1")
	case StateCloseWait:
		c.sendFinLocked()
		c.state = StateLastAck
		c.logger.Info("local close, FIN sent, entering LAST-ACK")
	case StateSynSent, StateSynReceived:
		// Giving up on a half-open connection; no peer state worth keeping.
		c.becomeClosedLocked()
		c.params.table.remove(c.params.key)
	case StateClosed:
		return ErrClosed
	default:
		// Close is already in progress.
	}
	return nil
}

func (c *Connection) sendFinLocked() {
	packet := NewTcpPacket(c.snd.nxt, c.rcv.nxt, FINFlag|ACKFlag, nil, c)
	c.finSent = true
	c.finSeq = c.snd.nxt
	c.snd.nxt = SeqIncrement(c.snd.nxt) // FIN consumes one sequence number
	c.params.sigOutputChan <- packet
}

func (c *Connection) sendSynAck() {
	packet := NewTcpPacket(c.snd.iss, c.rcv.nxt, SYNFlag|ACKFlag, nil, c)
	if c.snd.nxt == c.snd.iss {
		c.snd.nxt = SeqIncrement(c.snd.nxt) // account the SYN only once
	}
	c.params.sigOutputChan <- packet
}

func (c *Connection) sendAckLocked() {
	packet := NewTcpPacket(c.snd.nxt, c.rcv.nxt, ACKFlag, nil, c)
	c.params.sigOutputChan <- packet
}

// abortLocked tears the connection down without further segments.
func (c *Connection) abortLocked(reset bool) {
	c.resetSeen = reset
	c.becomeClosedLocked()
}

func (c *Connection) becomeClosedLocked() {
	c.state = StateClosed
	if c.timeWaitTimer != nil {
		c.timeWaitTimer.Stop()
		c.timeWaitTimer = nil
	}
	c.closeReadSideLocked()
	c.doneOnce.Do(func() { close(c.done) })
	c.sndWndCond.Broadcast()
}

func (c *Connection) closeReadSideLocked() {
	c.readCloseOnce.Do(func() { close(c.readChannel) })
}

// Read delivers accepted payload bytes in order. It returns io.EOF once the
// peer's FIN has been processed and the buffered data is drained, and
// ErrReset if the peer aborted.
func (c *Connection) Read(buffer []byte) (int, error) {
	if len(c.pendingData) > 0 {
		n := copy(buffer, c.pendingData)
		c.pendingData = c.pendingData[n:]
		return n, nil
	}

	data, ok := <-c.readChannel
	if !ok {
		c.mu.Lock()
		reset := c.resetSeen
		c.mu.Unlock()
		if reset {
			return 0, ErrReset
		}
		return 0, io.EOF
	}

	n := copy(buffer, data)
	if n < len(data) {
		c.pendingData = data[n:]
	}
	return n, nil
}

// Write sends payload, chunked by the preferred MSS and paced by the peer's
// advertised window: it blocks while the in-flight span would overrun
// SND.WND and resumes as ACKs move SND.UNA forward.
func (c *Connection) Write(data []byte) (int, error) {
	total := 0
	for len(data) > 0 {
		c.mu.Lock()
		for c.writableLocked() && c.sendSpaceLocked() == 0 {
			c.sndWndCond.Wait()
		}
		if !c.writableLocked() {
			c.mu.Unlock()
			if c.resetSeen {
				return total, ErrReset
			}
			return total, ErrClosed
		}

		chunk := len(data)
		if space := int(c.sendSpaceLocked()); chunk > space {
			chunk = space
		}
		if chunk > c.config.PreferredMSS {
			chunk = c.config.PreferredMSS
		}

		packet := NewTcpPacket(c.snd.nxt, c.rcv.nxt, ACKFlag|PSHFlag, data[:chunk], c)
		if packet == nil {
			c.mu.Unlock()
			return total, fmt.Errorf("connection %s: building data segment failed", c.params.key)
		}
		c.snd.nxt = SeqIncrementBy(c.snd.nxt, uint32(chunk))
		c.mu.Unlock()

		c.params.outputChan <- packet
		total += chunk
		data = data[chunk:]
	}
	return total, nil
}

func (c *Connection) writableLocked() bool {
	return c.state == StateEstablished || c.state == StateCloseWait
}

// sendSpaceLocked is how many bytes the peer's window still admits.
func (c *Connection) sendSpaceLocked() uint32 {
	inflight := seqDistance(c.snd.una, c.snd.nxt)
	if inflight >= uint32(c.snd.wnd) {
		return 0
	}
	return uint32(c.snd.wnd) - inflight
}
