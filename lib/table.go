package lib

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ConnectionTable is the demultiplexer: it maps the connection quad to the
// live Connection, routes each inbound segment, performs passive opens for
// listening ports, and evicts entries that reach CLOSED. Segments arrive
// from the single ingest loop, but TIME-WAIT timers and application Close
// calls fire on other goroutines, so the maps are guarded by a mutex.
type ConnectionTable struct {
	mu            sync.Mutex
	connectionMap map[string]*Connection
	listenerMap   map[uint16]*Listener

	outputChan    chan *TcpPacket
	sigOutputChan chan *TcpPacket
	connConfig    *ConnectionConfig
}

func newConnectionTable(outputChan, sigOutputChan chan *TcpPacket, connConfig *ConnectionConfig) *ConnectionTable {
	return &ConnectionTable{
		connectionMap: make(map[string]*Connection),
		listenerMap:   make(map[uint16]*Listener),
		outputChan:    outputChan,
		sigOutputChan: sigOutputChan,
		connConfig:    connConfig,
	}
}

// quadKey builds the table key for a connection, local side first.
func quadKey(localIP net.IP, localPort uint16, remoteIP net.IP, remotePort uint16) string {
	return fmt.Sprintf("%s:%d-%s:%d", localIP.To4(), localPort, remoteIP.To4(), remotePort)
}

// handleSegment is the single entry point per received, IPv4/TCP-classified
// frame. On a hit it forwards to the connection; on a miss a bare SYN for a
// listening port performs a passive open, and anything else draws a RST.
func (t *ConnectionTable) handleSegment(packet *TcpPacket) {
	// The packet arrived from the peer, so local side is the destination.
	key := quadKey(packet.DstIP, packet.DestinationPort, packet.SrcIP, packet.SourcePort)

	t.mu.Lock()
	conn, ok := t.connectionMap[key]
	t.mu.Unlock()

	if ok {
		err := conn.onSegment(packet)
		if errors.Is(err, ErrReset) || conn.State() == StateClosed {
			t.remove(key)
		}
		return
	}

	if packet.Flags&SYNFlag != 0 && packet.Flags&ACKFlag == 0 {
		if t.tryPassiveOpen(key, packet) {
			return
		}
	}

	// A RST never draws a RST; answering one would let two endpoints
	// ping-pong resets at each other forever.
	if packet.Flags&RSTFlag != 0 {
		packet.ReturnChunk()
		return
	}

	// No matching connection and not an acceptable opening SYN: RST.
	t.sendRst(packet)
	packet.ReturnChunk()
}

// tryPassiveOpen accepts a bare SYN when a listener covers the destination
// port, inserting the new SYN-RECEIVED connection into the table.
func (t *ConnectionTable) tryPassiveOpen(key string, syn *TcpPacket) bool {
	t.mu.Lock()
	listener, ok := t.listenerMap[syn.DestinationPort]
	t.mu.Unlock()
	if !ok || listener.isClosed() || !listener.addr.Equal(syn.DstIP) {
		return false
	}

	params := &connectionParams{
		key:           key,
		localAddr:     syn.DstIP,
		localPort:     syn.DestinationPort,
		remoteAddr:    syn.SrcIP,
		remotePort:    syn.SourcePort,
		outputChan:    t.outputChan,
		sigOutputChan: t.sigOutputChan,
		table:         t,
	}
	conn, err := acceptConnection(params, t.connConfig, syn)
	if err != nil {
		logger.WithError(err).Error("passive open failed")
		syn.ReturnChunk()
		return true // the SYN was ours to consume; no RST for an internal failure
	}
	conn.listener = listener

	t.mu.Lock()
	t.connectionMap[key] = conn
	t.mu.Unlock()

	syn.ReturnChunk()
	return true
}

// sendRst answers a segment that matches no connection, per RFC 793: echo
// the ack as our sequence number when one is present, otherwise ack the
// sequence space the stray segment occupied.
func (t *ConnectionTable) sendRst(packet *TcpPacket) {
	rst := &TcpPacket{
		SrcIP:           packet.DstIP,
		DstIP:           packet.SrcIP,
		SourcePort:      packet.DestinationPort,
		DestinationPort: packet.SourcePort,
	}
	if packet.Flags&ACKFlag != 0 {
		rst.SequenceNumber = packet.AcknowledgmentNum
		rst.Flags = RSTFlag
	} else {
		rst.SequenceNumber = 0
		rst.AcknowledgmentNum = SeqIncrementBy(packet.SequenceNumber, packet.SegLen())
		rst.Flags = RSTFlag | ACKFlag
	}
	logger.WithFields(map[string]interface{}{
		"remote": fmt.Sprintf("%s:%d", packet.SrcIP, packet.SourcePort),
		"local":  fmt.Sprintf("%s:%d", packet.DstIP, packet.DestinationPort),
	}).Debug("segment for non-existent connection, sending RST")
	t.sigOutputChan <- rst
}

// insert registers an actively opened connection so inbound segments reach
// it while the handshake is still in flight.
func (t *ConnectionTable) insert(conn *Connection) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.connectionMap[conn.params.key]; exists {
		return fmt.Errorf("connection %s already exists", conn.params.key)
	}
	t.connectionMap[conn.params.key] = conn
	return nil
}

// remove drops the table entry. Callers have already driven the connection
// to CLOSED; remove may run with the connection mutex held and so never
// takes connection locks itself.
func (t *ConnectionTable) remove(key string) {
	t.mu.Lock()
	_, ok := t.connectionMap[key]
	if ok {
		delete(t.connectionMap, key)
	}
	t.mu.Unlock()
	if ok {
		logger.WithField("conn", key).Debug("connection removed from table")
	}
}

// localPortInUse reports whether any tracked connection occupies the given
// local port, for ephemeral port selection.
func (t *ConnectionTable) localPortInUse(port uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.connectionMap {
		if conn.params.localPort == port {
			return true
		}
	}
	if _, taken := t.listenerMap[port]; taken {
		return true
	}
	return false
}

func (t *ConnectionTable) lookup(key string) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.connectionMap[key]
	return conn, ok
}

// startTimeWaitTimer arms the external 2*MSL timer for a connection that
// just entered TIME-WAIT. Called with the connection mutex held, so it must
// not touch the connection beyond storing the timer.
func (t *ConnectionTable) startTimeWaitTimer(conn *Connection) {
	key := conn.params.key
	if conn.timeWaitTimer != nil {
		conn.timeWaitTimer.Stop()
	}
	conn.timeWaitTimer = time.AfterFunc(2*t.connConfig.MSL, func() {
		t.onTimeWaitExpired(key)
	})
}

// onTimeWaitExpired ages out a TIME-WAIT connection. A stale timer whose
// connection already left TIME-WAIT by other means is a no-op.
func (t *ConnectionTable) onTimeWaitExpired(key string) {
	conn, ok := t.lookup(key)
	if !ok {
		return
	}
	if conn.timeWaitExpired() {
		t.remove(key)
	}
}

// registerListener claims a port for passive opens.
func (t *ConnectionTable) registerListener(l *Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, taken := t.listenerMap[l.port]; taken {
		return fmt.Errorf("%s:%d is already taken", l.addr, l.port)
	}
	t.listenerMap[l.port] = l
	return nil
}

func (t *ConnectionTable) unregisterListener(l *Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.listenerMap[l.port]; ok && current == l {
		delete(t.listenerMap, l.port)
	}
}

// closeAll tears down every connection and listener, for endpoint shutdown.
func (t *ConnectionTable) closeAll() {
	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.connectionMap))
	for _, conn := range t.connectionMap {
		conns = append(conns, conn)
	}
	listeners := make([]*Listener, 0, len(t.listenerMap))
	for _, l := range t.listenerMap {
		listeners = append(listeners, l)
	}
	t.connectionMap = make(map[string]*Connection)
	t.listenerMap = make(map[uint16]*Listener)
	t.mu.Unlock()

	for _, conn := range conns {
		conn.mu.Lock()
		conn.becomeClosedLocked()
		conn.mu.Unlock()
	}
	for _, l := range listeners {
		l.markClosed()
	}
}
