package lib

import (
	"fmt"
	"net"
	"sync"
)

// Listener owns a local port for passive opens. Handshakes complete inside
// the connection table; Accept only sees connections that already reached
// ESTABLISHED.
type Listener struct {
	table          *ConnectionTable
	addr           net.IP
	port           uint16
	newConnChannel chan *Connection
	closeSignal    chan struct{}
	closeOnce      sync.Once
	mu             sync.Mutex
	closed         bool
}

const acceptBacklog = 16

func newListener(table *ConnectionTable, addr net.IP, port uint16) (*Listener, error) {
	l := &Listener{
		table:          table,
		addr:           addr,
		port:           port,
		newConnChannel: make(chan *Connection, acceptBacklog),
		closeSignal:    make(chan struct{}),
	}
	if err := table.registerListener(l); err != nil {
		return nil, err
	}
	logger.WithField("local", fmt.Sprintf("%s:%d", addr, port)).Info("listening for incoming connections")
	return l, nil
}

// Accept blocks until a handshake completes on this port or the listener
// is closed.
func (l *Listener) Accept() (*Connection, error) {
	select {
	case conn := <-l.newConnChannel:
		return conn, nil
	case <-l.closeSignal:
		return nil, ErrClosed
	}
}

// deliver hands a freshly established connection to Accept. It is called
// from the segment path with the connection mutex held, so it never blocks;
// when the backlog is full the connection stays in the table and the
// application simply never sees it.
func (l *Listener) deliver(conn *Connection) {
	select {
	case l.newConnChannel <- conn:
	default:
		logger.WithField("local", fmt.Sprintf("%s:%d", l.addr, l.port)).Warn("accept backlog full, dropping established connection")
	}
}

// Close stops accepting new connections and aborts the ones waiting in the
// backlog. Connections already handed out are unaffected.
func (l *Listener) Close() error {
	l.markClosed()
	l.table.unregisterListener(l)
	for {
		select {
		case conn := <-l.newConnChannel:
			conn.Close()
		default:
			return nil
		}
	}
}

func (l *Listener) markClosed() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.closeOnce.Do(func() { close(l.closeSignal) })
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
