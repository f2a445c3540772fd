package lib

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/Clouded-Sabre/TunTCP/filter"
	"github.com/Clouded-Sabre/TunTCP/link"
	rp "github.com/Clouded-Sabre/ringpool/lib"
)

type TcpCoreConfig struct {
	PayloadPoolSize      int    // number of packet payload chunks in the pool
	PreferredMSS         int    // preferred MSS, also the chunk size
	Debug                bool   // global debug setting
	PoolDebug            bool   // ring pool debug setting
	ProcessTimeThreshold int    // packet processing time threshold in ms
	FilterName           string // identifier for host stack RST filtering rules
	EphemeralPortLower   int
	EphemeralPortUpper   int
	ConnConfig           *ConnectionConfig
}

func DefaultTcpCoreConfig() *TcpCoreConfig {
	return &TcpCoreConfig{
		PayloadPoolSize:      2000,
		PreferredMSS:         1440,
		Debug:                false,
		PoolDebug:            false,
		ProcessTimeThreshold: 10,
		FilterName:           "TunTCP_anchor",
		EphemeralPortLower:   49152,
		EphemeralPortUpper:   65535,
		ConnConfig:           DefaultConnectionConfig(),
	}
}

// TcpCore is the endpoint: it owns the link, pumps frames both ways, and
// demultiplexes segments through the connection table. One ingest goroutine
// and one transmit goroutine run per core.
type TcpCore struct {
	config        *TcpCoreConfig
	link          link.Link
	table         *ConnectionTable
	outputChan    chan *TcpPacket // data segments from Write
	sigOutputChan chan *TcpPacket // handshake, ACK, FIN and RST segments, sent first
	closeSignal   chan struct{}   // tells the frame pump goroutines to stop
	closeOnce     sync.Once
	wg            sync.WaitGroup
	filter        filter.Filter // keeps the host stack from answering our segments
}

// NewTcpCore starts the endpoint on the given link.
func NewTcpCore(config *TcpCoreConfig, lnk link.Link) (*TcpCore, error) {
	if lnk == nil {
		return nil, fmt.Errorf("link must not be nil")
	}

	var f filter.Filter
	if lnk.SharesHostStack() {
		var err error
		f, err = filter.NewFilter(config.FilterName)
		if err != nil {
			return nil, fmt.Errorf("error creating filter object: %w", err)
		}
	}

	core := &TcpCore{
		config:        config,
		link:          lnk,
		outputChan:    make(chan *TcpPacket, 100),
		sigOutputChan: make(chan *TcpPacket, 100),
		closeSignal:   make(chan struct{}),
		filter:        f,
	}
	core.table = newConnectionTable(core.outputChan, core.sigOutputChan, config.ConnConfig)

	rp.Debug = config.PoolDebug
	Pool = rp.NewRingPool("TunTCP: ", config.PayloadPoolSize, NewPayload, config.PreferredMSS)
	Pool.Debug = config.PoolDebug
	Pool.ProcessTimeThreshold = time.Duration(config.ProcessTimeThreshold) * time.Millisecond

	core.wg.Add(2)
	go core.handleIncomingFrames()
	go core.handleOutgoingPackets()

	logger.Info("TCP core started")

	return core, nil
}

// handleIncomingFrames is the single ingest loop: whole IPv4 frames off the
// link, classified and checksum-verified, then handed to the table.
func (c *TcpCore) handleIncomingFrames() {
	defer c.wg.Done()

	buffer := make([]byte, c.link.MTU()+Ipv4HeaderLength)
	for {
		select {
		case <-c.closeSignal:
			return
		default:
		}

		n, err := c.link.ReadFrame(buffer)
		if err != nil {
			select {
			case <-c.closeSignal:
				return
			default:
			}
			logger.WithError(err).Error("error reading frame from link")
			return
		}
		if n == 0 {
			continue // read timeout, loop back to check the close signal
		}

		packet, err := DecodeFrame(buffer[:n])
		if err != nil {
			// Traffic we do not speak shares the link; drop quietly.
			logger.WithError(err).Debug("dropping frame")
			continue
		}
		c.table.handleSegment(packet)
	}
}

// handleOutgoingPackets serializes and transmits segments, always draining
// the signalling channel before the data channel so handshake and close
// segments are not stuck behind bulk data.
func (c *TcpCore) handleOutgoingPackets() {
	defer c.wg.Done()

	var packet *TcpPacket
	for {
		select {
		case packet = <-c.sigOutputChan:
		default:
			select {
			case packet = <-c.sigOutputChan:
			case packet = <-c.outputChan:
			case <-c.closeSignal:
				return
			}
		}

		frame, err := packet.Marshal()
		if err != nil {
			logger.WithError(err).Error("error serializing packet")
			packet.ReturnChunk()
			continue
		}
		if err := c.link.WriteFrame(frame); err != nil {
			logger.WithError(err).Error("error writing frame to link")
		}
		packet.ReturnChunk()
	}
}

// DialTcp performs an active open to serverIP:serverPort and blocks until
// the handshake completes or the dial timeout fires.
func (c *TcpCore) DialTcp(localIP, serverIP string, serverPort uint16) (*Connection, error) {
	serverAddr, err := net.ResolveIPAddr("ip", serverIP)
	if err != nil {
		return nil, err
	}
	localAddr, err := net.ResolveIPAddr("ip", localIP)
	if err != nil {
		return nil, err
	}

	localPort := c.availableEphemeralPort()
	key := quadKey(localAddr.IP, localPort, serverAddr.IP, serverPort)

	params := &connectionParams{
		key:           key,
		localAddr:     localAddr.IP,
		localPort:     localPort,
		remoteAddr:    serverAddr.IP,
		remotePort:    serverPort,
		outputChan:    c.outputChan,
		sigOutputChan: c.sigOutputChan,
		table:         c.table,
	}
	conn, err := newConnection(params, c.config.ConnConfig)
	if err != nil {
		return nil, err
	}
	if err := c.table.insert(conn); err != nil {
		return nil, err
	}

	// Keep the host stack from answering the SYN-ACK with a RST before we do.
	if c.filter != nil {
		if err := c.filter.AddTcpClientFiltering(serverAddr.IP.To4().String(), int(serverPort)); err != nil {
			c.table.remove(key)
			return nil, fmt.Errorf("error adding client filtering rule: %w", err)
		}
	}

	conn.dial()
	if err := conn.WaitEstablished(c.config.ConnConfig.DialTimeout); err != nil {
		conn.Close()
		c.table.remove(key)
		return nil, err
	}
	return conn, nil
}

// ListenTcp starts accepting passive opens on serviceIP:port.
func (c *TcpCore) ListenTcp(serviceIP string, port uint16) (*Listener, error) {
	serviceAddr, err := net.ResolveIPAddr("ip", serviceIP)
	if err != nil {
		return nil, err
	}

	l, err := newListener(c.table, serviceAddr.IP, port)
	if err != nil {
		return nil, err
	}

	if c.filter != nil {
		if err := c.filter.AddTcpServerFiltering(serviceAddr.IP.To4().String(), int(port)); err != nil {
			l.Close()
			return nil, fmt.Errorf("error adding server filtering rule: %w", err)
		}
	}
	return l, nil
}

// availableEphemeralPort picks a random client port not used by any
// existing connection.
func (c *TcpCore) availableEphemeralPort() uint16 {
	for {
		port := uint16(rand.Intn(c.config.EphemeralPortUpper-c.config.EphemeralPortLower) + c.config.EphemeralPortLower)
		if !c.table.localPortInUse(port) {
			return port
		}
	}
}

func (c *TcpCore) Close() error {
	c.table.closeAll()

	c.closeOnce.Do(func() { close(c.closeSignal) })
	c.wg.Wait()

	if err := c.link.Close(); err != nil {
		logger.WithError(err).Error("error closing link")
	}

	if c.filter != nil {
		c.filter.FinishFiltering()
	}

	logger.Info("TCP core closed gracefully")
	return nil
}
