//go:build windows

package filter

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	divert "github.com/imgk/divert-go"
	"github.com/sirupsen/logrus"
)

// filterImpl intercepts outbound TCP RST packets with WinDivert and drops
// the ones that belong to our connections, reinjecting everything else.
type filterImpl struct {
	handle    *divert.Handle
	stopChan  chan struct{}
	isRunning bool
	ruleSet   map[string]bool // "ip:port" quads whose RSTs we swallow
	listeners map[string]net.Listener
	mutex     sync.Mutex
	logger    *logrus.Entry
}

func NewFilter(identifier string) (Filter, error) {
	return &filterImpl{
		ruleSet:   make(map[string]bool),
		listeners: make(map[string]net.Listener),
		logger:    logrus.WithField("component", "filter"),
	}, nil
}

// AddTcpClientFiltering starts dropping RSTs destined for the given server.
func (f *filterImpl) AddTcpClientFiltering(dstAddr string, dstPort int) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	ruleKey := fmt.Sprintf("%s:%d", dstAddr, dstPort)
	if f.ruleSet[ruleKey] {
		return nil
	}

	if !f.isRunning {
		h, err := divert.Open("tcp.Rst", divert.LayerNetwork, 0, 0)
		if err != nil {
			return err
		}
		f.handle = h
		f.stopChan = make(chan struct{})
		f.isRunning = true

		go f.runFilteringLoop()
	}

	f.ruleSet[ruleKey] = true
	return nil
}

func (f *filterImpl) RemoveTcpClientFiltering(dstAddr string, dstPort int) error {
	f.mutex.Lock()
	ruleKey := fmt.Sprintf("%s:%d", dstAddr, dstPort)
	if !f.ruleSet[ruleKey] {
		f.mutex.Unlock()
		return fmt.Errorf("rule not found: %s", ruleKey)
	}
	delete(f.ruleSet, ruleKey)
	stop := len(f.ruleSet) == 0
	f.mutex.Unlock()

	if stop {
		return f.FinishFiltering()
	}
	return nil
}

// AddTcpServerFiltering binds a placeholder listener on the port so the
// host stack considers it open and does not answer inbound SYNs with RSTs.
func (f *filterImpl) AddTcpServerFiltering(srcAddr string, srcPort int) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	address := fmt.Sprintf("%s:%d", srcAddr, srcPort)
	if _, exists := f.listeners[address]; exists {
		return nil
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to create listener on %s: %v", address, err)
	}
	f.listeners[address] = listener
	return nil
}

func (f *filterImpl) RemoveTcpServerFiltering(srcAddr string, srcPort int) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	address := fmt.Sprintf("%s:%d", srcAddr, srcPort)
	if listener, exists := f.listeners[address]; exists {
		listener.Close()
		delete(f.listeners, address)
	}
	return nil
}

func (f *filterImpl) FinishFiltering() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	for address, listener := range f.listeners {
		listener.Close()
		delete(f.listeners, address)
	}

	if !f.isRunning {
		return nil
	}
	close(f.stopChan)
	f.isRunning = false
	f.ruleSet = make(map[string]bool)
	return nil
}

func (f *filterImpl) runFilteringLoop() {
	defer func() {
		f.mutex.Lock()
		f.handle.Close()
		f.isRunning = false
		f.mutex.Unlock()
	}()

	buf := make([]byte, 1500)
	addr := divert.Address{}

	for {
		select {
		case <-f.stopChan:
			f.logger.Info("stopping RST filter")
			return
		default:
			n, err := f.handle.Recv(buf, &addr)
			if err != nil {
				f.logger.WithError(err).Warn("failed to receive packet")
				continue
			}

			packet := gopacket.NewPacket(buf[:n], layers.LayerTypeIPv4, gopacket.Default)
			if packet == nil {
				continue
			}

			ipv4Layer := packet.Layer(layers.LayerTypeIPv4)
			if ipv4Layer == nil {
				continue
			}
			ipv4, _ := ipv4Layer.(*layers.IPv4)

			tcpLayer := packet.Layer(layers.LayerTypeTCP)
			if tcpLayer == nil {
				continue
			}
			tcp, _ := tcpLayer.(*layers.TCP)

			f.mutex.Lock()
			drop := f.ruleSet[fmt.Sprintf("%s:%d", ipv4.DstIP, tcp.DstPort)]
			f.mutex.Unlock()
			if drop {
				continue // swallow the RST
			}

			if _, err := f.handle.Send(buf[:n], &addr); err != nil {
				f.logger.WithError(err).Warn("failed to reinject packet")
			}
		}
	}
}
