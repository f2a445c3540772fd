package lib

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// TCP flag constants
const (
	FINFlag uint8 = 1 << 0
	SYNFlag uint8 = 1 << 1
	RSTFlag uint8 = 1 << 2
	PSHFlag uint8 = 1 << 3
	ACKFlag uint8 = 1 << 4
	URGFlag uint8 = 1 << 5
)

const (
	TcpHeaderLength       = 20 // options not included
	TcpPseudoHeaderLength = 12
	Ipv4HeaderLength      = 20 // options not included
)

// TcpPacket is the engine's view of one TCP segment: the header fields the
// state machine reads and writes, plus the payload backed by a ring pool
// chunk. Wire (de)serialization lives in codec.go.
type TcpPacket struct {
	SrcIP, DstIP      net.IP
	SourcePort        uint16
	DestinationPort   uint16
	SequenceNumber    uint32
	AcknowledgmentNum uint32
	WindowSize        uint16 // sender's advertised receive window
	Flags             uint8
	UrgentPointer     uint16
	Checksum          uint16
	Payload           []byte
	Conn              *Connection // outgoing packets only: the owning connection
	chunk             *rp.Element // memory chunk holding the payload
}

// NewTcpPacket builds an outgoing segment for conn. The payload, if any, is
// copied into a pool chunk.
func NewTcpPacket(seqNum, ackNum uint32, flags uint8, data []byte, conn *Connection) *TcpPacket {
	newPacket := &TcpPacket{
		SrcIP:             conn.params.localAddr,
		DstIP:             conn.params.remoteAddr,
		SourcePort:        conn.params.localPort,
		DestinationPort:   conn.params.remotePort,
		SequenceNumber:    seqNum,
		AcknowledgmentNum: ackNum,
		Flags:             flags,
		WindowSize:        conn.rcv.wnd,
		Conn:              conn,
	}
	if len(data) > 0 {
		if err := newPacket.CopyToPayload(data); err != nil {
			logger.WithError(err).Error("NewTcpPacket: copying payload")
			return nil
		}
	}
	return newPacket
}

// SegLen is the amount of sequence space the segment occupies: the payload
// length plus one for SYN and one for FIN.
func (p *TcpPacket) SegLen() uint32 {
	l := uint32(len(p.Payload))
	if p.Flags&SYNFlag != 0 {
		l++
	}
	if p.Flags&FINFlag != 0 {
		l++
	}
	return l
}

func (p *TcpPacket) HasFlags(flags uint8) bool {
	return p.Flags&flags == flags
}

func (p *TcpPacket) CopyToPayload(src []byte) error {
	p.GetChunk()
	if p.chunk == nil {
		return fmt.Errorf("p.CopyToPayload: got a nil chunk")
	}
	if err := p.chunk.Data.(*Payload).Copy(src); err != nil {
		p.ReturnChunk()
		return fmt.Errorf("TcpPacket.CopyToPayload: %s", err)
	}
	p.Payload = p.chunk.Data.(*Payload).GetSlice()
	return nil
}

func (p *TcpPacket) ReturnChunk() {
	if p.chunk != nil {
		Pool.ReturnElement(p.chunk)
		p.chunk = nil
		p.Payload = nil
	}
}

func (p *TcpPacket) GetChunk() {
	p.chunk = Pool.GetElement()
}

func (p *TcpPacket) GetChunkReference() *rp.Element {
	return p.chunk
}

func (p *TcpPacket) AddFootPrint(fpStr string) int {
	return p.chunk.AddFootPrint(fpStr)
}

func (p *TcpPacket) TickFootPrint(fp int) {
	p.chunk.TickFootPrint(fp)
}

func (p *TcpPacket) AddChannel(chanStr string) {
	p.chunk.AddChannel(chanStr)
}

func (p *TcpPacket) TickChannel() error {
	return p.chunk.TickChannel()
}

// GenerateISN draws an unpredictable initial send sequence number, as
// required to resist sequence-prediction attacks.
func GenerateISN() (uint32, error) {
	var isn uint32
	err := binary.Read(rand.Reader, binary.BigEndian, &isn)
	if err != nil {
		return 0, err
	}
	return isn, nil
}
