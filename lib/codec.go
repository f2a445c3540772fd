package lib

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Frame codec: structural parse of whole IPv4 frames into TcpPacket views
// and serialization of outgoing segments, both via gopacket.

var (
	ErrNotIPv4        = errors.New("frame is not IPv4")
	ErrNotTcp         = errors.New("frame does not carry TCP")
	ErrBadChecksum    = errors.New("TCP checksum verification failed")
	ErrFrameTruncated = errors.New("frame too short for IPv4+TCP headers")
)

// DecodeFrame parses one raw IPv4 frame into a TcpPacket. Truncated or
// malformed headers, non-IPv4/non-TCP frames, and checksum mismatches are
// reported as errors; the caller drops the frame without side effects.
func DecodeFrame(frame []byte) (*TcpPacket, error) {
	if len(frame) < Ipv4HeaderLength+TcpHeaderLength {
		return nil, ErrFrameTruncated
	}

	var (
		ip4     layers.IPv4
		tcp     layers.TCP
		payload gopacket.Payload
	)
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &ip4, &tcp, &payload)
	decoded := make([]gopacket.LayerType, 0, 3)
	if err := parser.DecodeLayers(frame, &decoded); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	sawIPv4, sawTcp := false, false
	for _, layerType := range decoded {
		switch layerType {
		case layers.LayerTypeIPv4:
			sawIPv4 = true
		case layers.LayerTypeTCP:
			sawTcp = true
		}
	}
	if !sawIPv4 {
		return nil, ErrNotIPv4
	}
	if !sawTcp || ip4.Protocol != layers.IPProtocolTCP {
		return nil, ErrNotTcp
	}

	if !verifyTcpChecksum(ip4.SrcIP, ip4.DstIP, tcp.Contents, tcp.Payload) {
		return nil, ErrBadChecksum
	}

	packet := &TcpPacket{
		SrcIP:             ip4.SrcIP,
		DstIP:             ip4.DstIP,
		SourcePort:        uint16(tcp.SrcPort),
		DestinationPort:   uint16(tcp.DstPort),
		SequenceNumber:    tcp.Seq,
		AcknowledgmentNum: tcp.Ack,
		WindowSize:        tcp.Window,
		Flags:             tcpFlagBits(&tcp),
		UrgentPointer:     tcp.Urgent,
		Checksum:          tcp.Checksum,
	}
	if len(tcp.Payload) > 0 {
		if err := packet.CopyToPayload(tcp.Payload); err != nil {
			return nil, fmt.Errorf("decode frame: copying packet payload: %w", err)
		}
	}
	return packet, nil
}

// Marshal serializes the segment into one contiguous IPv4 frame with
// computed lengths and checksums. A failure here is an internal invariant
// violation, not a runtime condition the peer can trigger.
func (p *TcpPacket) Marshal() ([]byte, error) {
	ip4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    p.SrcIP.To4(),
		DstIP:    p.DstIP.To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(p.SourcePort),
		DstPort: layers.TCPPort(p.DestinationPort),
		Seq:     p.SequenceNumber,
		Ack:     p.AcknowledgmentNum,
		Window:  p.WindowSize,
		Urgent:  p.UrgentPointer,
		FIN:     p.Flags&FINFlag != 0,
		SYN:     p.Flags&SYNFlag != 0,
		RST:     p.Flags&RSTFlag != 0,
		PSH:     p.Flags&PSHFlag != 0,
		ACK:     p.Flags&ACKFlag != 0,
		URG:     p.Flags&URGFlag != 0,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip4); err != nil {
		return nil, fmt.Errorf("marshal: setting checksum network layer: %w", err)
	}

	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buffer, opts, ip4, tcp, gopacket.Payload(p.Payload)); err != nil {
		return nil, fmt.Errorf("marshal: serializing segment: %w", err)
	}
	return buffer.Bytes(), nil
}

func tcpFlagBits(tcp *layers.TCP) uint8 {
	var flags uint8
	if tcp.FIN {
		flags |= FINFlag
	}
	if tcp.SYN {
		flags |= SYNFlag
	}
	if tcp.RST {
		flags |= RSTFlag
	}
	if tcp.PSH {
		flags |= PSHFlag
	}
	if tcp.ACK {
		flags |= ACKFlag
	}
	if tcp.URG {
		flags |= URGFlag
	}
	return flags
}

// verifyTcpChecksum sums the pseudo-header plus the TCP header and payload
// as received. With the transmitted checksum left in place the one's
// complement sum of a valid segment folds to zero.
func verifyTcpChecksum(srcIP, dstIP net.IP, tcpHeader, tcpPayload []byte) bool {
	segmentLength := len(tcpHeader) + len(tcpPayload)
	buffer := make([]byte, TcpPseudoHeaderLength+segmentLength)
	if err := assemblePseudoHeader(buffer[:TcpPseudoHeaderLength], srcIP, dstIP, uint16(segmentLength)); err != nil {
		logger.WithError(err).Error("assembling pseudo TCP header")
		return false
	}
	copy(buffer[TcpPseudoHeaderLength:], tcpHeader)
	copy(buffer[TcpPseudoHeaderLength+len(tcpHeader):], tcpPayload)

	return CalculateChecksum(buffer) == 0
}

// CalculateChecksum computes the one's complement checksum over buffer.
func CalculateChecksum(buffer []byte) uint16 {
	var cksum uint32 = 0

	// Process 16-bit words (2 bytes each)
	for i := 0; i < len(buffer)-1; i += 2 {
		word := binary.BigEndian.Uint16(buffer[i : i+2])
		cksum += uint32(word)
	}

	// Handle remaining odd byte, if any
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8 // Shift last byte to 16 bits
	}

	// Fold 32-bit sum to 16 bits
	cksum = (cksum >> 16) + (cksum & 0xffff)
	cksum += (cksum >> 16)

	// Return one's complement of the final sum
	return ^uint16(cksum)
}

// assemblePseudoHeader assembles the IPv4 pseudo-header for checksum calculation
func assemblePseudoHeader(buffer []byte, srcIP, dstIP net.IP, segmentLength uint16) error {
	if len(buffer) != TcpPseudoHeaderLength {
		return fmt.Errorf("tcp pseudo header buffer length(%d) is not TcpPseudoHeaderLength", len(buffer))
	}
	src, dst := srcIP.To4(), dstIP.To4()
	if src == nil || dst == nil {
		return fmt.Errorf("pseudo header requires IPv4 addresses, got %s -> %s", srcIP, dstIP)
	}
	copy(buffer[0:4], src)
	copy(buffer[4:8], dst)
	buffer[8] = 0
	buffer[9] = uint8(layers.IPProtocolTCP)
	binary.BigEndian.PutUint16(buffer[10:12], segmentLength)
	return nil
}
