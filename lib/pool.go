package lib

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Pool is the shared ring pool backing segment payloads. It is created by
// NewTcpCore and sized by the payload pool size and preferred MSS.
var Pool *rp.RingPool

// Payload is one pooled payload buffer for a single TCP segment.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload is the element factory handed to the ring pool. The single
// parameter is the buffer length for each chunk.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		logger.Error("NewPayload: invalid number of parameters, want exactly the buffer length")
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok {
		logger.Error("NewPayload: buffer length parameter must be an int")
		return nil
	}

	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source byte slice(%d) is longer than buffer length(%d)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("payload copy: source byte slice is empty")
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

// GetSlice returns the occupied part of the payload buffer.
func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}
