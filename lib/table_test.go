package lib

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmatchedSegmentWithAckDrawsRst(t *testing.T) {
	e := newTestEnv()

	// An ACK for a connection that does not exist.
	e.table.handleSegment(segIn(4000, 9999, ACKFlag, nil))

	rst := e.nextSegment(t)
	require.True(t, rst.HasFlags(RSTFlag))
	assert.False(t, rst.HasFlags(ACKFlag))
	assert.Equal(t, uint32(9999), rst.SequenceNumber, "RST seq must echo the offending ack")
	assert.True(t, rst.DstIP.Equal(testClientIP))
	assert.Equal(t, testClientPort, rst.DestinationPort)
}

func TestUnmatchedSegmentWithoutAckDrawsRstAck(t *testing.T) {
	e := newTestEnv()

	// A stray FIN with payload, no ACK: the RST must claim its whole
	// sequence span so the sender can correlate it.
	payload := []byte("junk")
	e.table.handleSegment(segIn(4000, 0, FINFlag, payload))

	rst := e.nextSegment(t)
	require.True(t, rst.HasFlags(RSTFlag|ACKFlag))
	assert.Equal(t, uint32(0), rst.SequenceNumber)
	assert.Equal(t, uint32(4000+len(payload)+1), rst.AcknowledgmentNum, "ack must cover payload plus FIN")
}

func TestUnmatchedRstIsDropped(t *testing.T) {
	e := newTestEnv()

	// A RST never draws a RST, or two endpoints could volley resets.
	e.table.handleSegment(segIn(4000, 0, RSTFlag, nil))
	e.assertNoSegment(t)

	e.table.handleSegment(segIn(4000, 9999, RSTFlag|ACKFlag, nil))
	e.assertNoSegment(t)
}

func TestSynToNonListeningPortDrawsRst(t *testing.T) {
	e := newTestEnv()
	_, err := newListener(e.table, testServerIP, testServerPort)
	require.NoError(t, err)

	syn := segIn(1000, 0, SYNFlag, nil)
	syn.DestinationPort = testServerPort + 1
	e.table.handleSegment(syn)

	rst := e.nextSegment(t)
	require.True(t, rst.HasFlags(RSTFlag | ACKFlag))
	assert.Equal(t, uint32(1001), rst.AcknowledgmentNum, "SYN occupies one sequence number")
}

func TestSynToWrongAddressDrawsRst(t *testing.T) {
	e := newTestEnv()
	_, err := newListener(e.table, testServerIP, testServerPort)
	require.NoError(t, err)

	syn := segIn(1000, 0, SYNFlag, nil)
	syn.DstIP = net.ParseIP("192.168.100.77").To4()
	e.table.handleSegment(syn)

	rst := e.nextSegment(t)
	assert.True(t, rst.HasFlags(RSTFlag))
}

func TestClosedListenerRefusesSyn(t *testing.T) {
	e := newTestEnv()
	listener, err := newListener(e.table, testServerIP, testServerPort)
	require.NoError(t, err)
	require.NoError(t, listener.Close())

	e.table.handleSegment(segIn(1000, 0, SYNFlag, nil))
	rst := e.nextSegment(t)
	assert.True(t, rst.HasFlags(RSTFlag))

	_, err = listener.Accept()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestListenerPortCollision(t *testing.T) {
	e := newTestEnv()
	_, err := newListener(e.table, testServerIP, testServerPort)
	require.NoError(t, err)

	_, err = newListener(e.table, testServerIP, testServerPort)
	assert.Error(t, err, "second listener on the same port must be refused")
}

func TestLocalPortInUse(t *testing.T) {
	e := newTestEnv()
	_, _, _ = establishServerConn(t, e)

	assert.True(t, e.table.localPortInUse(testServerPort))
	assert.False(t, e.table.localPortInUse(testServerPort+1))
}

func TestQuadKeyDirection(t *testing.T) {
	// The key built from an inbound segment, where the local side is the
	// destination, must match the key built server-side at listen time.
	seg := segIn(1000, 0, SYNFlag, nil)
	fromSegment := quadKey(seg.DstIP, seg.DestinationPort, seg.SrcIP, seg.SourcePort)
	fromListen := quadKey(testServerIP, testServerPort, testClientIP, testClientPort)
	assert.Equal(t, fromListen, fromSegment)

	// Likewise for a dialed connection: the server's reply, keyed by its
	// destination, must land on the key the dialing side registered.
	reply := &TcpPacket{
		SrcIP:           testServerIP,
		DstIP:           testClientIP,
		SourcePort:      testServerPort,
		DestinationPort: testClientPort,
	}
	fromReply := quadKey(reply.DstIP, reply.DestinationPort, reply.SrcIP, reply.SourcePort)
	fromDial := quadKey(testClientIP, testClientPort, testServerIP, testServerPort)
	assert.Equal(t, fromDial, fromReply)

	// The two directions must never collide.
	assert.NotEqual(t, fromSegment, fromReply)
}
