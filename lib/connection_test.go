package lib

import (
	"io"
	"net"
	"os"
	"testing"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.ErrorLevel)
	Pool = rp.NewRingPool("test: ", 64, NewPayload, 1440)
	os.Exit(m.Run())
}

var (
	testServerIP = net.ParseIP("192.168.100.1").To4()
	testClientIP = net.ParseIP("192.168.100.2").To4()
)

const (
	testServerPort uint16 = 8901
	testClientPort uint16 = 33000
)

// testEnv wires a connection table to buffered output channels so tests can
// inspect every segment the engine emits.
type testEnv struct {
	table *ConnectionTable
	out   chan *TcpPacket
	sig   chan *TcpPacket
}

func newTestEnv() *testEnv {
	out := make(chan *TcpPacket, 100)
	sig := make(chan *TcpPacket, 100)
	cfg := DefaultConnectionConfig()
	cfg.MSL = 10 * time.Millisecond
	return &testEnv{
		table: newConnectionTable(out, sig, cfg),
		out:   out,
		sig:   sig,
	}
}

// segIn builds an inbound segment as seen from the server side.
func segIn(seq, ack uint32, flags uint8, payload []byte) *TcpPacket {
	return segInWin(seq, ack, flags, payload, 4096)
}

// segInWin is segIn with the advertised window under test control.
func segInWin(seq, ack uint32, flags uint8, payload []byte, win uint16) *TcpPacket {
	return &TcpPacket{
		SrcIP:             testClientIP,
		DstIP:             testServerIP,
		SourcePort:        testClientPort,
		DestinationPort:   testServerPort,
		SequenceNumber:    seq,
		AcknowledgmentNum: ack,
		Flags:             flags,
		WindowSize:        win,
		Payload:           payload,
	}
}

// nextSegment pops one emitted segment, signalling channel first.
func (e *testEnv) nextSegment(t *testing.T) *TcpPacket {
	t.Helper()
	select {
	case p := <-e.sig:
		return p
	case p := <-e.out:
		return p
	case <-time.After(time.Second):
		t.Fatal("expected an emitted segment, got none")
		return nil
	}
}

func (e *testEnv) assertNoSegment(t *testing.T) {
	t.Helper()
	select {
	case p := <-e.sig:
		t.Fatalf("unexpected segment emitted: flags=%#x seq=%d ack=%d", p.Flags, p.SequenceNumber, p.AcknowledgmentNum)
	case p := <-e.out:
		t.Fatalf("unexpected data segment emitted: seq=%d", p.SequenceNumber)
	default:
	}
}

// establishServerConn drives a passive open through the table and returns
// the established connection plus the client's running sequence numbers.
func establishServerConn(t *testing.T, e *testEnv) (conn *Connection, clientNxt, serverNxt uint32) {
	t.Helper()

	listener, err := newListener(e.table, testServerIP, testServerPort)
	require.NoError(t, err)

	const clientISS uint32 = 1000
	e.table.handleSegment(segIn(clientISS, 0, SYNFlag, nil))

	synAck := e.nextSegment(t)
	require.True(t, synAck.HasFlags(SYNFlag|ACKFlag), "expected SYN+ACK")
	assert.Equal(t, SeqIncrement(clientISS), synAck.AcknowledgmentNum)

	clientNxt = SeqIncrement(clientISS)
	serverNxt = SeqIncrement(synAck.SequenceNumber)
	e.table.handleSegment(segIn(clientNxt, serverNxt, ACKFlag, nil))

	conn, err = listener.Accept()
	require.NoError(t, err)
	require.Equal(t, StateEstablished, conn.State())
	e.assertNoSegment(t)
	return conn, clientNxt, serverNxt
}

func TestPassiveOpenHandshake(t *testing.T) {
	e := newTestEnv()
	conn, _, _ := establishServerConn(t, e)

	key := quadKey(testServerIP, testServerPort, testClientIP, testClientPort)
	_, ok := e.table.lookup(key)
	assert.True(t, ok, "established connection must be in the table")
	assert.Equal(t, StateEstablished, conn.State())
}

func TestDuplicateSynIsIdempotent(t *testing.T) {
	e := newTestEnv()
	_, err := newListener(e.table, testServerIP, testServerPort)
	require.NoError(t, err)

	const clientISS uint32 = 5000
	e.table.handleSegment(segIn(clientISS, 0, SYNFlag, nil))
	first := e.nextSegment(t)
	require.True(t, first.HasFlags(SYNFlag|ACKFlag))

	// The retransmitted SYN must draw the same SYN+ACK, not a new connection.
	e.table.handleSegment(segIn(clientISS, 0, SYNFlag, nil))
	second := e.nextSegment(t)
	require.True(t, second.HasFlags(SYNFlag|ACKFlag))
	assert.Equal(t, first.SequenceNumber, second.SequenceNumber)
	assert.Equal(t, first.AcknowledgmentNum, second.AcknowledgmentNum)

	key := quadKey(testServerIP, testServerPort, testClientIP, testClientPort)
	conn, ok := e.table.lookup(key)
	require.True(t, ok)
	assert.Equal(t, StateSynReceived, conn.State())
}

func TestDataDeliveryAndDuplicateSegment(t *testing.T) {
	e := newTestEnv()
	conn, clientNxt, serverNxt := establishServerConn(t, e)

	payload := []byte("hello")
	e.table.handleSegment(segIn(clientNxt, serverNxt, ACKFlag, payload))

	ack := e.nextSegment(t)
	require.True(t, ack.HasFlags(ACKFlag))
	assert.Equal(t, SeqIncrementBy(clientNxt, uint32(len(payload))), ack.AcknowledgmentNum)

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])

	// The same segment again: re-ACK the same point, deliver nothing.
	e.table.handleSegment(segIn(clientNxt, serverNxt, ACKFlag, payload))
	dupAck := e.nextSegment(t)
	require.True(t, dupAck.HasFlags(ACKFlag))
	assert.Equal(t, ack.AcknowledgmentNum, dupAck.AcknowledgmentNum)

	select {
	case data := <-conn.readChannel:
		t.Fatalf("duplicate segment delivered data again: %q", data)
	default:
	}
}

func TestOutOfWindowSegmentDrawsDuplicateAck(t *testing.T) {
	e := newTestEnv()
	conn, clientNxt, serverNxt := establishServerConn(t, e)

	// A segment starting one past the receive window's end.
	farSeq := SeqIncrementBy(clientNxt, uint32(conn.config.WindowSize)+1)
	e.table.handleSegment(segIn(farSeq, serverNxt, ACKFlag, []byte("stray")))

	ack := e.nextSegment(t)
	require.True(t, ack.HasFlags(ACKFlag))
	assert.Equal(t, clientNxt, ack.AcknowledgmentNum, "duplicate ACK must re-assert rcv.nxt")
	assert.Equal(t, StateEstablished, conn.State())

	select {
	case <-conn.readChannel:
		t.Fatal("out-of-window payload must not be delivered")
	default:
	}
}

func TestInWindowSynDrawsChallengeAck(t *testing.T) {
	e := newTestEnv()
	conn, clientNxt, serverNxt := establishServerConn(t, e)

	e.table.handleSegment(segIn(clientNxt, serverNxt, SYNFlag|ACKFlag, nil))
	challenge := e.nextSegment(t)
	require.True(t, challenge.HasFlags(ACKFlag))
	assert.False(t, challenge.HasFlags(SYNFlag))
	assert.Equal(t, clientNxt, challenge.AcknowledgmentNum)
	assert.Equal(t, StateEstablished, conn.State())
}

func TestAckBeyondSndNxtIsDropped(t *testing.T) {
	e := newTestEnv()
	conn, clientNxt, serverNxt := establishServerConn(t, e)

	// Acknowledge data we never sent, with payload riding along.
	e.table.handleSegment(segIn(clientNxt, SeqIncrementBy(serverNxt, 999), ACKFlag, []byte("x")))
	ack := e.nextSegment(t)
	require.True(t, ack.HasFlags(ACKFlag))

	// The payload must have been dropped with the bogus ACK.
	select {
	case <-conn.readChannel:
		t.Fatal("segment with ACK beyond SND.NXT must be dropped whole")
	default:
	}
	assert.Equal(t, StateEstablished, conn.State())
}

func TestActiveCloseFourWay(t *testing.T) {
	e := newTestEnv()
	conn, clientNxt, serverNxt := establishServerConn(t, e)

	require.NoError(t, conn.Close())
	fin := e.nextSegment(t)
	require.True(t, fin.HasFlags(FINFlag|ACKFlag))
	assert.Equal(t, serverNxt, fin.SequenceNumber)
	assert.Equal(t, StateFinWait1, conn.State())

	// Peer acknowledges our FIN.
	e.table.handleSegment(segIn(clientNxt, SeqIncrement(serverNxt), ACKFlag, nil))
	assert.Equal(t, StateFinWait2, conn.State())

	// Peer sends its own FIN.
	e.table.handleSegment(segIn(clientNxt, SeqIncrement(serverNxt), FINFlag|ACKFlag, nil))
	finAck := e.nextSegment(t)
	require.True(t, finAck.HasFlags(ACKFlag))
	assert.Equal(t, SeqIncrement(clientNxt), finAck.AcknowledgmentNum)
	assert.Equal(t, StateTimeWait, conn.State())

	// Only the 2*MSL timer moves TIME-WAIT to CLOSED.
	key := quadKey(testServerIP, testServerPort, testClientIP, testClientPort)
	require.Eventually(t, func() bool {
		_, inTable := e.table.lookup(key)
		return conn.State() == StateClosed && !inTable
	}, time.Second, 5*time.Millisecond)
}

func TestSimultaneousClose(t *testing.T) {
	e := newTestEnv()
	conn, clientNxt, serverNxt := establishServerConn(t, e)

	require.NoError(t, conn.Close())
	fin := e.nextSegment(t)
	require.True(t, fin.HasFlags(FINFlag | ACKFlag))

	// Peer's FIN crosses ours: it does not acknowledge our FIN yet.
	e.table.handleSegment(segIn(clientNxt, serverNxt, FINFlag|ACKFlag, nil))
	finAck := e.nextSegment(t)
	require.True(t, finAck.HasFlags(ACKFlag))
	assert.Equal(t, StateClosing, conn.State())

	// Now the peer acknowledges our FIN.
	e.table.handleSegment(segIn(SeqIncrement(clientNxt), SeqIncrement(serverNxt), ACKFlag, nil))
	assert.Equal(t, StateTimeWait, conn.State())
}

func TestPassiveClose(t *testing.T) {
	e := newTestEnv()
	conn, clientNxt, serverNxt := establishServerConn(t, e)

	// Peer closes first.
	e.table.handleSegment(segIn(clientNxt, serverNxt, FINFlag|ACKFlag, nil))
	finAck := e.nextSegment(t)
	require.True(t, finAck.HasFlags(ACKFlag))
	assert.Equal(t, SeqIncrement(clientNxt), finAck.AcknowledgmentNum)
	assert.Equal(t, StateCloseWait, conn.State())

	// The read side reports EOF once drained.
	buf := make([]byte, 8)
	_, err := conn.Read(buf)
	assert.Equal(t, io.EOF, err)

	// Our side closes: FIN out, LAST-ACK, then the final ACK finishes it.
	require.NoError(t, conn.Close())
	fin := e.nextSegment(t)
	require.True(t, fin.HasFlags(FINFlag|ACKFlag))
	assert.Equal(t, StateLastAck, conn.State())

	e.table.handleSegment(segIn(SeqIncrement(clientNxt), SeqIncrement(serverNxt), ACKFlag, nil))
	assert.Equal(t, StateClosed, conn.State())
}

func TestRstAbortsConnection(t *testing.T) {
	e := newTestEnv()
	conn, clientNxt, serverNxt := establishServerConn(t, e)

	e.table.handleSegment(segIn(clientNxt, serverNxt, RSTFlag, nil))
	assert.Equal(t, StateClosed, conn.State())

	buf := make([]byte, 8)
	_, err := conn.Read(buf)
	assert.ErrorIs(t, err, ErrReset)

	key := quadKey(testServerIP, testServerPort, testClientIP, testClientPort)
	_, inTable := e.table.lookup(key)
	assert.False(t, inTable, "reset connection must be purged from the table")

	// Segments after the abort belong to no connection and draw a RST.
	e.table.handleSegment(segIn(clientNxt, serverNxt, ACKFlag, nil))
	rst := e.nextSegment(t)
	assert.True(t, rst.HasFlags(RSTFlag))
}

func TestActiveOpenHandshake(t *testing.T) {
	e := newTestEnv()

	params := &connectionParams{
		key:           quadKey(testClientIP, testClientPort, testServerIP, testServerPort),
		localAddr:     testClientIP,
		localPort:     testClientPort,
		remoteAddr:    testServerIP,
		remotePort:    testServerPort,
		outputChan:    e.out,
		sigOutputChan: e.sig,
		table:         e.table,
	}
	conn, err := newConnection(params, e.table.connConfig)
	require.NoError(t, err)
	require.NoError(t, e.table.insert(conn))

	conn.dial()
	syn := e.nextSegment(t)
	require.True(t, syn.HasFlags(SYNFlag))
	require.False(t, syn.HasFlags(ACKFlag))
	assert.Equal(t, StateSynSent, conn.State())

	const peerISS uint32 = 77000
	synAck := &TcpPacket{
		SrcIP:             testServerIP,
		DstIP:             testClientIP,
		SourcePort:        testServerPort,
		DestinationPort:   testClientPort,
		SequenceNumber:    peerISS,
		AcknowledgmentNum: SeqIncrement(syn.SequenceNumber),
		Flags:             SYNFlag | ACKFlag,
		WindowSize:        4096,
	}
	e.table.handleSegment(synAck)

	ack := e.nextSegment(t)
	require.True(t, ack.HasFlags(ACKFlag))
	assert.Equal(t, SeqIncrement(peerISS), ack.AcknowledgmentNum)
	assert.Equal(t, StateEstablished, conn.State())
	require.NoError(t, conn.WaitEstablished(time.Second))
}

func TestUnacceptableAckInSynSentDrawsRst(t *testing.T) {
	e := newTestEnv()

	params := &connectionParams{
		key:           quadKey(testClientIP, testClientPort, testServerIP, testServerPort),
		localAddr:     testClientIP,
		localPort:     testClientPort,
		remoteAddr:    testServerIP,
		remotePort:    testServerPort,
		outputChan:    e.out,
		sigOutputChan: e.sig,
		table:         e.table,
	}
	conn, err := newConnection(params, e.table.connConfig)
	require.NoError(t, err)
	require.NoError(t, e.table.insert(conn))

	conn.dial()
	syn := e.nextSegment(t)

	bogusAck := SeqIncrementBy(syn.SequenceNumber, 999)
	e.table.handleSegment(&TcpPacket{
		SrcIP:             testServerIP,
		DstIP:             testClientIP,
		SourcePort:        testServerPort,
		DestinationPort:   testClientPort,
		SequenceNumber:    123,
		AcknowledgmentNum: bogusAck,
		Flags:             ACKFlag,
		WindowSize:        4096,
	})

	rst := e.nextSegment(t)
	require.True(t, rst.HasFlags(RSTFlag))
	assert.Equal(t, bogusAck, rst.SequenceNumber, "RST must carry the offending ack as its seq")
	assert.Equal(t, StateSynSent, conn.State(), "a stray ACK must not kill the handshake")
}

func TestWriteChunksBySendWindow(t *testing.T) {
	e := newTestEnv()
	conn, clientNxt, serverNxt := establishServerConn(t, e)

	data := []byte("ping")
	n, err := conn.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	seg := e.nextSegment(t)
	assert.Equal(t, serverNxt, seg.SequenceNumber)
	assert.Equal(t, data, seg.Payload)
	seg.ReturnChunk()

	// Peer acknowledges; snd.una catches up and more data can flow.
	e.table.handleSegment(segIn(clientNxt, SeqIncrementBy(serverNxt, uint32(len(data))), ACKFlag, nil))
	n, err = conn.Write([]byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	seg = e.nextSegment(t)
	assert.Equal(t, SeqIncrementBy(serverNxt, uint32(len(data))), seg.SequenceNumber)
	seg.ReturnChunk()
}

func TestWriteBlocksOnFullWindow(t *testing.T) {
	e := newTestEnv()
	conn, clientNxt, serverNxt := establishServerConn(t, e)

	// Peer shrinks its receive window to four bytes.
	e.table.handleSegment(segInWin(clientNxt, serverNxt, ACKFlag, nil, 4))
	e.assertNoSegment(t)

	data := []byte("0123456789")
	done := make(chan int, 1)
	go func() {
		n, _ := conn.Write(data)
		done <- n
	}()

	seg := e.nextSegment(t)
	assert.Equal(t, serverNxt, seg.SequenceNumber)
	assert.Equal(t, data[:4], seg.Payload)
	seg.ReturnChunk()

	// The window is full; Write must park until the peer frees space.
	select {
	case n := <-done:
		t.Fatalf("Write returned %d with the send window full", n)
	case <-time.After(50 * time.Millisecond):
	}

	e.table.handleSegment(segInWin(clientNxt, SeqIncrementBy(serverNxt, 4), ACKFlag, nil, 4))
	seg = e.nextSegment(t)
	assert.Equal(t, SeqIncrementBy(serverNxt, 4), seg.SequenceNumber)
	assert.Equal(t, data[4:8], seg.Payload)
	seg.ReturnChunk()

	select {
	case n := <-done:
		t.Fatalf("Write returned %d with the send window full again", n)
	case <-time.After(50 * time.Millisecond):
	}

	e.table.handleSegment(segInWin(clientNxt, SeqIncrementBy(serverNxt, 8), ACKFlag, nil, 4))
	seg = e.nextSegment(t)
	assert.Equal(t, SeqIncrementBy(serverNxt, 8), seg.SequenceNumber)
	assert.Equal(t, data[8:], seg.Payload)
	seg.ReturnChunk()

	select {
	case n := <-done:
		assert.Equal(t, len(data), n)
	case <-time.After(time.Second):
		t.Fatal("Write did not return after the window opened")
	}
}
