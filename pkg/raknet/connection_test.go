package raknet

import (
	"net"
	"testing"
	"time"

	"goraknet/pkg/bitstream"
	"goraknet/pkg/rangelist"
)

type fakeHandle struct{ cancelled bool }

func (h *fakeHandle) Cancel() { h.cancelled = true }

// fakeScheduler never fires timers on its own; Schedule callbacks are only
// invoked if a test explicitly calls them. Post runs synchronously, which
// is sufficient for single-goroutine unit tests.
type fakeScheduler struct {
	now time.Time
}

func newFakeScheduler() *fakeScheduler { return &fakeScheduler{now: time.Unix(1700000000, 0)} }

func (f *fakeScheduler) Now() time.Time                               { return f.now }
func (f *fakeScheduler) Schedule(_ time.Duration, _ func()) Handle    { return &fakeHandle{} }
func (f *fakeScheduler) Post(fn func())                               { fn() }

type fakeSink struct{ sent [][]byte }

func (s *fakeSink) Send(data []byte, _ *net.UDPAddr) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.sent = append(s.sent, cp)
	return nil
}

func testAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}
}

// buildDatagram writes one header (no acks) + one packet record, matching
// Connection.writeHeader/writeRecord's wire format, so tests can drive
// HandleDatagram without going through Send.
func buildDatagram(reliability Reliability, orderingIndex uint32, messageNumber uint32, payload []byte) []byte {
	w := bitstream.NewWriter()
	w.WriteBit(false) // has_acks
	w.WriteBit(true)  // has_remote_system_time
	w.WriteUint32(0)
	w.WriteUint32(messageNumber)
	w.WriteBits(byte(reliability), 3)
	if reliability == UnreliableSequenced || reliability == ReliableOrdered {
		w.WriteBits(0, 5)
		w.WriteUint32(orderingIndex)
	}
	w.WriteBit(false) // is_split
	w.WriteCompressedUint16(uint16(len(payload) * 8))
	w.AlignWrite()
	w.WriteBytes(payload)
	return w.Bytes()
}

func newTestConnection() (*Connection, *fakeSink, *fakeScheduler) {
	sched := newFakeScheduler()
	sink := &fakeSink{}
	c := NewConnection(testAddr(), sink, sched)
	return c, sink, sched
}

func TestDuplicateReliableSuppression(t *testing.T) {
	c, _, _ := newTestConnection()
	var received [][]byte
	c.OnReceive = func(p []byte) { received = append(received, p) }

	dg := buildDatagram(Reliable, 0, 7, []byte("hello"))
	c.HandleDatagram(dg)
	c.HandleDatagram(dg)

	if len(received) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(received))
	}
	if string(received[0]) != "hello" {
		t.Errorf("got %q", received[0])
	}
}

func TestReliableOrderedReordering(t *testing.T) {
	c, _, _ := newTestConnection()
	var received [][]byte
	c.OnReceive = func(p []byte) { received = append(received, p) }

	c.HandleDatagram(buildDatagram(ReliableOrdered, 0, 1, []byte("a")))
	c.HandleDatagram(buildDatagram(ReliableOrdered, 2, 2, []byte("c")))
	c.HandleDatagram(buildDatagram(ReliableOrdered, 1, 3, []byte("b")))

	if len(received) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(received))
	}
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if string(received[i]) != w {
			t.Errorf("position %d: got %q want %q", i, received[i], w)
		}
	}
}

func TestUnreliableSequencedSuppression(t *testing.T) {
	c, _, _ := newTestConnection()
	var received [][]byte
	c.OnReceive = func(p []byte) { received = append(received, p) }

	c.HandleDatagram(buildDatagram(UnreliableSequenced, 5, 0, []byte("five")))
	c.HandleDatagram(buildDatagram(UnreliableSequenced, 3, 0, []byte("three")))

	if len(received) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(received))
	}
	if string(received[0]) != "five" {
		t.Errorf("got %q", received[0])
	}
}

func TestSplitAndReassemble(t *testing.T) {
	sender, sink, _ := newTestConnection()
	// Split/reassemble is independent of congestion control; widen the
	// window so every fragment transmits immediately instead of trickling
	// out as ACKs would otherwise gate them one at a time.
	sender.cwnd.cwnd = 1000
	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = byte(i)
	}
	sender.Send(payload, ReliableOrdered)

	if len(sink.sent) < 2 {
		t.Fatalf("expected payload to split into multiple datagrams, got %d", len(sink.sent))
	}

	receiver, _, _ := newTestConnection()
	var received [][]byte
	receiver.OnReceive = func(p []byte) { received = append(received, p) }

	// Feed fragments in reverse arrival order to exercise out-of-order
	// reassembly.
	for i := len(sink.sent) - 1; i >= 0; i-- {
		receiver.HandleDatagram(sink.sent[i])
	}

	if len(received) != 1 {
		t.Fatalf("expected exactly one reassembled delivery, got %d", len(received))
	}
	if len(received[0]) != len(payload) {
		t.Fatalf("reassembled length %d, want %d", len(received[0]), len(payload))
	}
	for i := range payload {
		if received[0][i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, received[0][i], payload[i])
		}
	}
}

// extractRecordPayload strips the shared datagram header (including any
// piggybacked acks) and one non-split packet record's framing, returning
// its payload.
func extractRecordPayload(t *testing.T, data []byte) []byte {
	t.Helper()
	r := bitstream.NewReader(data)
	hasAcks, _ := r.ReadBit()
	if hasAcks {
		r.ReadUint32() // echoed remote_system_time
		if _, err := rangelist.Deserialize(r); err != nil {
			t.Fatalf("reading acks: %v", err)
		}
	}
	hasTime, _ := r.ReadBit()
	if hasTime {
		r.ReadUint32()
	}
	r.ReadUint32() // message_number
	relBits, _ := r.ReadBits(3)
	rel := Reliability(relBits)
	if rel == UnreliableSequenced || rel == ReliableOrdered {
		r.ReadBits(5)
		r.ReadUint32()
	}
	isSplit, _ := r.ReadBit()
	if isSplit {
		t.Fatal("unexpected split record")
	}
	lengthBits, _ := r.ReadCompressedUint16()
	r.AlignRead()
	payload, err := r.ReadBytes(int(lengthBits+7) / 8)
	if err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	return payload
}

func TestInboundInternalPingExample(t *testing.T) {
	c, _, _ := newTestConnection()
	var received [][]byte
	c.OnReceive = func(p []byte) { received = append(received, p) }

	dg := []byte{0x41, 0x86, 0xc4, 0x40, 0x1e, 0x80, 0x00, 0x00, 0x12, 0x28, 0x00, 0x06, 0x1b, 0x11, 0x00}
	c.HandleDatagram(dg)

	if len(received) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(received))
	}
	want := []byte{0x00, 0x06, 0x1b, 0x11, 0x00}
	if len(received[0]) != len(want) {
		t.Fatalf("payload length %d, want %d (got %x)", len(received[0]), len(want), received[0])
	}
	for i, b := range want {
		if received[0][i] != b {
			t.Fatalf("byte %d: got %#x want %#x (got %x)", i, received[0][i], b, received[0])
		}
	}
}

func TestInboundAcksOnlyExample(t *testing.T) {
	c, _, _ := newTestConnection()
	var received [][]byte
	c.OnReceive = func(p []byte) { received = append(received, p) }

	beforeAckTime := c.lastAckTime

	dg := []byte{0xba, 0x6e, 0x04, 0x00, 0x63, 0x78, 0x00, 0x00, 0x00, 0x00}
	c.HandleDatagram(dg)

	if len(received) != 0 {
		t.Fatalf("expected zero upstream payloads, got %d", len(received))
	}
	if c.rto.SRTT() == -1 {
		t.Fatal("expected an RTT sample to have been recorded from the ack")
	}
	if c.lastAckTime.Before(beforeAckTime) {
		t.Fatal("lastAckTime should not move backward")
	}
}

func TestConnectionRequestAcceptedBytes(t *testing.T) {
	sched := newFakeScheduler()
	sink := &fakeSink{}
	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234}
	tr := NewTransport(local, sink, sched, 8, "")
	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}
	conn := tr.newConnection(peer)

	tr.handleConnectionRequest(conn, nil)

	if len(sink.sent) != 1 {
		t.Fatalf("expected 1 datagram, got %d", len(sink.sent))
	}
	body := extractRecordPayload(t, sink.sent[0])

	want := []byte{0x0e, 0x7f, 0x00, 0x00, 0x01, 0x39, 0x30, 0x00, 0x00, 0x7f, 0x00, 0x00, 0x01, 0xd2, 0x04}
	if len(body) != len(want) {
		t.Fatalf("body length %d, want %d (body=%x)", len(body), len(want), body)
	}
	for i, b := range want {
		if body[i] != b {
			t.Fatalf("byte %d: got %#x want %#x (body=%x)", i, body[i], b, body)
		}
	}
}

func TestConnectedPongBytes(t *testing.T) {
	sched := newFakeScheduler()
	sink := &fakeSink{}
	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234}
	tr := NewTransport(local, sink, sched, 8, "")
	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}
	conn := tr.newConnection(peer)
	sched.now = conn.startTime.Add(time.Duration(0xa98ac6) * time.Millisecond)

	ping := bitstream.NewWriter()
	ping.WriteUint32(0x0df0adba) // LE bytes ba ad f0 0d
	tr.handleInternalPing(conn, ping.Bytes())

	if len(sink.sent) != 1 {
		t.Fatalf("expected 1 datagram, got %d", len(sink.sent))
	}
	body := extractRecordPayload(t, sink.sent[0])

	want := []byte{0x03, 0xba, 0xad, 0xf0, 0x0d, 0xc6, 0x8a, 0xa9, 0x00}
	if len(body) != len(want) {
		t.Fatalf("body length %d, want %d (body=%x)", len(body), len(want), body)
	}
	for i, b := range want {
		if body[i] != b {
			t.Fatalf("byte %d: got %#x want %#x (body=%x)", i, body[i], b, body)
		}
	}
}
