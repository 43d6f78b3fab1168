package raknet

import (
	"bytes"
	"net"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"goraknet/pkg/bitstream"
	"goraknet/pkg/rangelist"
)

// DatagramSink is the external collaborator a Connection sends framed
// datagrams through.
type DatagramSink interface {
	Send(data []byte, addr *net.UDPAddr) error
}

type splitInfo struct {
	splitID   uint16
	partIndex uint32
	partCount uint32
}

// outgoingPacket is an OutgoingPacket per §3: a payload plus enough framing
// metadata to (re)transmit it.
type outgoingPacket struct {
	payload       []byte
	reliability   Reliability
	orderingIndex uint32
	hasOrdering   bool
	split         *splitInfo
	messageNumber uint32
}

type resendEntry struct {
	packet *outgoingPacket
	handle Handle
}

type splitAssembly struct {
	parts    [][]byte
	received int
}

// Connection is the per-peer reliability state machine: framing,
// message-number assignment, ordering/sequencing, duplicate suppression,
// split/reassembly, ACK accumulation and retransmission scheduling.
//
// All mutation happens on the owning Scheduler's single goroutine; a
// Connection carries no locks of its own.
type Connection struct {
	addr  *net.UDPAddr
	sink  DatagramSink
	sched Scheduler
	log   *logrus.Entry
	id    string

	// OnReceive and OnClose are invoked (on the scheduler goroutine) as
	// payloads are delivered and as the connection tears down. Set by the
	// owning Transport before any datagram is handled.
	OnReceive func(payload []byte)
	OnClose   func()

	startTime        time.Time
	remoteSystemTime uint32

	acks        *rangelist.List
	lastAckTime time.Time

	rto  RTOEstimator
	cwnd CongestionWindow

	packetsSentThisWindow int

	sendMessageNumber   uint32
	sequencedWriteIndex uint32
	sequencedReadIndex  uint32
	orderedWriteIndex   uint32
	orderedReadIndex    uint32

	recentReliable [recentReliableSize]int64

	outOfOrder map[uint32][]byte
	splitQueue map[uint16]*splitAssembly
	nextSplitID uint16

	sends   []*outgoingPacket
	resends map[uint32]*resendEntry

	sendAcksHandle Handle
	livenessHandle Handle
	pumpHandle     Handle

	closed bool
}

// NewConnection constructs a Connection for addr, sending datagrams through
// sink and scheduling all timers/posts through sched.
func NewConnection(addr *net.UDPAddr, sink DatagramSink, sched Scheduler) *Connection {
	c := &Connection{
		addr:        addr,
		sink:        sink,
		sched:       sched,
		id:          xid.New().String(),
		startTime:   sched.Now(),
		acks:        rangelist.New(),
		rto:         NewRTOEstimator(),
		cwnd:        NewCongestionWindow(),
		outOfOrder:  make(map[uint32][]byte),
		splitQueue:  make(map[uint16]*splitAssembly),
		resends:     make(map[uint32]*resendEntry),
	}
	c.log = logrus.WithFields(logrus.Fields{"addr": addr.String(), "conn": c.id})
	for i := range c.recentReliable {
		c.recentReliable[i] = -1
	}
	c.lastAckTime = sched.Now()
	c.armLiveness()
	c.armPump()
	return c
}

// Addr returns the remote (IPv4, port) this connection talks to.
func (c *Connection) Addr() *net.UDPAddr { return c.addr }

// ID returns the connection's log-correlation id. It is not part of the
// wire protocol; peers are identified purely by address.
func (c *Connection) ID() string { return c.id }

// Closed reports whether Close has already run.
func (c *Connection) Closed() bool { return c.closed }

// nowMillis returns our clock, in milliseconds since the connection's
// start_time, per the clock basis resolved in SPEC_FULL.md.
func (c *Connection) nowMillis() uint32 {
	return uint32(c.sched.Now().Sub(c.startTime).Milliseconds())
}

// Send assigns framing for payload under reliability and queues it for
// transmission, splitting into fragments if it would not fit in a single
// datagram.
func (c *Connection) Send(payload []byte, reliability Reliability) {
	if c.closed {
		return
	}
	var orderingIndex uint32
	hasOrdering := reliability == UnreliableSequenced || reliability == ReliableOrdered
	if hasOrdering {
		if reliability == UnreliableSequenced {
			orderingIndex = c.sequencedWriteIndex
			c.sequencedWriteIndex++
		} else {
			orderingIndex = c.orderedWriteIndex
			c.orderedWriteIndex++
		}
	}

	if packetHeaderLength(reliability, false)+len(payload) < MaxDatagramPayload {
		c.enqueue(&outgoingPacket{
			payload:       payload,
			reliability:   reliability,
			orderingIndex: orderingIndex,
			hasOrdering:   hasOrdering,
		})
		return
	}

	chunkSize := MaxDatagramPayload - packetHeaderLength(reliability, true)
	splitID := c.nextSplitID
	c.nextSplitID++
	var chunks [][]byte
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	for i, chunk := range chunks {
		c.enqueue(&outgoingPacket{
			payload:       chunk,
			reliability:   reliability,
			orderingIndex: orderingIndex,
			hasOrdering:   hasOrdering,
			split: &splitInfo{
				splitID:   splitID,
				partIndex: uint32(i),
				partCount: uint32(len(chunks)),
			},
		})
	}
}

func (c *Connection) enqueue(op *outgoingPacket) {
	op.messageNumber = c.sendMessageNumber
	c.sendMessageNumber++
	c.transmitOrQueue(op)
}

// transmitOrQueue arms the retransmission timer (for Reliable/ReliableOrdered)
// and either transmits now, if the congestion window has room, or holds the
// packet in sends for the periodic pump to retry.
func (c *Connection) transmitOrQueue(op *outgoingPacket) {
	if op.reliability == Reliable || op.reliability == ReliableOrdered {
		c.armResend(op)
	}
	if float64(c.packetsSentThisWindow) >= c.cwnd.Cwnd() {
		c.sends = append(c.sends, op)
		return
	}
	c.packetsSentThisWindow++
	c.transmit(op)
}

func (c *Connection) armResend(op *outgoingPacket) {
	if entry, ok := c.resends[op.messageNumber]; ok && entry.handle != nil {
		entry.handle.Cancel()
	}
	handle := c.sched.Schedule(c.rto.RTODuration(), func() {
		c.onResendFire(op)
	})
	c.resends[op.messageNumber] = &resendEntry{packet: op, handle: handle}
}

func (c *Connection) onResendFire(op *outgoingPacket) {
	if c.closed {
		return
	}
	if _, ok := c.resends[op.messageNumber]; !ok {
		return // already acked
	}
	c.transmitOrQueue(op)
}

func (c *Connection) armPump() {
	c.pumpHandle = c.sched.Schedule(sendPumpIntervalMs*time.Millisecond, c.pump)
}

func (c *Connection) pump() {
	if c.closed {
		return
	}
	for len(c.sends) > 0 && float64(c.packetsSentThisWindow) < c.cwnd.Cwnd() {
		op := c.sends[0]
		c.sends = c.sends[1:]
		c.packetsSentThisWindow++
		c.transmit(op)
	}
	c.armPump()
}

// transmit writes one datagram: the shared header (acks, our clock) plus
// this packet's record, then hands it to the sink.
func (c *Connection) transmit(op *outgoingPacket) {
	w := bitstream.NewWriter()
	c.writeHeader(w)
	c.writeRecord(w, op)
	if err := c.sink.Send(w.Bytes(), c.addr); err != nil {
		c.log.WithError(err).Warn("datagram send failed")
	}
}

func (c *Connection) writeHeader(w *bitstream.Writer) {
	hasAcks := c.acks.Len() > 0
	w.WriteBit(hasAcks)
	if hasAcks {
		w.WriteUint32(c.remoteSystemTime)
		c.acks.Serialize(w)
		c.acks.Clear()
	}
	w.WriteBit(true)
	w.WriteUint32(c.nowMillis())
}

func (c *Connection) writeRecord(w *bitstream.Writer, op *outgoingPacket) {
	w.WriteUint32(op.messageNumber)
	w.WriteBits(byte(op.reliability), 3)
	if op.hasOrdering {
		w.WriteBits(0, 5)
		w.WriteUint32(op.orderingIndex)
	}
	isSplit := op.split != nil
	w.WriteBit(isSplit)
	if isSplit {
		w.WriteUint16(op.split.splitID)
		w.WriteCompressedUint32(op.split.partIndex)
		w.WriteCompressedUint32(op.split.partCount)
	}
	w.WriteCompressedUint16(uint16(len(op.payload) * 8))
	w.AlignWrite()
	w.WriteBytes(op.payload)
}

// flushAcks sends an acks-only datagram if any acks have accumulated since
// the last transmission. Armed once per batch by the first Reliable or
// ReliableOrdered record received.
func (c *Connection) flushAcks() {
	c.sendAcksHandle = nil
	if c.closed || c.acks.Len() == 0 {
		return
	}
	w := bitstream.NewWriter()
	c.writeHeader(w)
	if err := c.sink.Send(w.Bytes(), c.addr); err != nil {
		c.log.WithError(err).Warn("ack flush send failed")
	}
}

func (c *Connection) armAckFlush() {
	if c.sendAcksHandle != nil {
		return
	}
	c.sendAcksHandle = c.sched.Schedule(ackFlushDelayMillis*time.Millisecond, c.flushAcks)
}

func (c *Connection) armLiveness() {
	c.livenessHandle = c.sched.Schedule(livenessIntervalSecs*time.Second, c.checkLiveness)
}

func (c *Connection) checkLiveness() {
	if c.closed {
		return
	}
	if len(c.resends) > 0 && c.sched.Now().Sub(c.lastAckTime) > livenessIntervalSecs*time.Second {
		c.log.Warn("liveness probe timed out, closing connection")
		c.Close()
		return
	}
	c.armLiveness()
}

// HandleDatagram parses one inbound datagram: the shared header, then every
// packet record it contains, delivering completed payloads upstream.
func (c *Connection) HandleDatagram(data []byte) {
	if c.closed {
		return
	}
	r := bitstream.NewReader(data)
	ackOnly, err := c.handleHeader(r)
	if err != nil {
		c.log.WithError(err).Warn("malformed datagram header, closing connection")
		c.Close()
		return
	}
	if ackOnly {
		return
	}
	for !r.AllRead() {
		payloads, err := c.parseRecord(r)
		if err != nil {
			c.log.WithError(err).Warn("malformed packet record, closing connection")
			c.Close()
			return
		}
		for _, p := range payloads {
			c.deliver(p)
		}
	}
}

func (c *Connection) deliver(payload []byte) {
	if len(payload) > 0 {
		switch MessageID(payload[0]) {
		case MsgDisconnectionNotification, MsgConnectionLost:
			c.Close()
			return
		}
	}
	if c.OnReceive != nil {
		c.OnReceive(payload)
	}
}

func (c *Connection) handleHeader(r *bitstream.Reader) (ackOnly bool, err error) {
	hasAcks, err := r.ReadBit()
	if err != nil {
		return false, err
	}
	if hasAcks {
		echoMillis, err := r.ReadUint32()
		if err != nil {
			return false, err
		}
		rtt := c.sched.Now().Sub(c.startTime) - time.Duration(echoMillis)*time.Millisecond
		c.rto.Update(rtt.Seconds())

		acked, err := rangelist.Deserialize(r)
		if err != nil {
			return false, err
		}

		ackedValues := acked.Values()
		for _, mn := range ackedValues {
			if entry, ok := c.resends[mn]; ok {
				entry.handle.Cancel()
				delete(c.resends, mn)
			}
		}
		numHoles := 0
		for _, hole := range acked.Holes() {
			if _, ok := c.resends[hole]; ok {
				numHoles++
			}
		}
		c.cwnd.Update(c.packetsSentThisWindow, len(ackedValues), numHoles)
		c.packetsSentThisWindow = 0
		c.lastAckTime = c.sched.Now()
	}
	if r.AllRead() {
		return true, nil
	}
	hasRemoteTime, err := r.ReadBit()
	if err != nil {
		return false, err
	}
	if hasRemoteTime {
		t, err := r.ReadUint32()
		if err != nil {
			return false, err
		}
		c.remoteSystemTime = t
	}
	return false, nil
}

func (c *Connection) parseRecord(r *bitstream.Reader) ([][]byte, error) {
	messageNumber, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	relBits, err := r.ReadBits(3)
	if err != nil {
		return nil, err
	}
	reliability := Reliability(relBits)
	if reliability == ReliableSequenced {
		return nil, ErrProtocolViolation
	}

	var orderingIndex uint32
	if reliability == UnreliableSequenced || reliability == ReliableOrdered {
		channel, err := r.ReadBits(5)
		if err != nil {
			return nil, err
		}
		if channel != 0 {
			return nil, ErrProtocolViolation
		}
		orderingIndex, err = r.ReadUint32()
		if err != nil {
			return nil, err
		}
	}

	isSplit, err := r.ReadBit()
	if err != nil {
		return nil, err
	}
	var splitID uint16
	var partIndex, partCount uint32
	if isSplit {
		splitID, err = r.ReadUint16()
		if err != nil {
			return nil, err
		}
		partIndex, err = r.ReadCompressedUint32()
		if err != nil {
			return nil, err
		}
		partCount, err = r.ReadCompressedUint32()
		if err != nil {
			return nil, err
		}
	}

	lengthBits, err := r.ReadCompressedUint16()
	if err != nil {
		return nil, err
	}
	r.AlignRead()
	payload, err := r.ReadBytes(int(lengthBits+7) / 8)
	if err != nil {
		return nil, err
	}

	if reliability == Reliable || reliability == ReliableOrdered {
		c.acks.Insert(messageNumber)
		c.armAckFlush()
	}

	if isSplit {
		complete, assembled := c.assembleSplit(splitID, partIndex, partCount, payload)
		if !complete {
			return nil, nil
		}
		payload = assembled
	}

	switch reliability {
	case Reliable:
		if c.isRecentReliable(messageNumber) {
			return nil, nil
		}
		c.pushRecentReliable(messageNumber)
		return [][]byte{payload}, nil
	case UnreliableSequenced:
		if orderingIndex >= c.sequencedReadIndex {
			c.sequencedReadIndex = orderingIndex + 1
			return [][]byte{payload}, nil
		}
		return nil, nil
	case ReliableOrdered:
		return c.deliverOrdered(orderingIndex, payload), nil
	default:
		return [][]byte{payload}, nil
	}
}

func (c *Connection) deliverOrdered(idx uint32, payload []byte) [][]byte {
	if idx < c.orderedReadIndex {
		return nil
	}
	if idx > c.orderedReadIndex {
		c.outOfOrder[idx] = payload
		return nil
	}
	out := [][]byte{payload}
	c.orderedReadIndex++
	for {
		next, ok := c.outOfOrder[c.orderedReadIndex]
		if !ok {
			break
		}
		delete(c.outOfOrder, c.orderedReadIndex)
		out = append(out, next)
		c.orderedReadIndex++
	}
	return out
}

func (c *Connection) assembleSplit(id uint16, index, count uint32, payload []byte) (bool, []byte) {
	asm, ok := c.splitQueue[id]
	if !ok {
		asm = &splitAssembly{parts: make([][]byte, count)}
		c.splitQueue[id] = asm
	}
	if int(index) >= len(asm.parts) {
		return false, nil
	}
	if asm.parts[index] == nil {
		asm.received++
	}
	asm.parts[index] = payload
	if asm.received < len(asm.parts) {
		return false, nil
	}
	delete(c.splitQueue, id)
	var buf bytes.Buffer
	for _, p := range asm.parts {
		buf.Write(p)
	}
	return true, buf.Bytes()
}

func (c *Connection) isRecentReliable(mn uint32) bool {
	for _, v := range c.recentReliable {
		if v == int64(mn) {
			return true
		}
	}
	return false
}

func (c *Connection) pushRecentReliable(mn uint32) {
	copy(c.recentReliable[:], c.recentReliable[1:])
	c.recentReliable[len(c.recentReliable)-1] = int64(mn)
}

// Close cancels every outstanding timer, drops queued sends and emits
// OnClose. Calling Close twice is a no-op.
func (c *Connection) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.sendAcksHandle != nil {
		c.sendAcksHandle.Cancel()
	}
	if c.livenessHandle != nil {
		c.livenessHandle.Cancel()
	}
	if c.pumpHandle != nil {
		c.pumpHandle.Cancel()
	}
	for _, e := range c.resends {
		e.handle.Cancel()
	}
	c.resends = nil
	c.sends = nil
	if c.OnClose != nil {
		c.OnClose()
	}
}
