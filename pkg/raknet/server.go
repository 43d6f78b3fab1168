package raknet

import (
	"bytes"
	"net"

	"goraknet/pkg/bitstream"
)

// handleConnectionRequest checks password, then replies with
// ConnectionRequestAccepted carrying both endpoints' (IPv4, port), sent
// reliably so the handshake survives loss.
func (t *Transport) handleConnectionRequest(conn *Connection, password []byte) {
	if !bytes.Equal(password, t.password) {
		t.log.WithField("addr", conn.Addr().String()).Warn("connection request: bad password")
		conn.Close()
		return
	}
	w := bitstream.NewWriter()
	w.WriteUint8(byte(MsgConnectionRequestAccepted))
	writeIPv4Port(w, conn.Addr())
	w.WriteUint16(0) // connection index: unused, always zero
	writeIPv4Port(w, t.listenAddr)
	conn.Send(w.Bytes(), Reliable)
}

// handleInternalPing replies with ConnectedPong: the peer's send time
// echoed verbatim, followed by our own millisecond clock.
func (t *Transport) handleInternalPing(conn *Connection, rest []byte) {
	r := bitstream.NewReader(rest)
	sendTime, err := r.ReadUint32()
	if err != nil {
		t.log.WithError(err).Warn("malformed InternalPing")
		return
	}
	w := bitstream.NewWriter()
	w.WriteUint8(byte(MsgConnectedPong))
	w.WriteUint32(sendTime)
	w.WriteUint32(conn.nowMillis())
	conn.Send(w.Bytes(), Unreliable)
}

func writeIPv4Port(w *bitstream.Writer, addr *net.UDPAddr) {
	ip4 := addr.IP.To4()
	w.WriteBytes(ip4)
	w.WriteUint16(uint16(addr.Port))
}
