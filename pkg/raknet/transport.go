package raknet

import (
	"net"

	"github.com/sirupsen/logrus"
)

// noisyMessages are logged at Debug rather than Info by default, so the
// liveness ping/pong traffic does not drown out connection lifecycle events.
var noisyMessages = map[MessageID]bool{
	MsgInternalPing:  true,
	MsgConnectedPong: true,
}

// Transport owns a logical UDP endpoint: a mapping from remote address to
// Connection, max_connections enforcement, and the open/close handshake.
// It is the sole entity that creates and destroys Connections.
type Transport struct {
	listenAddr     *net.UDPAddr
	sink           DatagramSink
	sched          Scheduler
	maxConnections int
	password       []byte

	connections map[string]*Connection

	// OnUserPacket receives every payload not special-cased by the server
	// glue (i.e. everything except ConnectionRequest/NewIncomingConnection/
	// InternalPing). OnOpen/OnClose fire as connections are created and torn
	// down.
	OnUserPacket func(conn *Connection, payload []byte)
	OnOpen       func(conn *Connection)
	OnClose      func(conn *Connection)
	// OnConnected fires once NewIncomingConnection arrives: the client has
	// received ConnectionRequestAccepted and considers the handshake done.
	OnConnected func(conn *Connection)

	log *logrus.Entry
}

// NewTransport returns a Transport bound (logically) to listenAddr. sink is
// used for every outbound send, including raw control replies.
func NewTransport(listenAddr *net.UDPAddr, sink DatagramSink, sched Scheduler, maxConnections int, password string) *Transport {
	return &Transport{
		listenAddr:     listenAddr,
		sink:           sink,
		sched:          sched,
		maxConnections: maxConnections,
		password:       []byte(password),
		connections:    make(map[string]*Connection),
		log:            logrus.WithField("component", "transport"),
	}
}

// Connections returns a snapshot slice of all currently live connections.
func (t *Transport) Connections() []*Connection {
	out := make([]*Connection, 0, len(t.connections))
	for _, c := range t.connections {
		out = append(out, c)
	}
	return out
}

// HandleDatagram is the DatagramSource callback: it posts the actual work
// onto the scheduler's single goroutine so Connection/Transport state is
// only ever touched from one place.
func (t *Transport) HandleDatagram(data []byte, addr *net.UDPAddr) {
	t.sched.Post(func() { t.handleDatagramSync(data, addr) })
}

func (t *Transport) handleDatagramSync(data []byte, addr *net.UDPAddr) {
	if len(data) <= 2 {
		t.handleRawControl(data, addr)
		return
	}
	conn, ok := t.connections[addr.String()]
	if !ok {
		t.log.WithField("addr", addr.String()).Debug("datagram from unknown peer dropped")
		return
	}
	conn.HandleDatagram(data)
}

func (t *Transport) handleRawControl(data []byte, addr *net.UDPAddr) {
	if len(data) == 0 {
		return
	}
	switch MessageID(data[0]) {
	case MsgOpenConnectionRequest:
		t.onOpenConnectionRequest(addr)
	default:
		t.log.WithField("addr", addr.String()).Debug("unrecognised raw control datagram")
	}
}

func (t *Transport) onOpenConnectionRequest(addr *net.UDPAddr) {
	key := addr.String()
	if _, existing := t.connections[key]; !existing {
		if len(t.connections) >= t.maxConnections {
			t.sink.Send([]byte{byte(MsgNoFreeIncomingConnections), 0}, addr)
			return
		}
		t.newConnection(addr)
	}
	// Reuse the existing Connection on a repeat request without resetting
	// its state, matching the reference's observed behaviour.
	t.sink.Send([]byte{byte(MsgOpenConnectionReply), 0}, addr)
}

func (t *Transport) newConnection(addr *net.UDPAddr) *Connection {
	key := addr.String()
	conn := NewConnection(addr, t.sink, t.sched)
	conn.OnReceive = func(payload []byte) {
		t.dispatchReceive(conn, payload)
	}
	conn.OnClose = func() {
		delete(t.connections, key)
		if t.OnClose != nil {
			t.OnClose(conn)
		}
	}
	t.connections[key] = conn
	if t.OnOpen != nil {
		t.OnOpen(conn)
	}
	return conn
}

func (t *Transport) dispatchReceive(conn *Connection, payload []byte) {
	if len(payload) == 0 {
		return
	}
	id := MessageID(payload[0])
	entry := conn.log.WithField("msg", id.String())
	if noisyMessages[id] {
		entry.Debug("received")
	} else {
		entry.Info("received")
	}
	switch id {
	case MsgConnectionRequest:
		t.handleConnectionRequest(conn, payload[1:])
	case MsgNewIncomingConnection:
		t.log.WithField("addr", conn.Addr().String()).Info("new incoming connection")
		if t.OnConnected != nil {
			t.OnConnected(conn)
		}
	case MsgInternalPing:
		t.handleInternalPing(conn, payload[1:])
	default:
		if t.OnUserPacket != nil {
			t.OnUserPacket(conn, payload)
		}
	}
}
