// Package replica implements RakNet's replica-manager convention on top of
// the connection API: objects that write their own construction,
// serialization and destruction payloads, broadcast to a set of registered
// participants rather than to every live connection.
package replica

import (
	"sync"

	"github.com/sirupsen/logrus"

	"goraknet/pkg/bitstream"
	"goraknet/pkg/raknet"
)

// Replica is implemented by anything the manager can construct, serialize
// and destruct on participants' behalf.
type Replica interface {
	// WriteConstruction writes the payload sent when the object is first
	// constructed, or replayed to a participant joining later.
	WriteConstruction(w *bitstream.Writer)
	// Serialize writes the payload sent on an explicit Serialize call.
	Serialize(w *bitstream.Writer)
	// OnDestruction runs before the destruction message is sent.
	OnDestruction()
}

// Manager broadcasts object construction, serialization and destruction to
// a set of participant connections. Sending a Serialize message is never
// automatic; callers decide when an object's state is worth pushing.
type Manager struct {
	mu           sync.Mutex
	participants map[*raknet.Connection]bool
	networkIDs   map[Replica]uint16
	nextID       uint16
	log          *logrus.Entry
}

// NewManager returns an empty Manager listening on dispatcher for
// connection-close notifications, so a closed connection is dropped from
// the participant set automatically.
func NewManager(dispatcher *EventDispatcher) *Manager {
	m := &Manager{
		participants: make(map[*raknet.Connection]bool),
		networkIDs:   make(map[Replica]uint16),
		log:          logrus.WithField("component", "replica"),
	}
	dispatcher.AddListener(EventConnectionClosed, m.onConnectionClosed)
	return m
}

// AddParticipant starts broadcasting future construct/serialize/destruct
// messages to conn, and immediately replays construction messages for every
// object currently registered (constructed but not yet destructed).
func (m *Manager) AddParticipant(conn *raknet.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[conn] = true
	for obj := range m.networkIDs {
		m.sendConstruction(obj, []*raknet.Connection{conn})
	}
}

// Construct assigns obj a network id (if new is true) and sends a
// construction message to every current participant.
func (m *Manager) Construct(obj Replica, new bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if new {
		m.networkIDs[obj] = m.nextID
		m.nextID++
	}
	m.sendConstruction(obj, m.recipients())
}

// sendConstruction must be called with mu held.
func (m *Manager) sendConstruction(obj Replica, recipients []*raknet.Connection) {
	id, ok := m.networkIDs[obj]
	if !ok {
		return
	}
	w := bitstream.NewWriter()
	w.WriteUint8(byte(raknet.MsgReplicaManagerConstruction))
	w.WriteBit(true)
	w.WriteUint16(id)
	obj.WriteConstruction(w)
	payload := w.Bytes()
	for _, conn := range recipients {
		conn.Send(payload, raknet.ReliableOrdered)
	}
}

// Serialize sends obj's current state to every participant. The manager
// never calls this on its own; callers decide when to push an update.
func (m *Manager) Serialize(obj Replica) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.networkIDs[obj]
	if !ok {
		m.log.WithField("object", obj).Warn("serialize of unregistered replica ignored")
		return
	}
	w := bitstream.NewWriter()
	w.WriteUint8(byte(raknet.MsgReplicaManagerSerialize))
	w.WriteUint16(id)
	obj.Serialize(w)
	payload := w.Bytes()
	for _, conn := range m.recipients() {
		conn.Send(payload, raknet.ReliableOrdered)
	}
}

// Destruct calls obj.OnDestruction, sends a destruction message to every
// participant, and deregisters the object.
func (m *Manager) Destruct(obj Replica) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.networkIDs[obj]
	if !ok {
		return
	}
	m.log.WithField("networkID", id).Debug("destructing replica")
	obj.OnDestruction()

	w := bitstream.NewWriter()
	w.WriteUint8(byte(raknet.MsgReplicaManagerDestruction))
	w.WriteUint16(id)
	payload := w.Bytes()
	for _, conn := range m.recipients() {
		conn.Send(payload, raknet.ReliableOrdered)
	}
	delete(m.networkIDs, obj)
}

func (m *Manager) recipients() []*raknet.Connection {
	out := make([]*raknet.Connection, 0, len(m.participants))
	for c := range m.participants {
		out = append(out, c)
	}
	return out
}

func (m *Manager) onConnectionClosed(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.participants, ev.Conn)
}
