package reactor

import (
	"sync/atomic"
	"time"

	"rpcz/transport"
)

// State of a connection as seen by callers.
type State int32

const (
	StateConnecting State = iota // client socket lost, redial pending
	StateConnected
	StateClosed // terminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one socket owned by a reactor: a client connection calls out,
// a server connection receives requests for its dispatcher.
//
// Callers only read the atomic mirrors; every other field belongs to the loop goroutine.
type Connection struct {
	r        *Reactor
	id       uint64
	role     transport.Role
	endpoint string

	state    atomic.Int32
	nextID   atomic.Uint64
	reserved atomic.Int64 // reconnect queue slots taken by admitted calls

	// loop-owned
	sock       transport.Socket
	w          *writer // sends on sock
	gen        uint64
	table      *callTable
	outbound   []*pendingCall // not yet handed to the writer, issuance order
	replies    [][][]byte     // encoded replies waiting for writer room
	failures   int
	redialAt   time.Time
	dialing    bool
	dispatcher Dispatcher
}

func newConnection(r *Reactor, role transport.Role, endpoint string) *Connection {
	c := &Connection{
		r:        r,
		id:       r.nextConnID.Add(1),
		role:     role,
		endpoint: endpoint,
		table:    newCallTable(),
	}
	c.state.Store(int32(StateConnected))
	return c
}

func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) Role() transport.Role { return c.role }

func (c *Connection) Endpoint() string { return c.endpoint }

func (c *Connection) State() State { return State(c.state.Load()) }

// Close closes the connection for good. Calls still pending resolve with CONNECTION_LOST.
func (c *Connection) Close() error {
	return c.r.CloseConnection(c)
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Connection) key() transport.Key {
	return transport.Key{Conn: c.id, Gen: c.gen}
}

// reserve takes a reconnect queue slot, or reports the queue full.
func (c *Connection) reserve(capacity int) bool {
	if c.reserved.Add(1) > int64(capacity) {
		c.reserved.Add(-1)
		return false
	}
	return true
}

func (c *Connection) release(pc *pendingCall) {
	if pc.reserved {
		pc.reserved = false
		c.reserved.Add(-1)
	}
}
