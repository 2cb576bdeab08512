// Package transport hides the messaging library behind a small multipart socket abstraction.
//
// A client-role socket talks to exactly one server endpoint (DEALER semantics). A
// server-role socket accepts many peers and prefixes every inbound message with the
// sender's identity frame; outbound messages must start with the identity of the peer
// to route to (ROUTER semantics).
//
//	client socket ──[id, names, status, payload]──►  server socket
//	                                                 recv: [identity, id, names, status, payload]
//	client socket ◄──[id, names, status, payload]──  send: [identity, id, names, status, payload]
//
// None of the calls here is made from a goroutine that must not block, except
// through the Poller, whose Poll is the reactor's only blocking point.
package transport

import (
	"fmt"

	"github.com/pkg/errors"
)

type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

var (
	ErrClosed            = errors.New("socket closed")
	ErrConnectionRefused = errors.New("connection refused")
	ErrPeerReset         = errors.New("connection reset by peer")
	ErrAddressInUse      = errors.New("address already in use")
	ErrUnknownPeer       = errors.New("no peer with that identity")
)

// Socket sends and receives whole multipart messages.
type Socket interface {
	// Send writes one multipart message. Frames are not retained after Send returns.
	Send(frames [][]byte) error
	// Recv blocks until one multipart message arrives or the socket fails.
	// Any error means the socket is unusable.
	Recv() ([][]byte, error)
	Close() error
}

// Transport opens sockets on opaque endpoint strings.
type Transport interface {
	Dial(endpoint string) (Socket, error)
	Listen(endpoint string) (Socket, error)
}

// Open dials for RoleClient and listens for RoleServer.
func Open(t Transport, role Role, endpoint string) (Socket, error) {
	var (
		s   Socket
		err error
	)
	switch role {
	case RoleClient:
		s, err = t.Dial(endpoint)
	case RoleServer:
		s, err = t.Listen(endpoint)
	default:
		return nil, errors.Errorf("invalid role %v", role)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s socket on %s", role, endpoint)
	}
	return s, nil
}
