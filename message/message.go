// Package message defines the envelope exchanged between caller and server.
//
// Envelope is the unit the reactor routes. It gets encoded into ordered frames by
// the protocol package and carried as one multipart message by the transport.
//
//   - On request:  Service and Method are set, Status is OK, Payload holds the serialized args.
//   - On reply:    Service and Method are empty, Status tells how the call ended.
//   - Identity is only present on frames a server-role socket received; it routes the reply back.
package message

import "fmt"

// Status is the terminal state of a call. Its numeric value is the wire byte.
type Status byte

const (
	StatusOK               Status = 0
	StatusApplicationError Status = 1
	StatusDeadlineExceeded Status = 2
	StatusNoSuchMethod     Status = 3
	StatusMalformed        Status = 4
	StatusConnectionLost   Status = 5
	StatusCancelled        Status = 6
)

var statusNames = [...]string{
	StatusOK:               "OK",
	StatusApplicationError: "APPLICATION_ERROR",
	StatusDeadlineExceeded: "DEADLINE_EXCEEDED",
	StatusNoSuchMethod:     "NO_SUCH_METHOD",
	StatusMalformed:        "MALFORMED",
	StatusConnectionLost:   "CONNECTION_LOST",
	StatusCancelled:        "CANCELLED",
}

// Valid reports whether s is a known status byte.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Status(%d)", byte(s))
	}
	return statusNames[s]
}

// Envelope carries the routing, correlation and payload data of one request or reply.
type Envelope struct {
	Identity  []byte // Routing token of the peer, set on server-side inbound frames only
	RequestID uint64 // Correlation key, unique among outstanding calls of one connection
	Service   string // Empty on replies
	Method    string // Empty on replies
	Status    Status
	Payload   []byte // Opaque bytes produced by the payload codec
}

// IsRequest reports whether the envelope names a method to invoke.
func (e *Envelope) IsRequest() bool {
	return e.Service != "" || e.Method != ""
}

// FullMethod returns "Service.Method".
func (e *Envelope) FullMethod() string {
	return e.Service + "." + e.Method
}

// Reply builds the reply envelope for a request, keeping its routing identity and request id.
func (e *Envelope) Reply(status Status, payload []byte) *Envelope {
	return &Envelope{
		Identity:  e.Identity,
		RequestID: e.RequestID,
		Status:    status,
		Payload:   payload,
	}
}
