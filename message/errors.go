package message

import (
	"encoding/binary"
	"fmt"
)

// ApplicationError is what a handler returns to fail a call on purpose.
// It travels as the payload of an APPLICATION_ERROR reply.
type ApplicationError struct {
	Code    int32
	Message string
}

func (e *ApplicationError) Error() string {
	if e.Code == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Diagnostic encodes the error as [code int32 big-endian][message bytes].
func (e *ApplicationError) Diagnostic() []byte {
	buf := make([]byte, 4+len(e.Message))
	binary.BigEndian.PutUint32(buf, uint32(e.Code))
	copy(buf[4:], e.Message)
	return buf
}

// ParseDiagnostic decodes an APPLICATION_ERROR payload. Payloads too short to carry a
// code are taken as a bare message.
func ParseDiagnostic(p []byte) *ApplicationError {
	if len(p) < 4 {
		return &ApplicationError{Message: string(p)}
	}
	return &ApplicationError{
		Code:    int32(binary.BigEndian.Uint32(p)),
		Message: string(p[4:]),
	}
}
