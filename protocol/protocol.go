// Package protocol implements the envelope codec for rpcz.
//
// An envelope travels as one multipart message. Frame boundaries are kept by the
// transport, so no length prefix is needed around a frame; only the
// service+method frame packs two strings and carries their lengths.
//
// Frame layout:
//
//	┌──────────────┬──────────────────┬────────────────────────────────┬────────┬─────────────┐
//	│  identity    │   request id     │ svcLen │ service │ mLen │ method │ status │   payload   │
//	│ routed only  │ uint64, 8 bytes  │ uint16 │         │uint16│        │ 1 byte │  opaque     │
//	└──────────────┴──────────────────┴────────────────────────────────┴────────┴─────────────┘
//
// Replies carry a zero-length service+method frame.
package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"rpcz/message"
)

const (
	RequestIDSize = 8
	StatusSize    = 1

	// Frame counts with and without the leading routing identity.
	FrameCount       = 4
	RoutedFrameCount = FrameCount + 1

	maxNameLen = 1<<16 - 1
)

// ErrMalformed is the cause of every decoding failure.
var ErrMalformed = errors.New("malformed envelope")

// ErrNameTooLong is returned by Encode when a service or method name cannot be length-prefixed.
var ErrNameTooLong = errors.New("service or method name exceeds 65535 bytes")

// Encode turns an envelope into ordered frames. A non-nil Identity becomes the first frame.
// Envelopes Decode would reject are refused with ErrMalformed.
// The output does not alias any name, but payload and identity slices are shared with env.
func Encode(env *message.Envelope) ([][]byte, error) {
	if len(env.Service) > maxNameLen || len(env.Method) > maxNameLen {
		return nil, ErrNameTooLong
	}
	if (env.Service == "") != (env.Method == "") {
		return nil, errors.Wrap(ErrMalformed, "service and method must be set together")
	}
	if env.Identity != nil && len(env.Identity) == 0 {
		return nil, errors.Wrap(ErrMalformed, "empty routing identity")
	}
	if !env.Status.Valid() {
		return nil, errors.Wrapf(ErrMalformed, "unknown status %d", env.Status)
	}

	frames := make([][]byte, 0, RoutedFrameCount)
	if env.Identity != nil {
		frames = append(frames, env.Identity)
	}

	// Request id: 8 bytes, big-endian
	id := make([]byte, RequestIDSize)
	binary.BigEndian.PutUint64(id, env.RequestID)
	frames = append(frames, id)

	// Service + method, empty on replies
	var names []byte
	if env.IsRequest() {
		names = make([]byte, 2+len(env.Service)+2+len(env.Method))
		offset := 0
		binary.BigEndian.PutUint16(names[offset:], uint16(len(env.Service)))
		offset += 2
		offset += copy(names[offset:], env.Service)
		binary.BigEndian.PutUint16(names[offset:], uint16(len(env.Method)))
		offset += 2
		copy(names[offset:], env.Method)
	} else {
		names = []byte{}
	}
	frames = append(frames, names)

	frames = append(frames, []byte{byte(env.Status)})

	payload := env.Payload
	if payload == nil {
		payload = []byte{}
	}
	frames = append(frames, payload)

	return frames, nil
}

// Decode parses frames produced by Encode. routed tells whether a leading identity frame
// is expected, which is the case on sockets bound in the server role.
//
// Every failure wraps ErrMalformed. If the request id frame was readable, the returned
// envelope is non-nil even on error and carries Identity and RequestID, so the caller can
// still answer or resolve the call.
func Decode(frames [][]byte, routed bool) (*message.Envelope, error) {
	want := FrameCount
	if routed {
		want = RoutedFrameCount
	}

	// Step 1: the identity frame is needed for anything we could answer
	env := &message.Envelope{}
	if routed {
		if len(frames) == 0 || len(frames[0]) == 0 {
			return nil, errors.Wrap(ErrMalformed, "missing routing identity")
		}
		env.Identity = frames[0]
		frames = frames[1:]
		want--
	}

	// Step 2: request id
	if len(frames) == 0 || len(frames[0]) != RequestIDSize {
		return nil, errors.Wrap(ErrMalformed, "invalid request id frame")
	}
	env.RequestID = binary.BigEndian.Uint64(frames[0])

	// Step 3: frame count
	if len(frames) != want {
		return env, errors.Wrapf(ErrMalformed, "expected %d frames, got %d", want, len(frames))
	}

	// Step 4: service + method
	if err := decodeNames(frames[1], env); err != nil {
		return env, err
	}

	// Step 5: status
	if len(frames[2]) != StatusSize {
		return env, errors.Wrapf(ErrMalformed, "status frame has %d bytes", len(frames[2]))
	}
	st := message.Status(frames[2][0])
	if !st.Valid() {
		return env, errors.Wrapf(ErrMalformed, "unknown status %d", frames[2][0])
	}
	env.Status = st

	// Step 6: payload, zero-length payload decodes to nil
	if len(frames[3]) > 0 {
		env.Payload = frames[3]
	}

	return env, nil
}

func decodeNames(buf []byte, env *message.Envelope) error {
	if len(buf) == 0 {
		return nil
	}

	offset := 0
	read := func() (string, error) {
		if len(buf)-offset < 2 {
			return "", errors.Wrap(ErrMalformed, "truncated name length")
		}
		n := int(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
		if len(buf)-offset < n {
			return "", errors.Wrap(ErrMalformed, "truncated name")
		}
		s := string(buf[offset : offset+n])
		offset += n
		return s, nil
	}

	svc, err := read()
	if err != nil {
		return err
	}
	method, err := read()
	if err != nil {
		return err
	}
	if offset != len(buf) {
		return errors.Wrap(ErrMalformed, "trailing bytes after method name")
	}
	if svc == "" || method == "" {
		return errors.Wrap(ErrMalformed, "service and method must both be set")
	}

	env.Service = svc
	env.Method = method
	return nil
}
