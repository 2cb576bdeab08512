package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"rpcz/message"
)

func TestEncodeDecode(t *testing.T) {
	cases := []*message.Envelope{
		{RequestID: 1, Service: "Arith", Method: "Add", Payload: []byte(`{"a":1,"b":2}`)},
		{RequestID: 12345, Status: message.StatusOK, Payload: []byte("3")},
		{RequestID: 0, Status: message.StatusNoSuchMethod},
		{RequestID: ^uint64(0), Status: message.StatusApplicationError, Payload: []byte("boom")},
		{Identity: []byte("peer"), RequestID: 7, Service: "S", Method: "M"},
		{Identity: []byte{0x00, 0x01}, RequestID: 8, Status: message.StatusCancelled},
	}

	for _, env := range cases {
		frames, err := Encode(env)
		require.NoError(t, err)

		routed := env.Identity != nil
		decoded, err := Decode(frames, routed)
		require.NoError(t, err)
		require.Equal(t, env, decoded)
	}
}

func TestEncodeFrameOrder(t *testing.T) {
	frames, err := Encode(&message.Envelope{
		RequestID: 0x0102030405060708,
		Service:   "Svc",
		Method:    "M",
		Status:    message.StatusOK,
		Payload:   []byte("body"),
	})
	require.NoError(t, err)
	require.Len(t, frames, FrameCount)

	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, frames[0])
	require.Equal(t, []byte{0, 3, 'S', 'v', 'c', 0, 1, 'M'}, frames[1])
	require.Equal(t, []byte{0}, frames[2])
	require.Equal(t, []byte("body"), frames[3])
}

func TestEncodeReplyHasEmptyNames(t *testing.T) {
	frames, err := Encode(&message.Envelope{RequestID: 9, Status: message.StatusDeadlineExceeded})
	require.NoError(t, err)
	require.Len(t, frames[1], 0)
	require.Equal(t, []byte{byte(message.StatusDeadlineExceeded)}, frames[2])
}

func TestEncodeNameTooLong(t *testing.T) {
	_, err := Encode(&message.Envelope{Service: strings.Repeat("x", 1<<16), Method: "M"})
	require.Equal(t, ErrNameTooLong, err)
}

func TestEncodeRejectsWhatDecodeRejects(t *testing.T) {
	cases := map[string]*message.Envelope{
		"service only":   {RequestID: 1, Service: "S"},
		"method only":    {RequestID: 1, Method: "M"},
		"empty identity": {Identity: []byte{}, RequestID: 1, Service: "S", Method: "M"},
		"unknown status": {RequestID: 1, Status: message.Status(42)},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Encode(env)
			require.True(t, errors.Is(err, ErrMalformed), "%v", err)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	good, err := Encode(&message.Envelope{RequestID: 5, Service: "S", Method: "M"})
	require.NoError(t, err)

	cases := map[string]struct {
		frames   [][]byte
		routed   bool
		keepsID  bool
		contains string
	}{
		"no frames":          {frames: nil, contains: "request id"},
		"short id":           {frames: [][]byte{{1, 2, 3}, {}, {0}, {}}, contains: "request id"},
		"missing identity":   {frames: append([][]byte{{}}, good...), routed: true, contains: "identity"},
		"too few frames":     {frames: good[:3], keepsID: true, contains: "expected 4 frames"},
		"too many frames":    {frames: append(append([][]byte{}, good...), []byte("x")), keepsID: true, contains: "expected 4 frames"},
		"unknown status":     {frames: [][]byte{good[0], good[1], {99}, {}}, keepsID: true, contains: "unknown status"},
		"wide status":        {frames: [][]byte{good[0], good[1], {0, 0}, {}}, keepsID: true, contains: "status frame"},
		"truncated name":     {frames: [][]byte{good[0], {0, 9, 'S'}, {0}, {}}, keepsID: true, contains: "truncated name"},
		"trailing bytes":     {frames: [][]byte{good[0], append(append([]byte{}, good[1]...), 'z'), {0}, {}}, keepsID: true, contains: "trailing"},
		"service w/o method": {frames: [][]byte{good[0], {0, 1, 'S', 0, 0}, {0}, {}}, keepsID: true, contains: "both be set"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			env, err := Decode(tc.frames, tc.routed)
			require.Error(t, err)
			require.Equal(t, ErrMalformed, errors.Cause(err))
			require.Contains(t, err.Error(), tc.contains)
			if tc.keepsID {
				require.NotNil(t, env)
				require.Equal(t, uint64(5), env.RequestID)
			}
		})
	}
}

func TestDecodeLargePayload(t *testing.T) {
	// 1MB payload
	large := make([]byte, 1024*1024)
	for i := range large {
		large[i] = byte(i % 256)
	}

	frames, err := Encode(&message.Envelope{RequestID: 999, Status: message.StatusOK, Payload: large})
	require.NoError(t, err)

	env, err := Decode(frames, false)
	require.NoError(t, err)
	if !bytes.Equal(env.Payload, large) {
		t.Fatal("large payload mismatch")
	}
}
