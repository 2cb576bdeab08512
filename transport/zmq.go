package transport

import (
	"context"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultZMQDialTimeout bounds a single ZeroMQ connect attempt.
const DefaultZMQDialTimeout = 5 * time.Second

// ZMQ opens ZeroMQ sockets: DEALER for clients, ROUTER for servers.
// Endpoints use ZeroMQ syntax, e.g. "tcp://127.0.0.1:5555".
type ZMQ struct {
	ctx         context.Context
	dialTimeout time.Duration
	opts        []zmq4.Option
}

// NewZMQ creates a ZeroMQ transport. Sockets are torn down when ctx is done.
// Extra options are applied to every socket.
func NewZMQ(ctx context.Context, dialTimeout time.Duration, opts ...zmq4.Option) *ZMQ {
	if dialTimeout <= 0 {
		dialTimeout = DefaultZMQDialTimeout
	}
	return &ZMQ{ctx: ctx, dialTimeout: dialTimeout, opts: opts}
}

func (z *ZMQ) Dial(endpoint string) (Socket, error) {
	// A stable identity per socket lets the server route replies to this peer
	id := uuid.New()
	opts := append([]zmq4.Option{
		zmq4.WithID(zmq4.SocketIdentity(id[:])),
		zmq4.WithDialerTimeout(z.dialTimeout),
	}, z.opts...)

	s := zmq4.NewDealer(z.ctx, opts...)
	if err := s.Dial(endpoint); err != nil {
		_ = s.Close()
		return nil, errors.Wrapf(ErrConnectionRefused, "zmq dial %s: %v", endpoint, err)
	}
	return &zmqSocket{sock: s}, nil
}

func (z *ZMQ) Listen(endpoint string) (Socket, error) {
	s := zmq4.NewRouter(z.ctx, z.opts...)
	if err := s.Listen(endpoint); err != nil {
		_ = s.Close()
		return nil, errors.Wrapf(err, "zmq listen %s", endpoint)
	}
	return &zmqSocket{sock: s}, nil
}

type zmqSocket struct {
	sock zmq4.Socket
}

func (s *zmqSocket) Send(frames [][]byte) error {
	return s.sock.SendMulti(zmq4.NewMsgFrom(frames...))
}

func (s *zmqSocket) Recv() ([][]byte, error) {
	msg, err := s.sock.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Frames, nil
}

func (s *zmqSocket) Close() error {
	return s.sock.Close()
}
