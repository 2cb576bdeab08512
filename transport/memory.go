package transport

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultMemoryInbox is the per-socket queue length of the in-memory transport.
const DefaultMemoryInbox = 1024

// Memory is an in-process transport with ROUTER/DEALER semantics.
// Endpoints are plain map keys; any string works.
//
// Unlike a real network it fails loudly and deterministically: dialing an endpoint
// nobody listens on returns ErrConnectionRefused, and closing a listening socket
// resets every dealer connected to it.
type Memory struct {
	mu        sync.Mutex
	routers   map[string]*memRouter
	inboxSize int
}

func NewMemory() *Memory {
	return &Memory{
		routers:   make(map[string]*memRouter),
		inboxSize: DefaultMemoryInbox,
	}
}

func (m *Memory) Listen(endpoint string) (Socket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.routers[endpoint]; ok {
		return nil, ErrAddressInUse
	}
	r := &memRouter{
		m:        m,
		endpoint: endpoint,
		inbox:    make(chan [][]byte, m.inboxSize),
		peers:    make(map[string]*memDealer),
		closed:   make(chan struct{}),
	}
	m.routers[endpoint] = r
	return r, nil
}

func (m *Memory) Dial(endpoint string) (Socket, error) {
	m.mu.Lock()
	r, ok := m.routers[endpoint]
	m.mu.Unlock()
	if !ok {
		return nil, ErrConnectionRefused
	}

	id := uuid.New()
	d := &memDealer{
		id:     id[:],
		router: r,
		inbox:  make(chan [][]byte, m.inboxSize),
		closed: make(chan struct{}),
		reset:  make(chan struct{}),
	}
	if !r.attach(d) {
		return nil, ErrConnectionRefused
	}
	return d, nil
}

func copyFrames(prefix []byte, frames [][]byte) [][]byte {
	out := make([][]byte, 0, len(frames)+1)
	if prefix != nil {
		out = append(out, append([]byte(nil), prefix...))
	}
	for _, f := range frames {
		out = append(out, append([]byte{}, f...))
	}
	return out
}

type memRouter struct {
	m        *Memory
	endpoint string
	inbox    chan [][]byte

	mu        sync.Mutex
	peers     map[string]*memDealer
	closed    chan struct{}
	closeOnce sync.Once
}

func (r *memRouter) attach(d *memDealer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.closed:
		return false
	default:
	}
	r.peers[string(d.id)] = d
	return true
}

func (r *memRouter) detach(id []byte) {
	r.mu.Lock()
	delete(r.peers, string(id))
	r.mu.Unlock()
}

// Send routes by the first frame. Messages for unknown peers are dropped, as a ROUTER does.
func (r *memRouter) Send(frames [][]byte) error {
	if len(frames) < 1 {
		return ErrUnknownPeer
	}
	r.mu.Lock()
	peer, ok := r.peers[string(frames[0])]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	msg := copyFrames(nil, frames[1:])
	select {
	case peer.inbox <- msg:
		return nil
	case <-peer.closed:
		return nil
	case <-r.closed:
		return ErrClosed
	}
}

func (r *memRouter) Recv() ([][]byte, error) {
	select {
	case msg := <-r.inbox:
		return msg, nil
	case <-r.closed:
		return nil, ErrClosed
	}
}

func (r *memRouter) Close() error {
	r.closeOnce.Do(func() {
		r.m.mu.Lock()
		if r.m.routers[r.endpoint] == r {
			delete(r.m.routers, r.endpoint)
		}
		r.m.mu.Unlock()

		r.mu.Lock()
		close(r.closed)
		for _, p := range r.peers {
			p.resetOnce.Do(func() { close(p.reset) })
		}
		r.peers = map[string]*memDealer{}
		r.mu.Unlock()
	})
	return nil
}

type memDealer struct {
	id     []byte
	router *memRouter
	inbox  chan [][]byte

	closed    chan struct{}
	closeOnce sync.Once
	reset     chan struct{}
	resetOnce sync.Once
}

func (d *memDealer) Send(frames [][]byte) error {
	select {
	case <-d.closed:
		return ErrClosed
	case <-d.reset:
		return ErrPeerReset
	default:
	}

	msg := copyFrames(d.id, frames)
	select {
	case d.router.inbox <- msg:
		return nil
	case <-d.router.closed:
		return ErrPeerReset
	case <-d.closed:
		return ErrClosed
	}
}

func (d *memDealer) Recv() ([][]byte, error) {
	// Deliver what already arrived before reporting a reset
	select {
	case msg := <-d.inbox:
		return msg, nil
	default:
	}

	select {
	case msg := <-d.inbox:
		return msg, nil
	case <-d.closed:
		return nil, ErrClosed
	case <-d.reset:
		return nil, ErrPeerReset
	}
}

func (d *memDealer) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.router.detach(d.id)
	})
	return nil
}
