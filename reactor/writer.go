package reactor

import (
	"sync"
	"sync/atomic"

	"rpcz/transport"
)

// writer owns the sending side of one socket incarnation. Socket.Send may block on a
// slow peer, so it only ever runs here, never on the loop goroutine.
type writer struct {
	sock  transport.Socket
	queue chan [][]byte
	stop  chan struct{}
	once  sync.Once

	// full is set when trySend was refused; the next completed send wakes the loop
	full atomic.Bool
	wake func()
	fail func(error)
}

func newWriter(s transport.Socket, buffer int, wake func(), fail func(error)) *writer {
	return &writer{
		sock:  s,
		queue: make(chan [][]byte, buffer),
		stop:  make(chan struct{}),
		wake:  wake,
		fail:  fail,
	}
}

func (w *writer) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case frames := <-w.queue:
			if err := w.sock.Send(frames); err != nil {
				w.fail(err)
				return
			}
			if w.full.CompareAndSwap(true, false) {
				w.wake()
			}
		case <-w.stop:
			return
		}
	}
}

// trySend hands frames to the writer without blocking. False means the buffer is full.
func (w *writer) trySend(frames [][]byte) bool {
	select {
	case w.queue <- frames:
		return true
	default:
		w.full.Store(true)
		return false
	}
}

// close stops the writer; messages still buffered are dropped.
func (w *writer) close() {
	w.once.Do(func() { close(w.stop) })
}
