package transport

import (
	"context"
	"sync"
	"time"
)

// Key identifies one socket incarnation of a connection. Gen changes every time a
// connection replaces its socket, so events of a dead socket can be told apart.
type Key struct {
	Conn uint64
	Gen  uint64
}

// Event is either one inbound message (Err == nil) or the close notification of a socket.
// After a close notification no further events are posted for that Key.
type Event struct {
	Key    Key
	Frames [][]byte
	Err    error
}

// DefaultPollBatch bounds how many events one Poll call returns.
const DefaultPollBatch = 256

// Poller turns blocking Recv calls into readiness events for a single consumer.
//
// Every watched socket gets one reader goroutine (reads must be sequential per socket).
// The readers post into a shared channel; Poll waits on that channel, on Wake, and on
// the caller's timeout, then drains whatever is ready without blocking again.
//
//	socket A ──recv──► reader A ──┐
//	socket B ──recv──► reader B ──┼──► events ──► Poll(timeout) ──► reactor
//	Wake() ───────────────────────┘ (wake chan)
type Poller struct {
	events   chan Event
	wake     chan struct{}
	done     chan struct{}
	maxBatch int

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPoller creates a poller whose event channel buffers up to buffer messages.
func NewPoller(buffer int) *Poller {
	if buffer < 0 {
		buffer = 0
	}
	return &Poller{
		events:   make(chan Event, buffer),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		maxBatch: DefaultPollBatch,
	}
}

// Watch starts reading s. The reader exits after the socket fails or the poller closes.
func (p *Poller) Watch(key Key, s Socket) {
	p.wg.Add(1)
	go p.readLoop(key, s)
}

func (p *Poller) readLoop(key Key, s Socket) {
	defer p.wg.Done()
	for {
		frames, err := s.Recv()
		ev := Event{Key: key, Frames: frames, Err: err}
		if err != nil {
			ev.Frames = nil
		}
		select {
		case p.events <- ev:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Wake makes a pending or the next Poll return early. Safe from any goroutine.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Poll blocks until an event or a wake-up arrives, timeout elapses, or ctx is done.
// A non-positive timeout only collects events that are already queued.
func (p *Poller) Poll(ctx context.Context, timeout time.Duration) ([]Event, error) {
	var batch []Event

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case ev := <-p.events:
			batch = append(batch, ev)
		case <-p.wake:
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, ErrClosed
		}
	}

	for len(batch) < p.maxBatch {
		select {
		case ev := <-p.events:
			batch = append(batch, ev)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

// Close stops delivering events. Readers blocked in Recv exit once their socket is closed.
func (p *Poller) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// Wait blocks until every reader goroutine has exited.
func (p *Poller) Wait() {
	p.wg.Wait()
}
