// Package reactor is the event loop that owns every socket, call and dispatch lookup.
//
// One goroutine runs the loop. Poll is its only blocking point; everything else it
// does is bounded work:
//
//	for {
//	    Poll(min(next deadline, next redial, tick))
//	    route inbound messages  -> resolve calls / dispatch requests
//	    run posted tasks        -> issue calls, send replies, cancel, connect
//	    hand waiting messages to the socket writers
//	    start backlogged jobs
//	    redial lost client sockets
//	    expire deadlines
//	}
//
// Application goroutines never touch loop state. They post closures onto a task queue
// and wake the poller. Sends happen on one writer goroutine per socket, so a slow
// peer backs messages up on its connection instead of stalling the loop. Handlers and callbacks run on a bounded worker pool unless the
// reactor is configured to run them inline.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rpcz/message"
	"rpcz/protocol"
	"rpcz/transport"
)

type Reactor struct {
	cfg     Config
	log     *zap.Logger
	metrics *Metrics
	tr      transport.Transport
	poller  *transport.Poller
	tasks   taskQueue
	workers *workerPool
	writers sync.WaitGroup

	// ctx is handed to handlers and is cancelled when the loop stops
	ctx    context.Context
	cancel context.CancelFunc

	nextConnID atomic.Uint64
	closed     atomic.Bool
	running    atomic.Bool
	stopped    chan struct{}

	// loop-owned
	conns     map[uint64]*Connection
	deadlines deadlineHeap
	closing   bool
}

// New builds a reactor over tr. It does nothing until Run or Start.
func New(tr transport.Transport, opts ...Option) *Reactor {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.normalize()

	r := &Reactor{
		cfg:     cfg,
		log:     cfg.Logger.Named("reactor"),
		metrics: cfg.Metrics,
		tr:      tr,
		poller:  transport.NewPoller(cfg.PollBuffer),
		stopped: make(chan struct{}),
		conns:   make(map[uint64]*Connection),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.workers = newWorkerPool(cfg.Workers, r.poller.Wake)
	return r
}

func (r *Reactor) Config() Config { return r.cfg }

func (r *Reactor) Metrics() *Metrics { return r.metrics }

// Start runs the loop on a new goroutine.
func (r *Reactor) Start() error {
	if r.closed.Load() {
		return ErrReactorClosed
	}
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	go func() { _ = r.loop(context.Background()) }()
	return nil
}

// Run runs the loop on the calling goroutine until ctx is done or Close is called.
// Every connection is closed and every pending call resolved before it returns.
func (r *Reactor) Run(ctx context.Context) error {
	if r.closed.Load() {
		return ErrReactorClosed
	}
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	return r.loop(ctx)
}

// Close stops the loop and waits for it to finish its shutdown.
func (r *Reactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		<-r.stopped
		return nil
	}
	r.cancel()
	if r.running.CompareAndSwap(false, true) {
		// Never started: shut down on this goroutine, nothing else owns the loop state
		r.shutdown()
		close(r.stopped)
		return nil
	}
	<-r.stopped
	return nil
}

// Done is closed once the reactor has shut down.
func (r *Reactor) Done() <-chan struct{} { return r.stopped }

func (r *Reactor) loop(ctx context.Context) error {
	defer close(r.stopped)
	defer r.shutdown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	r.log.Debug("loop started", zap.Duration("tick", r.cfg.Tick), zap.Int("workers", r.cfg.Workers))
	for {
		if ctx.Err() != nil {
			return nil
		}
		events, err := r.poller.Poll(ctx, r.nextTimeout(time.Now()))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return errors.Wrap(err, "poll")
		}
		for _, ev := range events {
			r.handleEvent(ev)
		}
		r.runTasks()
		r.workers.flush()
		r.flushWaiting()

		now := time.Now()
		r.redialDue(now)
		r.expire(now)
	}
}

// nextTimeout is how long Poll may block: until the nearest deadline or redial, at most a tick.
func (r *Reactor) nextTimeout(now time.Time) time.Duration {
	timeout := r.cfg.Tick
	if at, ok := r.deadlines.next(); ok {
		if d := at.Sub(now); d < timeout {
			timeout = d
		}
	}
	for _, c := range r.conns {
		if c.role != transport.RoleClient || c.sock != nil || c.dialing {
			continue
		}
		if d := c.redialAt.Sub(now); d < timeout {
			timeout = d
		}
	}
	return timeout
}

// post hands fn to the loop. It returns false once the reactor has shut down.
func (r *Reactor) post(fn func()) bool {
	if !r.tasks.push(fn) {
		return false
	}
	r.poller.Wake()
	return true
}

func (r *Reactor) runTasks() {
	// Tasks may post more tasks; those run on the next iteration
	for _, fn := range r.tasks.drain() {
		fn()
	}
}

// Connect opens a client connection to endpoint. The first dial happens on the calling
// goroutine so an unreachable endpoint is reported here; later losses are redialed.
func (r *Reactor) Connect(endpoint string) (*Connection, error) {
	if r.closed.Load() {
		return nil, ErrReactorClosed
	}
	s, err := transport.Open(r.tr, transport.RoleClient, endpoint)
	if err != nil {
		return nil, err
	}
	c := newConnection(r, transport.RoleClient, endpoint)
	if !r.post(func() { r.register(c, s) }) {
		_ = s.Close()
		return nil, ErrReactorClosed
	}
	return c, nil
}

// Bind listens on endpoint and answers requests through d. If d has a Seal method it is
// called first; registrations made after that are refused.
func (r *Reactor) Bind(endpoint string, d Dispatcher) (*Connection, error) {
	if d == nil {
		return nil, errors.New("nil dispatcher")
	}
	if r.closed.Load() {
		return nil, ErrReactorClosed
	}
	if s, ok := d.(interface{ Seal() }); ok {
		s.Seal()
	}
	s, err := transport.Open(r.tr, transport.RoleServer, endpoint)
	if err != nil {
		return nil, err
	}
	c := newConnection(r, transport.RoleServer, endpoint)
	c.dispatcher = d
	if !r.post(func() { r.register(c, s) }) {
		_ = s.Close()
		return nil, ErrReactorClosed
	}
	return c, nil
}

// CloseConnection closes c for good.
func (r *Reactor) CloseConnection(c *Connection) error {
	if c == nil {
		return ErrNilConnection
	}
	if c.r != r {
		return ErrForeignConnection
	}
	if !r.post(func() { r.closeConnection(c, "closed by caller") }) {
		return ErrReactorClosed
	}
	return nil
}

// Call issues service.method with payload on a client connection.
//
// A zero deadline falls back to the default timeout, if any. Misuse and a full reconnect
// queue are reported as errors here; every other outcome arrives through the CallContext.
func (r *Reactor) Call(c *Connection, service, method string, payload []byte, deadline time.Time, opts ...CallOption) (*CallContext, error) {
	switch {
	case c == nil:
		return nil, ErrNilConnection
	case c.r != r:
		return nil, ErrForeignConnection
	case r.closed.Load():
		return nil, ErrReactorClosed
	case c.role != transport.RoleClient:
		return nil, ErrNotClientConnection
	case service == "" || method == "":
		return nil, ErrInvalidMethod
	case c.State() == StateClosed:
		return nil, ErrConnectionClosed
	}

	if deadline.IsZero() && r.cfg.DefaultTimeout > 0 {
		deadline = time.Now().Add(r.cfg.DefaultTimeout)
	}

	id := c.nextID.Add(1)
	frames, err := protocol.Encode(&message.Envelope{
		RequestID: id,
		Service:   service,
		Method:    method,
		Payload:   payload,
	})
	if err != nil {
		return nil, err
	}

	cc := newCallContext(r, c, id, service, method, deadline)
	for _, opt := range opts {
		opt(cc)
	}
	pc := &pendingCall{ctx: cc, frames: frames, slot: -1}

	if c.State() != StateConnected {
		if !c.reserve(r.cfg.OutboundQueueCapacity) {
			r.metrics.CallsRejected.Inc()
			return nil, ErrConnectionUnavailable
		}
		pc.reserved = true
	}

	if !r.post(func() { r.issue(c, pc) }) {
		c.release(pc)
		return nil, ErrReactorClosed
	}
	r.metrics.CallsIssued.Inc()
	return cc, nil
}

// PendingCalls returns the number of unresolved calls on c. Never call it from a
// handler or callback running on the loop goroutine.
func (r *Reactor) PendingCalls(c *Connection) (int, error) {
	res := make(chan int, 1)
	if !r.post(func() { res <- c.table.len() }) {
		return 0, ErrReactorClosed
	}
	select {
	case n := <-res:
		return n, nil
	case <-r.stopped:
		return 0, ErrReactorClosed
	}
}

// Everything below runs on the loop goroutine.

func (r *Reactor) register(c *Connection, s transport.Socket) {
	if r.closing {
		_ = s.Close()
		c.setState(StateClosed)
		return
	}
	r.conns[c.id] = c
	r.attach(c, s)
	r.metrics.Connections.WithLabelValues(c.role.String()).Inc()
	r.log.Info("connection opened",
		zap.Uint64("conn", c.id), zap.Stringer("role", c.role), zap.String("endpoint", c.endpoint))
}

func (r *Reactor) attach(c *Connection, s transport.Socket) {
	c.gen++
	c.sock = s
	key := c.key()
	c.w = newWriter(s, r.cfg.SendBuffer, r.poller.Wake, func(err error) {
		r.post(func() { r.sendFailed(c, key, err) })
	})
	r.writers.Add(1)
	go c.w.run(&r.writers)
	c.setState(StateConnected)
	r.poller.Watch(key, s)
}

// sendFailed treats a failed send like a failed read of the same socket.
func (r *Reactor) sendFailed(c *Connection, key transport.Key, err error) {
	if c.sock == nil || c.gen != key.Gen {
		return
	}
	if _, ok := r.conns[c.id]; !ok {
		return
	}
	r.lost(c, errors.Wrap(err, "send"))
}

// detach closes the current socket; events still queued for it become stale.
func (r *Reactor) detach(c *Connection) {
	if c.sock == nil {
		return
	}
	c.w.close()
	_ = c.sock.Close()
	c.sock = nil
	c.w = nil
	c.replies = nil
	c.gen++
}

func (r *Reactor) handleEvent(ev transport.Event) {
	c, ok := r.conns[ev.Key.Conn]
	if !ok || c.sock == nil || c.gen != ev.Key.Gen {
		return
	}
	if ev.Err != nil {
		r.lost(c, ev.Err)
		return
	}

	env, err := protocol.Decode(ev.Frames, c.role == transport.RoleServer)
	if c.role == transport.RoleServer {
		r.handleRequest(c, env, err)
	} else {
		r.handleReply(c, env, err)
	}
}

func (r *Reactor) handleRequest(c *Connection, req *message.Envelope, err error) {
	if err != nil {
		r.metrics.MalformedFrames.Inc()
		if req == nil {
			r.log.Warn("dropping undecodable request", zap.Uint64("conn", c.id), zap.Error(err))
			return
		}
		r.log.Debug("malformed request", zap.Uint64("conn", c.id),
			zap.Uint64("request_id", req.RequestID), zap.Error(err))
		r.sendReply(c, req.Reply(message.StatusMalformed, nil))
		return
	}
	if !req.IsRequest() {
		r.log.Debug("dropping reply received on server connection",
			zap.Uint64("conn", c.id), zap.Uint64("request_id", req.RequestID))
		return
	}
	r.serve(c, req)
}

func (r *Reactor) handleReply(c *Connection, rep *message.Envelope, err error) {
	if err != nil {
		r.metrics.MalformedFrames.Inc()
		if rep == nil {
			r.log.Warn("dropping undecodable reply", zap.Uint64("conn", c.id), zap.Error(err))
			return
		}
		if pc, ok := r.take(c, rep.RequestID); ok {
			r.resolve(c, pc, Result{Status: message.StatusMalformed})
		}
		return
	}
	if rep.IsRequest() {
		r.log.Debug("dropping request received on client connection",
			zap.Uint64("conn", c.id), zap.String("method", rep.FullMethod()))
		return
	}
	pc, ok := r.take(c, rep.RequestID)
	if !ok {
		// Already resolved by deadline, cancel or loss
		r.log.Debug("dropping late reply", zap.Uint64("conn", c.id), zap.Uint64("request_id", rep.RequestID))
		return
	}
	r.resolve(c, pc, Result{Status: rep.Status, Payload: rep.Payload})
}

func (r *Reactor) sendReply(c *Connection, rep *message.Envelope) {
	frames, err := protocol.Encode(rep)
	if err != nil {
		r.log.Error("encode reply", zap.Uint64("request_id", rep.RequestID), zap.Error(err))
		return
	}
	r.metrics.RequestsServed.WithLabelValues(rep.Status.String()).Inc()
	if len(c.replies) == 0 && c.w.trySend(frames) {
		return
	}
	c.replies = append(c.replies, frames)
}

func (r *Reactor) issue(c *Connection, pc *pendingCall) {
	cc := pc.ctx
	if cc.completed.Load() {
		// Cancelled before it reached the loop
		c.release(pc)
		return
	}
	if r.closing || c.State() == StateClosed {
		c.release(pc)
		r.finish(cc, Result{Status: message.StatusConnectionLost})
		return
	}
	if !c.table.insert(pc) {
		c.release(pc)
		r.log.Error("request id already pending", zap.Uint64("conn", c.id), zap.Uint64("request_id", cc.id))
		r.finish(cc, Result{Status: message.StatusMalformed})
		return
	}
	r.metrics.CallsInFlight.Inc()
	if !cc.deadline.IsZero() {
		r.deadlines.add(pc)
	}

	if c.sock != nil && len(c.outbound) == 0 && r.transmit(c, pc) {
		return
	}
	c.outbound = append(c.outbound, pc)
}

// transmit hands a pending call to the socket writer. False means the writer is full
// and the call has to wait.
func (r *Reactor) transmit(c *Connection, pc *pendingCall) bool {
	if !c.w.trySend(pc.frames) {
		return false
	}
	pc.frames = nil
	pc.sent = true
	c.release(pc)
	return true
}

// flush hands waiting calls to the writer in issuance order, as far as it has room.
func (r *Reactor) flush(c *Connection) {
	queued := c.outbound
	c.outbound = nil
	for i, pc := range queued {
		if !c.table.has(pc.ctx.id) {
			continue
		}
		if c.sock == nil || !r.transmit(c, pc) {
			c.outbound = append(c.outbound, queued[i:]...)
			return
		}
	}
}

// flushReplies hands waiting replies to the writer in order, as far as it has room.
func (r *Reactor) flushReplies(c *Connection) {
	n := 0
	for _, frames := range c.replies {
		if !c.w.trySend(frames) {
			break
		}
		n++
	}
	c.replies = c.replies[n:]
	if len(c.replies) == 0 {
		c.replies = nil
	}
}

// flushWaiting retries whatever a full writer refused earlier.
func (r *Reactor) flushWaiting() {
	for _, c := range r.conns {
		if c.sock == nil {
			continue
		}
		if len(c.outbound) > 0 {
			r.flush(c)
		}
		if len(c.replies) > 0 {
			r.flushReplies(c)
		}
	}
}

// take removes a call from its table and from the deadline heap.
func (r *Reactor) take(c *Connection, id uint64) (*pendingCall, bool) {
	pc, ok := c.table.take(id)
	if ok {
		r.deadlines.remove(pc)
		r.metrics.CallsInFlight.Dec()
	}
	return pc, ok
}

// takeIf removes every call matching keep from c's table and from the deadline heap.
func (r *Reactor) takeIf(c *Connection, keep func(*pendingCall) bool) []*pendingCall {
	pcs := c.table.takeIf(keep)
	for _, pc := range pcs {
		r.deadlines.remove(pc)
		r.metrics.CallsInFlight.Dec()
	}
	return pcs
}

// resolve completes a call that was removed from its table.
func (r *Reactor) resolve(c *Connection, pc *pendingCall, res Result) {
	c.release(pc)
	r.finish(pc.ctx, res)
}

func (r *Reactor) finish(cc *CallContext, res Result) {
	if !cc.complete(res) {
		return
	}
	r.metrics.CallsCompleted.WithLabelValues(res.Status.String()).Inc()
	r.metrics.CallLatency.Observe(time.Since(cc.issued).Seconds())
	r.notify(cc)
}

// forget drops a call resolved by Cancel and runs its callback.
func (r *Reactor) forget(cc *CallContext) {
	c := cc.conn
	if pc, ok := r.take(c, cc.id); ok {
		c.release(pc)
	}
	r.metrics.CallsCompleted.WithLabelValues(message.StatusCancelled.String()).Inc()
	r.metrics.CallLatency.Observe(time.Since(cc.issued).Seconds())
	r.notify(cc)
}

func (r *Reactor) notify(cc *CallContext) {
	cb := cc.callback
	if cb == nil {
		return
	}
	if r.cfg.CallbacksOnWorkers && !r.closing {
		r.workers.submit(func() { r.runCallback(cc, cb) })
		return
	}
	r.runCallback(cc, cb)
}

func (r *Reactor) runCallback(cc *CallContext, cb func(Result)) {
	if cb == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("call callback panicked", zap.Uint64("request_id", cc.id), zap.Any("panic", p))
		}
	}()
	cb(cc.result)
}

func (r *Reactor) expire(now time.Time) {
	for _, due := range r.deadlines.popDue(now) {
		c := due.ctx.conn
		pc, ok := r.take(c, due.ctx.id)
		if !ok {
			continue
		}
		r.resolve(c, pc, Result{Status: message.StatusDeadlineExceeded})
	}
}

// lost handles a socket failure. Sent calls fail now; a client connection keeps its
// unsent calls and redials, a server connection closes.
func (r *Reactor) lost(c *Connection, cause error) {
	r.detach(c)
	for _, pc := range r.takeIf(c, func(pc *pendingCall) bool { return pc.sent }) {
		r.resolve(c, pc, Result{Status: message.StatusConnectionLost})
	}

	if c.role == transport.RoleServer || r.closing {
		r.closeConnection(c, cause.Error())
		return
	}
	c.setState(StateConnecting)
	c.failures = 0
	c.redialAt = time.Now().Add(r.cfg.Backoff.Delay(0))
	r.log.Warn("connection lost, redialing",
		zap.Uint64("conn", c.id), zap.String("endpoint", c.endpoint),
		zap.Duration("after", time.Until(c.redialAt)), zap.Error(cause))
}

func (r *Reactor) redialDue(now time.Time) {
	for _, c := range r.conns {
		if c.role != transport.RoleClient || c.sock != nil || c.dialing || now.Before(c.redialAt) {
			continue
		}
		c.dialing = true
		go r.redial(c)
	}
}

// redial runs off the loop so a slow connect never stalls it.
func (r *Reactor) redial(c *Connection) {
	s, err := transport.Open(r.tr, transport.RoleClient, c.endpoint)
	if !r.post(func() { r.redialed(c, s, err) }) && s != nil {
		_ = s.Close()
	}
}

func (r *Reactor) redialed(c *Connection, s transport.Socket, err error) {
	c.dialing = false
	if r.closing || c.State() == StateClosed {
		if s != nil {
			_ = s.Close()
		}
		return
	}
	if err != nil {
		c.failures++
		if r.cfg.Backoff.Exhausted(c.failures) {
			r.closeConnection(c, "redial attempts exhausted: "+err.Error())
			return
		}
		c.redialAt = time.Now().Add(r.cfg.Backoff.Delay(c.failures))
		r.log.Debug("redial failed",
			zap.Uint64("conn", c.id), zap.Int("failures", c.failures), zap.Error(err))
		return
	}

	r.attach(c, s)
	r.metrics.Reconnects.Inc()
	r.log.Info("connection restored",
		zap.Uint64("conn", c.id), zap.String("endpoint", c.endpoint), zap.Int("queued", len(c.outbound)))
	r.flush(c)
}

// closeConnection closes c for good and fails everything still pending on it.
func (r *Reactor) closeConnection(c *Connection, reason string) {
	if _, ok := r.conns[c.id]; !ok {
		c.setState(StateClosed)
		return
	}
	delete(r.conns, c.id)
	c.setState(StateClosed)
	r.detach(c)
	c.outbound = nil
	for _, pc := range r.takeIf(c, func(*pendingCall) bool { return true }) {
		r.resolve(c, pc, Result{Status: message.StatusConnectionLost})
	}
	r.metrics.Connections.WithLabelValues(c.role.String()).Dec()
	r.log.Info("connection closed",
		zap.Uint64("conn", c.id), zap.String("endpoint", c.endpoint), zap.String("reason", reason))
}

func (r *Reactor) shutdown() {
	r.closed.Store(true)
	r.cancel()
	r.closing = true

	// Whatever was posted before the queue closed still runs, in order
	for _, fn := range r.tasks.close() {
		fn()
	}
	for _, c := range r.conns {
		r.closeConnection(c, "reactor shutdown")
	}
	r.poller.Close()
	if n := r.workers.stop(); n > 0 {
		r.log.Warn("dropped jobs that never started", zap.Int("jobs", n))
	}
	// Replies from handlers still running were refused by the closed queue
	r.poller.Wait()
	r.writers.Wait()
	r.log.Debug("loop stopped")
}
