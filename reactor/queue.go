package reactor

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// taskQueue is the only way other goroutines hand work to the loop.
// Tasks run on the loop goroutine in push order.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
}

// push appends fn. It returns false once the queue is closed; fn will never run then.
func (q *taskQueue) push(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, fn)
	return true
}

func (q *taskQueue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// close refuses further pushes and returns what was left.
func (q *taskQueue) close() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// workerPool runs handlers and callbacks with bounded concurrency.
// When every worker is busy, jobs wait in a backlog owned by the loop.
type workerPool struct {
	g       errgroup.Group
	backlog []func()
	done    func()
}

func newWorkerPool(limit int, done func()) *workerPool {
	p := &workerPool{done: done}
	p.g.SetLimit(limit)
	return p
}

// submit starts fn on a free worker or queues it. Loop goroutine only.
func (p *workerPool) submit(fn func()) {
	if len(p.backlog) == 0 && p.tryGo(fn) {
		return
	}
	p.backlog = append(p.backlog, fn)
}

func (p *workerPool) tryGo(fn func()) bool {
	return p.g.TryGo(func() error {
		defer p.done()
		fn()
		return nil
	})
}

// flush starts as many backlogged jobs as there are free workers. Loop goroutine only.
func (p *workerPool) flush() {
	n := 0
	for n < len(p.backlog) && p.tryGo(p.backlog[n]) {
		p.backlog[n] = nil
		n++
	}
	p.backlog = p.backlog[n:]
}

func (p *workerPool) pending() int {
	return len(p.backlog)
}

// stop drops the backlog and waits for running jobs.
func (p *workerPool) stop() int {
	dropped := len(p.backlog)
	p.backlog = nil
	_ = p.g.Wait()
	return dropped
}
