package reactor

import (
	"container/heap"
	"time"
)

// pendingCall is the loop's record of an issued, unresolved call.
type pendingCall struct {
	ctx      *CallContext
	frames   [][]byte // encoded request, dropped once sent
	sent     bool
	reserved bool // holds a reconnect queue slot
	slot     int  // position in the deadline heap, -1 when not queued
}

// callTable maps request ids to pending calls of one connection. Loop goroutine only.
type callTable struct {
	calls map[uint64]*pendingCall
}

func newCallTable() *callTable {
	return &callTable{calls: make(map[uint64]*pendingCall)}
}

// insert refuses an id that is already pending.
func (t *callTable) insert(pc *pendingCall) bool {
	id := pc.ctx.id
	if _, ok := t.calls[id]; ok {
		return false
	}
	t.calls[id] = pc
	return true
}

func (t *callTable) take(id uint64) (*pendingCall, bool) {
	pc, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return pc, ok
}

func (t *callTable) has(id uint64) bool {
	_, ok := t.calls[id]
	return ok
}

func (t *callTable) len() int {
	return len(t.calls)
}

// takeIf removes and returns every call matching keep.
func (t *callTable) takeIf(keep func(*pendingCall) bool) []*pendingCall {
	var out []*pendingCall
	for id, pc := range t.calls {
		if keep(pc) {
			delete(t.calls, id)
			out = append(out, pc)
		}
	}
	return out
}

// deadlineHeap orders the pending calls that have a deadline, earliest first.
// A call leaves the heap when it expires or as soon as it resolves some other way.
type deadlineHeap []*pendingCall

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].ctx.deadline.Before(h[j].ctx.deadline) }

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].slot = i
	h[j].slot = j
}

func (h *deadlineHeap) Push(x any) {
	pc := x.(*pendingCall)
	pc.slot = len(*h)
	*h = append(*h, pc)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	pc := old[n-1]
	old[n-1] = nil
	pc.slot = -1
	*h = old[:n-1]
	return pc
}

func (h *deadlineHeap) add(pc *pendingCall) {
	heap.Push(h, pc)
}

// remove drops pc if it is queued.
func (h *deadlineHeap) remove(pc *pendingCall) {
	if pc.slot < 0 || pc.slot >= len(*h) || (*h)[pc.slot] != pc {
		return
	}
	heap.Remove(h, pc.slot)
}

// next returns the earliest deadline still queued.
func (h deadlineHeap) next() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[0].ctx.deadline, true
}

// popDue removes and returns every call due at or before now.
func (h *deadlineHeap) popDue(now time.Time) []*pendingCall {
	var due []*pendingCall
	for h.Len() > 0 && !(*h)[0].ctx.deadline.After(now) {
		due = append(due, heap.Pop(h).(*pendingCall))
	}
	return due
}
