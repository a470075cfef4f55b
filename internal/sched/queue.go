package sched

import (
	"github.com/emirpasic/gods/trees/redblacktree"
)

// The three pending indices share membership: every pending task is in queue
// and byAdded, and in byLimit iff its timeLimit is set.
//
// queue is keyed by (priority, seq): equal-priority newcomers sort behind
// equal-priority incumbents, so in-order traversal is the dispatch order.
// byAdded is keyed by seq alone (admission order). byLimit is keyed by
// (timeLimit, seq).
type taskIndexes struct {
	queue   *redblacktree.Tree
	byAdded *redblacktree.Tree
	byLimit *redblacktree.Tree
}

type queueKey struct {
	priority int
	seq      uint64
}

func compareQueueKeys(a, b any) int {
	ka, kb := a.(queueKey), b.(queueKey)
	switch {
	case ka.priority < kb.priority:
		return -1
	case ka.priority > kb.priority:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

func compareSeqKeys(a, b any) int {
	ka, kb := a.(uint64), b.(uint64)
	switch {
	case ka < kb:
		return -1
	case ka > kb:
		return 1
	default:
		return 0
	}
}

type limitKey struct {
	at  int64 // timeLimit as unix nanoseconds
	seq uint64
}

func compareLimitKeys(a, b any) int {
	ka, kb := a.(limitKey), b.(limitKey)
	switch {
	case ka.at < kb.at:
		return -1
	case ka.at > kb.at:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

func newTaskIndexes() *taskIndexes {
	return &taskIndexes{
		queue:   redblacktree.NewWith(compareQueueKeys),
		byAdded: redblacktree.NewWith(compareSeqKeys),
		byLimit: redblacktree.NewWith(compareLimitKeys),
	}
}

func (x *taskIndexes) insert(t *task) {
	x.queue.Put(queueKey{t.priority, t.seq}, t)
	x.byAdded.Put(t.seq, t)
	if !t.timeLimit.IsZero() {
		x.byLimit.Put(limitKey{t.timeLimit.UnixNano(), t.seq}, t)
	}
}

func (x *taskIndexes) remove(t *task) {
	x.queue.Remove(queueKey{t.priority, t.seq})
	x.byAdded.Remove(t.seq)
	if !t.timeLimit.IsZero() {
		x.byLimit.Remove(limitKey{t.timeLimit.UnixNano(), t.seq})
	}
}

func (x *taskIndexes) len() int { return x.queue.Size() }

// oldest returns the pending task that was admitted first.
func (x *taskIndexes) oldest() *task {
	n := x.byAdded.Left()
	if n == nil {
		return nil
	}
	return n.Value.(*task)
}

// lowestPriority returns the pending task at the back of the priority order.
func (x *taskIndexes) lowestPriority() *task {
	n := x.queue.Right()
	if n == nil {
		return nil
	}
	return n.Value.(*task)
}

// earliestDeadline returns the pending task with the soonest waiting limit.
func (x *taskIndexes) earliestDeadline() *task {
	n := x.byLimit.Left()
	if n == nil {
		return nil
	}
	return n.Value.(*task)
}

// firstFit scans the priority order from the front and returns the first
// task satisfying fits.
func (x *taskIndexes) firstFit(fits func(*task) bool) *task {
	it := x.queue.Iterator()
	for it.Next() {
		t := it.Value().(*task)
		if fits(t) {
			return t
		}
	}
	return nil
}

// each visits every pending task in priority order.
func (x *taskIndexes) each(fn func(*task)) {
	it := x.queue.Iterator()
	for it.Next() {
		fn(it.Value().(*task))
	}
}

func (x *taskIndexes) clear() {
	x.queue.Clear()
	x.byAdded.Clear()
	x.byLimit.Clear()
}
