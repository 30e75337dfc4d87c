// Package priocq is a multi-level queue: strict priority between classes,
// deficit round robin between destinations within a class.
package priocq

import (
	"sync"
	"time"
)

// Class is a priority class: Realtime > Bulk.
type Class int

const (
	Realtime Class = iota
	Bulk
	numClasses
)

// BulkThreshold is the payload size above which Classify picks Bulk.
const BulkThreshold = 64 * 1024

// Classify chooses the class for a payload of size bytes.
func Classify(size int) Class {
	if size > BulkThreshold {
		return Bulk
	}
	return Realtime
}

type Item struct {
	Dest    string
	Size    int
	Class   Class
	Arrived time.Time
	Value   any
}

// flow is the DRR queue of one destination.
type flow struct {
	q       []Item
	deficit int
}

type level struct {
	quantum int
	flows   map[string]*flow
	order   []string // round robin order
	idx     int
	n       int
}

// MultiLevelQueue is safe for concurrent use.
type MultiLevelQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lvls   [numClasses]*level
	closed bool
}

func New() *MultiLevelQueue {
	q := &MultiLevelQueue{}
	q.cond = sync.NewCond(&q.mu)
	for i := range q.lvls {
		q.lvls[i] = &level{quantum: chooseQuantum(Class(i)), flows: make(map[string]*flow)}
	}
	return q
}

func chooseQuantum(c Class) int {
	switch c {
	case Realtime:
		return 8192
	case Bulk:
		return 65536
	default:
		return 4096
	}
}

// Enqueue appends it to its class and destination. It returns false once the
// queue is closed.
func (q *MultiLevelQueue) Enqueue(it Item) bool {
	if it.Class < 0 || it.Class >= numClasses {
		it.Class = Classify(it.Size)
	}
	if it.Arrived.IsZero() {
		it.Arrived = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	lvl := q.lvls[it.Class]
	f := lvl.flows[it.Dest]
	if f == nil {
		f = &flow{}
		lvl.flows[it.Dest] = f
		lvl.order = append(lvl.order, it.Dest)
	}
	f.q = append(f.q, it)
	lvl.n++
	q.cond.Signal()
	return true
}

// Dequeue blocks until an item is available. After Close it keeps returning
// the remaining items, then reports false.
func (q *MultiLevelQueue) Dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if it, ok := q.popLocked(); ok {
			return it, true
		}
		if q.closed {
			return Item{}, false
		}
		q.cond.Wait()
	}
}

// Close stops intake and wakes all blocked Dequeue calls.
func (q *MultiLevelQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Len is the number of queued items.
func (q *MultiLevelQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lvls {
		n += l.n
	}
	return n
}

func (q *MultiLevelQueue) popLocked() (Item, bool) {
	for _, lvl := range q.lvls {
		if lvl.n > 0 {
			return lvl.pop(), true
		}
	}
	return Item{}, false
}

// pop runs DRR over the flows of a non-empty level. When no head fits its
// deficit, every backlogged flow is credited the number of quanta the
// closest one still needs, which is what repeated rounds would do.
func (l *level) pop() Item {
	for {
		need := -1
		n := len(l.order)
		for i := 0; i < n; i++ {
			j := (l.idx + i) % n
			f := l.flows[l.order[j]]
			if len(f.q) == 0 {
				continue
			}
			if sz := f.q[0].Size; sz <= f.deficit {
				it := f.q[0]
				f.q[0] = Item{}
				f.q = f.q[1:]
				f.deficit -= sz
				l.n--
				if len(f.q) == 0 {
					l.remove(j)
				} else {
					l.idx = j
				}
				return it
			} else if r := (sz - f.deficit + l.quantum - 1) / l.quantum; need < 0 || r < need {
				need = r
			}
		}
		for _, k := range l.order {
			if f := l.flows[k]; len(f.q) > 0 {
				f.deficit += need * l.quantum
			}
		}
		// the flow at idx had its turn
		l.idx = (l.idx + 1) % n
	}
}

// remove drops an idle flow; its deficit does not carry over.
func (l *level) remove(j int) {
	delete(l.flows, l.order[j])
	l.order = append(l.order[:j], l.order[j+1:]...)
	if len(l.order) == 0 {
		l.idx = 0
	} else {
		l.idx = j % len(l.order)
	}
}
