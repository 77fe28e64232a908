package syncd

import (
	"sync"
	"time"
)

// EventOp distinguishes upserts from deletions.
type EventOp string

const (
	OpUpsert EventOp = "upsert"
	OpDelete EventOp = "delete"
)

// Event is one unit of pending work: a repository-relative path and
// what happened to it.
type Event struct {
	Path       string
	Op         EventOp
	Priority   Priority
	EnqueuedAt time.Time
}

// QueueStats counts queue traffic.
type QueueStats struct {
	Enqueued    int `json:"enqueued"`
	Dequeued    int `json:"dequeued"`
	Dropped     int `json:"dropped"`
	Depth       int `json:"depth"`
	HighDepth   int `json:"highDepth"`
	MediumDepth int `json:"mediumDepth"`
	LowDepth    int `json:"lowDepth"`
}

// workQueue is a three-level priority queue with a soft capacity.
// When full, pushing sheds the oldest low-priority entry first, then
// medium; high-priority work is never shed. Coalesces by path: a second
// event for a queued path replaces the queued one in place.
type workQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	cap    int
	closed bool

	levels  [3][]Event          // indexed by Priority
	pending map[string]Priority // queued path -> its level

	enqueued, dequeued, dropped int
}

func newWorkQueue(capacity int) *workQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	q := &workQueue{cap: capacity, pending: map[string]Priority{}}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues an event, shedding lower-priority work when the soft
// cap is exceeded. Returns false if the event itself was shed.
func (q *workQueue) Push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if ev.EnqueuedAt.IsZero() {
		ev.EnqueuedAt = time.Now()
	}

	if level, ok := q.pending[ev.Path]; ok {
		for i, queued := range q.levels[level] {
			if queued.Path == ev.Path {
				ev.Priority = queued.Priority
				q.levels[level][i] = ev
				return true
			}
		}
	}

	for q.depthLocked() >= q.cap {
		if !q.shedLocked(ev.Priority) {
			// Nothing below the incoming priority to shed.
			if ev.Priority == PriorityHigh {
				break // high work is admitted past the cap
			}
			q.dropped++
			return false
		}
	}

	q.levels[ev.Priority] = append(q.levels[ev.Priority], ev)
	q.pending[ev.Path] = ev.Priority
	q.enqueued++
	q.cond.Signal()
	return true
}

// Pop blocks until an event is available or the queue closes. The
// second result is false once the queue is closed and drained.
func (q *workQueue) Pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for level := PriorityHigh; level >= PriorityLow; level-- {
			if len(q.levels[level]) > 0 {
				ev := q.levels[level][0]
				q.levels[level] = q.levels[level][1:]
				delete(q.pending, ev.Path)
				q.dequeued++
				return ev, true
			}
		}
		if q.closed {
			return Event{}, false
		}
		q.cond.Wait()
	}
}

// shedLocked drops the oldest entry strictly below the given priority.
func (q *workQueue) shedLocked(below Priority) bool {
	for level := PriorityLow; level < below; level++ {
		if len(q.levels[level]) > 0 {
			victim := q.levels[level][0]
			q.levels[level] = q.levels[level][1:]
			delete(q.pending, victim.Path)
			q.dropped++
			return true
		}
	}
	return false
}

func (q *workQueue) depthLocked() int {
	return len(q.levels[0]) + len(q.levels[1]) + len(q.levels[2])
}

func (q *workQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *workQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Enqueued:    q.enqueued,
		Dequeued:    q.dequeued,
		Dropped:     q.dropped,
		Depth:       q.depthLocked(),
		HighDepth:   len(q.levels[PriorityHigh]),
		MediumDepth: len(q.levels[PriorityMedium]),
		LowDepth:    len(q.levels[PriorityLow]),
	}
}
