// Package connqueue implements the bounded connection admission queue
// (spec component C). It is deliberately not an LRU: touching an id
// that is already present never reorders it. Eviction always removes
// the oldest admitted connection, in insertion order, once the queue
// is full.
package connqueue

import (
	"container/list"
	"sync"
)

// Closable is the minimal capability the queue needs from an evicted
// connection: a way to force it closed. It stands in for the "weak
// pointer to the connection" the original event-loop server captured,
// since Go connections aren't kept alive by the queue itself.
type Closable interface {
	ForceClose()
}

type entry struct {
	id   uint64
	conn Closable
}

// Queue is a fixed-capacity FIFO admission list keyed by connection id.
type Queue struct {
	mu   sync.Mutex
	cap  int
	l    *list.List
	byID map[uint64]*list.Element
}

// New creates a queue that admits at most capacity connections at once.
func New(capacity int) *Queue {
	return &Queue{
		cap:  capacity,
		l:    list.New(),
		byID: make(map[uint64]*list.Element),
	}
}

// Insert admits id into the queue. If id is already present its
// associated conn is updated in place without moving its position. If
// the queue is at capacity and id is new, the oldest entry is evicted
// and returned so the caller can force-close it and drop its other
// bookkeeping (StatusMap, TunnelMap).
func (q *Queue) Insert(id uint64, conn Closable) (evictedID uint64, evictedConn Closable, evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if el, ok := q.byID[id]; ok {
		el.Value.(*entry).conn = conn
		return 0, nil, false
	}

	if q.cap > 0 && q.l.Len() >= q.cap {
		oldest := q.l.Front()
		if oldest != nil {
			e := oldest.Value.(*entry)
			q.l.Remove(oldest)
			delete(q.byID, e.id)
			evictedID, evictedConn, evicted = e.id, e.conn, true
		}
	}

	el := q.l.PushBack(&entry{id: id, conn: conn})
	q.byID[id] = el
	return evictedID, evictedConn, evicted
}

// Erase removes id from the queue, e.g. when its connection closes
// normally rather than through eviction.
func (q *Queue) Erase(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if el, ok := q.byID[id]; ok {
		q.l.Remove(el)
		delete(q.byID, id)
	}
}

// Len returns the number of admitted connections.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len()
}

// IsFull reports whether the next Insert of a new id would evict.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cap > 0 && q.l.Len() >= q.cap
}

// Order returns the admitted connection ids in FIFO admission order,
// oldest first. Used by the admin console's queue introspection.
func (q *Queue) Order() []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]uint64, 0, q.l.Len())
	for el := q.l.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(*entry).id)
	}
	return ids
}
