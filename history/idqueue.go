package history

// User ids are 8-bit and scoped to a session. Id 0 is the server.
const (
	minUserID = 1
	maxUserID = 254
)

// IDQueue assigns user ids so that a rejoining user gets the same id back if
// it is still free, and freed ids are reused as late as possible.
type IDQueue struct {
	queue []uint8
	names map[string]uint8
	inUse map[uint8]struct{}
}

func NewIDQueue() IDQueue {
	q := IDQueue{
		queue: make([]uint8, 0, maxUserID-minUserID+1),
		names: make(map[string]uint8),
		inUse: make(map[uint8]struct{}),
	}
	for id := minUserID; id <= maxUserID; id++ {
		q.queue = append(q.queue, uint8(id))
	}
	return q
}

// NextID reserves an id for the given name. The name's previous id is
// preferred when available; otherwise the id that has been free the longest
// is taken. Returns 0 when the session id space is exhausted.
func (q *IDQueue) NextID(name string) uint8 {
	if id, ok := q.names[name]; ok {
		if _, taken := q.inUse[id]; !taken {
			q.take(id)
			return id
		}
	}
	if len(q.queue) == 0 {
		return 0
	}
	id := q.queue[0]
	q.queue = q.queue[1:]
	q.inUse[id] = struct{}{}
	return id
}

// SetIDForName records which id a name last used. Called when a persisted
// session replays its join history.
func (q *IDQueue) SetIDForName(id uint8, name string) {
	if id >= minUserID {
		q.names[name] = id
	}
}

// Release returns an id to the back of the queue.
func (q *IDQueue) Release(id uint8) {
	if _, taken := q.inUse[id]; !taken {
		return
	}
	delete(q.inUse, id)
	q.queue = append(q.queue, id)
}

func (q *IDQueue) take(id uint8) {
	for i, queued := range q.queue {
		if queued == id {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			break
		}
	}
	q.inUse[id] = struct{}{}
}
