package scheduler

import "sync"

// laneSet is the four strictly-ordered FIFO lanes. One mutex guards the whole
// set; contention is negligible next to per-request work.
type laneSet struct {
	mu    sync.Mutex
	lanes [numPriorities][]*Request
}

func newLaneSet() *laneSet { return &laneSet{} }

// push appends to the tail of the request's lane.
func (q *laneSet) push(r *Request) {
	q.mu.Lock()
	q.lanes[r.priority] = append(q.lanes[r.priority], r)
	q.mu.Unlock()
}

// pushFront returns a request to the head of its lane, used when an account
// was unavailable so same-priority siblings are not reordered.
func (q *laneSet) pushFront(r *Request) {
	q.mu.Lock()
	lane := q.lanes[r.priority]
	q.lanes[r.priority] = append([]*Request{r}, lane...)
	q.mu.Unlock()
}

// pop removes the head of the highest non-empty lane, or nil when all lanes
// are empty.
func (q *laneSet) pop() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := int(PriorityUrgent); p >= int(PriorityLow); p-- {
		lane := q.lanes[p]
		if len(lane) == 0 {
			continue
		}
		r := lane[0]
		lane[0] = nil
		q.lanes[p] = lane[1:]
		return r
	}
	return nil
}

// remove takes a specific request out of its lane. Reports false when the
// request is not queued (it may be in the dispatcher's hands).
func (q *laneSet) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range q.lanes {
		lane := q.lanes[p]
		for i, r := range lane {
			if r.id == id {
				q.lanes[p] = append(lane[:i:i], lane[i+1:]...)
				return true
			}
		}
	}
	return false
}

// position counts the requests that dispatch before id, or -1 when id is not
// queued.
func (q *laneSet) position(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for p := int(PriorityUrgent); p >= int(PriorityLow); p-- {
		for _, r := range q.lanes[p] {
			if r.id == id {
				return n
			}
			n++
		}
	}
	return -1
}

// drain empties every lane and returns the removed requests.
func (q *laneSet) drain() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Request
	for p := range q.lanes {
		out = append(out, q.lanes[p]...)
		q.lanes[p] = nil
	}
	return out
}

// counts reports pending requests per lane.
func (q *laneSet) counts() [numPriorities]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out [numPriorities]int
	for p := range q.lanes {
		out[p] = len(q.lanes[p])
	}
	return out
}
