package scheduler

import (
	"sort"

	"paceq/internal/accounts"
)

// ActiveRequest is a non-terminal request as seen by the admin surface.
type ActiveRequest struct {
	ID       string `json:"id"`
	Priority string `json:"priority"`
	State    string `json:"state"`
	Account  string `json:"account,omitempty"`
	Attempts int    `json:"attempts"`
}

// Snapshot is a consistent-enough point-in-time view for diagnostics. Lane
// counts and active lists are read independently; a request in flight between
// the two reads may appear in neither.
type Snapshot struct {
	Running       bool              `json:"running"`
	Pending       map[string]int    `json:"pending"`
	Active        []ActiveRequest   `json:"active"`
	Accounts      []accounts.Status `json:"accounts"`
	Stats         StatsSnapshot     `json:"stats"`
	DroppedEvents uint64            `json:"dropped_events"`
}

func (s *Scheduler) Snapshot() Snapshot {
	counts := s.queue.counts()
	pending := make(map[string]int, numPriorities)
	for p := 0; p < numPriorities; p++ {
		pending[Priority(p).String()] = counts[p]
	}

	s.mu.Lock()
	running := s.running
	active := make([]ActiveRequest, 0)
	for _, r := range s.requests {
		st := r.State()
		switch st {
		case StateWaitingAccount, StatePacing, StateExecuting:
			active = append(active, ActiveRequest{
				ID:       r.ID(),
				Priority: r.Priority().String(),
				State:    st.String(),
				Account:  r.Account(),
				Attempts: r.Attempts(),
			})
		}
	}
	s.mu.Unlock()
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	return Snapshot{
		Running:       running,
		Pending:       pending,
		Active:        active,
		Accounts:      s.pool.Statuses(),
		Stats:         s.stats.Snapshot(),
		DroppedEvents: s.bus.Dropped(),
	}
}

// Stats exposes the aggregator for maintenance jobs.
func (s *Scheduler) Stats() *Stats { return s.stats }

// QueuePosition reports how many requests would dispatch before id: all
// requests in higher lanes plus those ahead in its own lane. Returns -1 when
// the request is not currently queued.
func (s *Scheduler) QueuePosition(id string) int {
	return s.queue.position(id)
}
