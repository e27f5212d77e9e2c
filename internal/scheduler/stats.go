package scheduler

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const hourKeyFormat = "2006-01-02 15:00"

// Stats counts lifecycle outcomes. Updates are atomics plus a small mutexed
// map write, cheap enough that callers never stall the dispatcher.
type Stats struct {
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64

	mu         sync.Mutex
	perAccount map[string]uint64
	perHour    map[string]uint64
	waitCount  uint64
	waitTotal  time.Duration
}

func newStats() *Stats {
	return &Stats{perAccount: map[string]uint64{}, perHour: map[string]uint64{}}
}

func (t *Stats) markSubmitted(now time.Time) {
	t.submitted.Add(1)
	key := now.Format(hourKeyFormat)
	t.mu.Lock()
	t.perHour[key]++
	t.mu.Unlock()
}

// markDispatched counts every dispatch against the account; the wait sample
// is recorded only for the first attempt (started_at - submitted_at).
func (t *Stats) markDispatched(account string, wait time.Duration, firstAttempt bool) {
	t.mu.Lock()
	t.perAccount[account]++
	if firstAttempt {
		t.waitCount++
		t.waitTotal += wait
	}
	t.mu.Unlock()
}

func (t *Stats) markCompleted() { t.completed.Add(1) }
func (t *Stats) markFailed()    { t.failed.Add(1) }
func (t *Stats) markCancelled() { t.cancelled.Add(1) }

// PruneHours keeps only the newest keep hour buckets.
func (t *Stats) PruneHours(keep int) {
	if keep <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.perHour) <= keep {
		return
	}
	keys := make([]string, 0, len(t.perHour))
	for k := range t.perHour {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys[:len(keys)-keep] {
		delete(t.perHour, k)
	}
}

// StatsSnapshot is a point-in-time copy for the admin surface.
type StatsSnapshot struct {
	Submitted   uint64            `json:"submitted"`
	Completed   uint64            `json:"completed"`
	Failed      uint64            `json:"failed"`
	Cancelled   uint64            `json:"cancelled"`
	AverageWait time.Duration     `json:"average_wait"`
	PerAccount  map[string]uint64 `json:"per_account,omitempty"`
	PerHour     map[string]uint64 `json:"per_hour,omitempty"`
}

func (t *Stats) Snapshot() StatsSnapshot {
	out := StatsSnapshot{
		Submitted: t.submitted.Load(),
		Completed: t.completed.Load(),
		Failed:    t.failed.Load(),
		Cancelled: t.cancelled.Load(),
	}
	t.mu.Lock()
	if t.waitCount > 0 {
		out.AverageWait = t.waitTotal / time.Duration(t.waitCount)
	}
	out.PerAccount = make(map[string]uint64, len(t.perAccount))
	for k, v := range t.perAccount {
		out.PerAccount[k] = v
	}
	out.PerHour = make(map[string]uint64, len(t.perHour))
	for k, v := range t.perHour {
		out.PerHour[k] = v
	}
	t.mu.Unlock()
	return out
}
