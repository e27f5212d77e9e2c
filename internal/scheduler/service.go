package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"paceq/internal/accounts"
	"paceq/internal/eventbus"
	"paceq/internal/pacing"
	"paceq/internal/storage"
	"paceq/pkg/logx"
)

type Config struct {
	// RetryMax is the total attempt budget per request (first try included).
	RetryMax int
	// AcquireBackoff is the fixed sleep between account acquisition rounds.
	AcquireBackoff time.Duration
	// AcquireTimeout bounds how long a request may wait for any usable
	// account before failing with ErrNoCapacity. Zero waits forever.
	AcquireTimeout time.Duration
	// DispatchPerSec is a global ceiling on dispatch starts, applied before
	// the pacing delay. Zero disables the limiter.
	DispatchPerSec float64
}

func (c Config) withDefaults() Config {
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.AcquireBackoff <= 0 {
		c.AcquireBackoff = 500 * time.Millisecond
	}
	return c
}

// Deps are the scheduler's collaborators. Pool, Model and Exec are required;
// the rest default to no-ops.
type Deps struct {
	Pool  *accounts.Pool
	Model *pacing.Model
	Exec  Executor
	Store storage.Store
	Bus   eventbus.Bus
	Log   logx.Logger
	Clock func() time.Time
}

// Scheduler admits requests into priority lanes and dispatches them one
// decision at a time. See the package comment for the model.
type Scheduler struct {
	cfg   Config
	pool  *accounts.Pool
	model *pacing.Model
	exec  Executor
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	clock func() time.Time

	queue *laneSet
	stats *Stats

	// wake nudges the dispatch loop; buffered so senders never block.
	wake chan struct{}

	mu       sync.Mutex
	requests map[string]*Request
	running  bool
	limiter  *rate.Limiter
	stopCh   chan struct{}
	stopDone chan struct{}

	execWG sync.WaitGroup
}

func New(cfg Config, deps Deps) *Scheduler {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.New()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	s := &Scheduler{
		cfg:      cfg,
		pool:     deps.Pool,
		model:    deps.Model,
		exec:     deps.Exec,
		store:    deps.Store,
		bus:      deps.Bus,
		log:      deps.Log,
		clock:    deps.Clock,
		queue:    newLaneSet(),
		stats:    newStats(),
		wake:     make(chan struct{}, 1),
		requests: map[string]*Request{},
	}
	s.limiter = newLimiter(cfg.DispatchPerSec)
	return s
}

func newLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSec), 1)
}

// Apply updates the retry/backoff knobs and dispatch ceiling at runtime.
// Queued and in-flight requests are unaffected beyond the new limits.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = newLimiter(cfg.DispatchPerSec)
	s.mu.Unlock()
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start launches the dispatch loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	go s.loop(s.stopCh, s.stopDone)
	s.log.Info("scheduler started")
}

// Stop halts dispatching and waits for in-flight executions to resolve.
// Queued requests are preserved: a later Start resumes them in order.
// Requests interrupted mid-pacing or mid-execution return to the front of
// their lane without spending an attempt.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, stopDone := s.stopCh, s.stopDone
	s.stopCh, s.stopDone = nil, nil
	s.mu.Unlock()

	close(stopCh)
	<-stopDone
	s.execWG.Wait()
	s.log.Info("scheduler stopped")
}

// Submit validates and enqueues a request. timeout > 0 arms a deadline after
// which the request is cancelled with ErrTimedOut wherever it is.
func (s *Scheduler) Submit(p Payload, prio Priority, timeout time.Duration) (*Request, error) {
	if p.Query == "" {
		return nil, &ValidationError{Reason: "empty query"}
	}
	if !prio.Valid() {
		return nil, &ValidationError{Reason: "invalid priority"}
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, ErrNotRunning
	}
	now := s.clock()
	r := &Request{
		id:          uuid.NewString(),
		payload:     p,
		priority:    prio,
		state:       StateQueued,
		submittedAt: now,
		cancelCh:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.requests[r.id] = r
	s.mu.Unlock()

	if timeout > 0 {
		t := time.AfterFunc(timeout, func() {
			s.cancelWith(r, &RequestError{RequestID: r.id, Err: ErrTimedOut})
		})
		r.mu.Lock()
		r.timeout = t
		r.mu.Unlock()
	}

	s.queue.push(r)
	s.stats.markSubmitted(now)
	s.publish(EventSubmitted, r, nil)
	s.nudge()
	s.log.Debug("request submitted",
		logx.String("id", r.id),
		logx.String("priority", prio.String()))
	return r, nil
}

// Get returns the request handle for id.
func (s *Scheduler) Get(id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrUnknownRequest
	}
	return r, nil
}

// Cancel moves the request to CANCELLED from any non-terminal state. An
// executing request has its call context cancelled; its account slot is
// released once the call actually returns.
func (s *Scheduler) Cancel(id string) error {
	r, err := s.Get(id)
	if err != nil {
		return err
	}
	s.cancelWith(r, &RequestError{RequestID: id, Err: ErrCancelled})
	return nil
}

// CancelAll cancels every non-terminal request and reports how many. The
// lanes are drained in one atomic sweep; requests already in the dispatcher's
// hands are signalled and finalized by their current owner.
func (s *Scheduler) CancelAll() int {
	n := 0
	for _, r := range s.queue.drain() {
		r.requestCancel(&RequestError{RequestID: r.id, Err: ErrCancelled})
		s.finalize(r, StateCancelled, nil, r.cancelCause())
		n++
	}

	s.mu.Lock()
	pending := make([]*Request, 0, len(s.requests))
	for _, r := range s.requests {
		pending = append(pending, r)
	}
	s.mu.Unlock()

	for _, r := range pending {
		if r.State().Terminal() {
			continue
		}
		s.cancelWith(r, &RequestError{RequestID: r.id, Err: ErrCancelled})
		n++
	}
	return n
}

// cancelWith records the cause and, when the request is still queued, takes
// ownership of finalization. Otherwise the current owner (dispatch loop or
// execute goroutine) observes cancelCh and finalizes.
func (s *Scheduler) cancelWith(r *Request, cause error) {
	if r.State().Terminal() {
		return
	}
	r.requestCancel(cause)
	if s.queue.remove(r.id) {
		s.finalize(r, StateCancelled, nil, r.cancelCause())
	}
}

// PruneTerminal drops terminal requests that finished before the cutoff from
// the in-memory table. Their persisted results outlive this per the store's
// retention.
func (s *Scheduler) PruneTerminal(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.requests {
		r.mu.Lock()
		prune := r.state.Terminal() && r.completedAt.Before(cutoff)
		r.mu.Unlock()
		if prune {
			delete(s.requests, id)
			n++
		}
	}
	return n
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publish(typ string, r *Request, err error) {
	ev := RequestEvent{
		ID:       r.ID(),
		Priority: r.Priority().String(),
		State:    r.State().String(),
		Account:  r.Account(),
		Attempts: r.Attempts(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock(), Data: ev})
}
