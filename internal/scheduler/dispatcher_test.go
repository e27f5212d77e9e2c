package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"paceq/internal/accounts"
	"paceq/internal/pacing"
	"paceq/pkg/logx"
)

// fastSettings collapses pacing to a fixed 1ms so tests exercise ordering,
// not the delay model.
func fastSettings() pacing.Settings {
	return pacing.Settings{
		MinDelay:       time.Millisecond,
		MaxDelay:       time.Millisecond,
		PeakHoursStart: 0,
		PeakHoursEnd:   24,
		WeekendFactor:  1,
		BurstSize:      1,
	}
}

type execFunc func(ctx context.Context, account string, p Payload) (Result, error)

// recordingExecutor captures (account, query) per call and delegates to fn.
type recordingExecutor struct {
	mu    sync.Mutex
	calls []string
	byAcc []string
	fn    execFunc
}

func (e *recordingExecutor) Execute(ctx context.Context, account string, p Payload) (Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, p.Query)
	e.byAcc = append(e.byAcc, account)
	e.mu.Unlock()
	if e.fn == nil {
		return Result(`{"ok":true}`), nil
	}
	return e.fn(ctx, account, p)
}

func (e *recordingExecutor) queries() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func newTestScheduler(t *testing.T, cfg Config, exec Executor, specs ...accounts.Spec) *Scheduler {
	t.Helper()
	if len(specs) == 0 {
		specs = []accounts.Spec{{Name: "a", MaxConcurrent: 1}}
	}
	pool := accounts.NewPool(logx.Nop(), nil)
	pool.Apply(specs)
	if cfg.AcquireBackoff == 0 {
		cfg.AcquireBackoff = 5 * time.Millisecond
	}
	s := New(cfg, Deps{
		Pool:  pool,
		Model: pacing.New(fastSettings(), rand.New(rand.NewSource(1))),
		Exec:  exec,
		Log:   logx.Nop(),
	})
	t.Cleanup(s.Stop)
	return s
}

func awaitOutcome(t *testing.T, r *Request) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := r.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatalf("request %s never reached a terminal state", r.ID())
	}
	return res, err
}

func mustSubmit(t *testing.T, s *Scheduler, query string, prio Priority) *Request {
	t.Helper()
	r, err := s.Submit(Payload{Query: query}, prio, 0)
	if err != nil {
		t.Fatalf("submit %s: %v", query, err)
	}
	return r
}

func TestSubmitValidation(t *testing.T) {
	s := newTestScheduler(t, Config{}, &recordingExecutor{})

	if _, err := s.Submit(Payload{Query: "q"}, PriorityNormal, 0); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("submit before start = %v, want ErrNotRunning", err)
	}

	s.Start()
	var ve *ValidationError
	if _, err := s.Submit(Payload{}, PriorityNormal, 0); !errors.As(err, &ve) {
		t.Fatalf("empty query = %v, want ValidationError", err)
	}
	if _, err := s.Submit(Payload{Query: "q"}, Priority(9), 0); !errors.As(err, &ve) {
		t.Fatalf("bogus priority = %v, want ValidationError", err)
	}
}

func TestDispatchOrderAbsolutePriority(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	exec := &recordingExecutor{}
	exec.fn = func(ctx context.Context, _ string, p Payload) (Result, error) {
		if p.Query == "n0" {
			once.Do(func() { close(started) })
			<-gate
		}
		return Result(`{}`), nil
	}
	// The long backoff keeps the loop parked between acquisition rounds while
	// the slot is held, so releasing the gate cannot race a round mid-flight.
	s := newTestScheduler(t, Config{AcquireBackoff: 200 * time.Millisecond}, exec)
	s.Start()

	r0 := mustSubmit(t, s, "n0", PriorityNormal)
	<-started // n0 holds the only slot

	r1 := mustSubmit(t, s, "n1", PriorityNormal)
	r2 := mustSubmit(t, s, "n2", PriorityNormal)
	ru := mustSubmit(t, s, "u0", PriorityUrgent)
	time.Sleep(20 * time.Millisecond)
	close(gate)

	for _, r := range []*Request{r0, r1, r2, ru} {
		if _, err := awaitOutcome(t, r); err != nil {
			t.Fatalf("request %s failed: %v", r.ID(), err)
		}
	}

	got := exec.queries()
	want := []string{"n0", "u0", "n1", "n2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	exec := &recordingExecutor{fn: func(context.Context, string, Payload) (Result, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, Transient(errors.New("flaky upstream"))
		}
		return Result(`{"answer":42}`), nil
	}}
	s := newTestScheduler(t, Config{RetryMax: 3}, exec)
	s.Start()

	r := mustSubmit(t, s, "q", PriorityNormal)
	res, err := awaitOutcome(t, r)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if string(res) != `{"answer":42}` {
		t.Fatalf("result = %s", res)
	}
	if r.Attempts() != 3 {
		t.Fatalf("attempts = %d, want 3", r.Attempts())
	}
	if r.State() != StateCompleted {
		t.Fatalf("state = %v, want completed", r.State())
	}
}

func TestRetryExhausted(t *testing.T) {
	exec := &recordingExecutor{fn: func(context.Context, string, Payload) (Result, error) {
		return nil, Transient(errors.New("upstream down"))
	}}
	s := newTestScheduler(t, Config{RetryMax: 2}, exec)
	s.Start()

	r := mustSubmit(t, s, "q", PriorityNormal)
	_, err := awaitOutcome(t, r)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("err = %v, want ErrRetryExhausted", err)
	}
	var re *RequestError
	if !errors.As(err, &re) || re.RequestID != r.ID() {
		t.Fatalf("err = %v, want RequestError carrying the id", err)
	}
	if r.State() != StateFailed {
		t.Fatalf("state = %v, want failed", r.State())
	}
	if r.Attempts() != 2 {
		t.Fatalf("attempts = %d, want 2", r.Attempts())
	}
	if got := s.Stats().Snapshot().Failed; got != 1 {
		t.Fatalf("failed stat = %d, want 1", got)
	}
}

func TestPermanentErrorPoisonsAccountAndRetriesElsewhere(t *testing.T) {
	exec := &recordingExecutor{fn: func(_ context.Context, account string, _ Payload) (Result, error) {
		if account == "a" {
			return nil, Permanent(errors.New("credentials expired"))
		}
		return Result(`{}`), nil
	}}
	s := newTestScheduler(t, Config{RetryMax: 3}, exec,
		accounts.Spec{Name: "a", MaxConcurrent: 1},
		accounts.Spec{Name: "b", MaxConcurrent: 1},
	)
	s.Start()

	r := mustSubmit(t, s, "q", PriorityNormal)
	if _, err := awaitOutcome(t, r); err != nil {
		t.Fatalf("expected success on the second account, got %v", err)
	}
	if r.Account() != "b" {
		t.Fatalf("final account = %q, want b", r.Account())
	}
	if r.Attempts() != 2 {
		t.Fatalf("attempts = %d, want 2", r.Attempts())
	}

	for _, st := range s.pool.Statuses() {
		if st.Name == "a" && st.Usable {
			t.Fatal("account a must be unusable after a permanent error")
		}
		if st.InFlight != 0 {
			t.Fatalf("account %s in_flight = %d after completion", st.Name, st.InFlight)
		}
	}
}

func TestAlwaysPermanentExhaustsRetryBound(t *testing.T) {
	exec := &recordingExecutor{fn: func(context.Context, string, Payload) (Result, error) {
		return nil, Permanent(errors.New("quota exhausted"))
	}}
	s := newTestScheduler(t, Config{RetryMax: 2}, exec,
		accounts.Spec{Name: "a", MaxConcurrent: 1},
		accounts.Spec{Name: "b", MaxConcurrent: 1},
		accounts.Spec{Name: "c", MaxConcurrent: 1},
	)
	s.Start()

	r := mustSubmit(t, s, "q", PriorityNormal)
	_, err := awaitOutcome(t, r)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("err = %v, want ErrRetryExhausted", err)
	}
	if r.State() != StateFailed {
		t.Fatalf("state = %v, want failed", r.State())
	}
	if r.Attempts() != 2 {
		t.Fatalf("attempts = %d, want exactly the configured bound", r.Attempts())
	}
	// Each attempt poisoned the account it ran on; the third was never touched.
	unusable := 0
	for _, st := range s.pool.Statuses() {
		if !st.Usable {
			unusable++
		}
	}
	if unusable != 2 {
		t.Fatalf("unusable accounts = %d, want 2", unusable)
	}
}

func TestTransientRetryRestartsAcquireClock(t *testing.T) {
	// The starvation clock must measure each wait for capacity on its own: a
	// request whose first attempt ran longer than the acquire timeout, failed
	// transiently and re-entered the queue still has its retry budget, and a
	// brief second wait must not be counted from the original dispatch.
	gate := make(chan struct{})
	blockerStarted := make(chan struct{}, 1)
	var mu sync.Mutex
	victimAttempts := 0
	exec := &recordingExecutor{}
	exec.fn = func(_ context.Context, _ string, p Payload) (Result, error) {
		if p.Query == "blocker" {
			select {
			case blockerStarted <- struct{}{}:
			default:
			}
			<-gate
			return Result(`{}`), nil
		}
		mu.Lock()
		victimAttempts++
		n := victimAttempts
		mu.Unlock()
		if n == 1 {
			time.Sleep(150 * time.Millisecond)
			return nil, Transient(errors.New("flaky upstream"))
		}
		return Result(`{}`), nil
	}
	s := newTestScheduler(t, Config{
		RetryMax:       3,
		AcquireBackoff: 10 * time.Millisecond,
		AcquireTimeout: 120 * time.Millisecond,
	}, exec)
	s.Start()

	victim := mustSubmit(t, s, "victim", PriorityNormal)
	waitForState(t, victim, StateExecuting)
	blocker := mustSubmit(t, s, "blocker", PriorityNormal)

	// The blocker grabs the slot the moment the victim's long first attempt
	// fails; the victim's second wait is ~30ms, well under the timeout.
	<-blockerStarted
	time.Sleep(30 * time.Millisecond)
	close(gate)

	if _, err := awaitOutcome(t, victim); err != nil {
		t.Fatalf("victim must retry and complete, got %v", err)
	}
	if victim.Attempts() != 2 {
		t.Fatalf("attempts = %d, want 2", victim.Attempts())
	}
	if _, err := awaitOutcome(t, blocker); err != nil {
		t.Fatalf("blocker failed: %v", err)
	}
}

func TestNoCapacityFailsAfterAcquireTimeout(t *testing.T) {
	s := newTestScheduler(t,
		Config{AcquireBackoff: 5 * time.Millisecond, AcquireTimeout: 25 * time.Millisecond},
		&recordingExecutor{},
		accounts.Spec{Name: "a", Usable: boolPtr(false)},
	)
	s.Start()

	r := mustSubmit(t, s, "q", PriorityNormal)
	_, err := awaitOutcome(t, r)
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}
	if r.State() != StateFailed {
		t.Fatalf("state = %v, want failed", r.State())
	}
}

func TestCancelQueued(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	exec := &recordingExecutor{fn: func(context.Context, string, Payload) (Result, error) {
		once.Do(func() { close(started) })
		<-gate
		return Result(`{}`), nil
	}}
	s := newTestScheduler(t, Config{}, exec)
	s.Start()

	r0 := mustSubmit(t, s, "holder", PriorityNormal)
	<-started
	r1 := mustSubmit(t, s, "victim", PriorityNormal)

	if err := s.Cancel(r1.ID()); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	_, err := awaitOutcome(t, r1)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if r1.State() != StateCancelled {
		t.Fatalf("state = %v, want cancelled", r1.State())
	}
	if got := len(exec.queries()); got != 1 {
		t.Fatalf("cancelled request was dispatched (%d calls)", got)
	}

	close(gate)
	if _, err := awaitOutcome(t, r0); err != nil {
		t.Fatalf("holder failed: %v", err)
	}
}

func TestCancelExecutingReleasesSlotAfterCallReturns(t *testing.T) {
	blocking := true
	var mu sync.Mutex
	exec := &recordingExecutor{fn: func(ctx context.Context, _ string, _ Payload) (Result, error) {
		mu.Lock()
		b := blocking
		blocking = false
		mu.Unlock()
		if b {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return Result(`{}`), nil
	}}
	s := newTestScheduler(t, Config{}, exec)
	s.Start()

	r := mustSubmit(t, s, "q", PriorityNormal)
	waitForState(t, r, StateExecuting)

	if err := s.Cancel(r.ID()); err != nil {
		t.Fatalf("cancel executing: %v", err)
	}
	_, err := awaitOutcome(t, r)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	// The slot is returned once the cancelled call drains; the next request
	// must be able to run on the same single account.
	r2 := mustSubmit(t, s, "q2", PriorityNormal)
	if _, err := awaitOutcome(t, r2); err != nil {
		t.Fatalf("follow-up request failed: %v", err)
	}
}

func TestCancelUnknownRequest(t *testing.T) {
	s := newTestScheduler(t, Config{}, &recordingExecutor{})
	s.Start()
	if err := s.Cancel("nope"); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("err = %v, want ErrUnknownRequest", err)
	}
}

func TestCancelAll(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	exec := &recordingExecutor{fn: func(ctx context.Context, _ string, _ Payload) (Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-gate:
			return Result(`{}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	s := newTestScheduler(t, Config{}, exec)
	s.Start()
	defer close(gate)

	rs := []*Request{
		mustSubmit(t, s, "q0", PriorityNormal),
		mustSubmit(t, s, "q1", PriorityNormal),
		mustSubmit(t, s, "q2", PriorityHigh),
	}
	<-started

	if n := s.CancelAll(); n != 3 {
		t.Fatalf("cancelled %d, want 3", n)
	}
	for _, r := range rs {
		_, err := awaitOutcome(t, r)
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("request %s err = %v, want ErrCancelled", r.ID(), err)
		}
	}

	snap := s.Snapshot()
	for lane, n := range snap.Pending {
		if n != 0 {
			t.Fatalf("lane %s still has %d pending after cancel_all", lane, n)
		}
	}
	if got := s.Stats().Snapshot().Cancelled; got != 3 {
		t.Fatalf("cancelled stat = %d, want 3", got)
	}
}

func TestSubmitTimeout(t *testing.T) {
	exec := &recordingExecutor{fn: func(ctx context.Context, _ string, _ Payload) (Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := newTestScheduler(t, Config{}, exec)
	s.Start()

	r, err := s.Submit(Payload{Query: "q"}, PriorityNormal, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = awaitOutcome(t, r)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("err = %v, want ErrTimedOut", err)
	}
	if r.State() != StateCancelled {
		t.Fatalf("state = %v, want cancelled", r.State())
	}
}

func TestTimestampsMonotonic(t *testing.T) {
	s := newTestScheduler(t, Config{}, &recordingExecutor{})
	s.Start()

	r := mustSubmit(t, s, "q", PriorityNormal)
	if _, err := awaitOutcome(t, r); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	sub, st, done := r.SubmittedAt(), r.StartedAt(), r.CompletedAt()
	if sub.IsZero() || st.IsZero() || done.IsZero() {
		t.Fatal("all three timestamps must be set on a completed request")
	}
	if st.Before(sub) || done.Before(st) {
		t.Fatalf("timestamps out of order: %v / %v / %v", sub, st, done)
	}
	if r.Attempts() != 1 {
		t.Fatalf("attempts = %d, want 1", r.Attempts())
	}
}

func TestStopPreservesQueueAndRequeuesInFlight(t *testing.T) {
	var mu sync.Mutex
	interrupt := true
	exec := &recordingExecutor{fn: func(ctx context.Context, _ string, _ Payload) (Result, error) {
		mu.Lock()
		b := interrupt
		mu.Unlock()
		if b {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return Result(`{}`), nil
	}}
	// The long backoff parks the loop between acquisition rounds, so the stop
	// below cannot race the queued request into the freshly released slot.
	s := newTestScheduler(t, Config{AcquireBackoff: 200 * time.Millisecond}, exec)
	s.Start()

	r0 := mustSubmit(t, s, "inflight", PriorityNormal)
	waitForState(t, r0, StateExecuting)
	r1 := mustSubmit(t, s, "queued", PriorityNormal)

	s.Stop()

	if st := r0.State(); st != StateQueued {
		t.Fatalf("in-flight request state after stop = %v, want queued", st)
	}
	if n := r0.Attempts(); n != 0 {
		t.Fatalf("interrupted attempt must not count, got %d", n)
	}
	if st := r1.State(); st != StateQueued {
		t.Fatalf("queued request state after stop = %v, want queued", st)
	}
	snap := s.Snapshot()
	if snap.Running {
		t.Fatal("snapshot must report stopped")
	}
	if snap.Pending[PriorityNormal.String()] != 2 {
		t.Fatalf("pending = %v, want both requests preserved", snap.Pending)
	}

	mu.Lock()
	interrupt = false
	mu.Unlock()
	s.Start()
	for _, r := range []*Request{r0, r1} {
		if _, err := awaitOutcome(t, r); err != nil {
			t.Fatalf("request %s failed after restart: %v", r.ID(), err)
		}
	}
	// The interrupted request resumed ahead of the one behind it.
	got := exec.queries()
	if got[len(got)-2] != "inflight" || got[len(got)-1] != "queued" {
		t.Fatalf("post-restart order = %v", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s := newTestScheduler(t, Config{}, &recordingExecutor{})
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
	s.Start()
	r := mustSubmit(t, s, "q", PriorityNormal)
	if _, err := awaitOutcome(t, r); err != nil {
		t.Fatalf("request failed: %v", err)
	}
}

func TestPruneTerminal(t *testing.T) {
	s := newTestScheduler(t, Config{}, &recordingExecutor{})
	s.Start()

	r := mustSubmit(t, s, "q", PriorityNormal)
	if _, err := awaitOutcome(t, r); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if n := s.PruneTerminal(r.CompletedAt()); n != 0 {
		t.Fatalf("cutoff at completion time pruned %d", n)
	}
	if n := s.PruneTerminal(r.CompletedAt().Add(time.Second)); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, err := s.Get(r.ID()); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("get after prune = %v, want ErrUnknownRequest", err)
	}
}

func waitForState(t *testing.T, r *Request, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("request %s never reached %v (state %v)", r.ID(), want, r.State())
}

func boolPtr(b bool) *bool { return &b }
