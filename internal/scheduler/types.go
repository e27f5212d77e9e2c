package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Priority orders the four lanes. Higher values always dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

const numPriorities = 4

func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityUrgent }

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a user-supplied string to a lane. Empty defaults to
// normal; anything else unknown is a validation error.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, &ValidationError{Reason: fmt.Sprintf("unknown priority %q", s)}
	}
}

// State is the request lifecycle position.
type State int

const (
	StateQueued State = iota
	StateWaitingAccount
	StatePacing
	StateExecuting
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateWaitingAccount:
		return "waiting_account"
	case StatePacing:
		return "pacing"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Payload is the opaque query descriptor handed to the executor. The
// scheduler never interprets it.
type Payload struct {
	Query   string            `json:"query"`
	Options map[string]string `json:"options,omitempty"`
}

// Result is the opaque executor response.
type Result = json.RawMessage

// Executor is the external collaborator that performs the upstream call.
// Errors should be wrapped with Transient or Permanent; unwrapped errors are
// treated as transient (retried within the attempt budget).
type Executor interface {
	Execute(ctx context.Context, account string, p Payload) (Result, error)
}

// Request is both the scheduler's bookkeeping record and the submitter's
// handle. The submitter owns the outcome: Await or Done/Outcome deliver it
// exactly once per Request.
type Request struct {
	id       string
	payload  Payload
	priority Priority

	mu          sync.Mutex
	state       State
	submittedAt time.Time
	startedAt   time.Time
	completedAt time.Time
	attempts    int
	account     string // last account dispatched to
	firstWaitAt time.Time
	result      Result
	err         error

	cancelOnce sync.Once
	cancelCh   chan struct{}
	cancelErr  error
	done       chan struct{}
	timeout    *time.Timer
}

func (r *Request) ID() string         { return r.id }
func (r *Request) Priority() Priority { return r.priority }
func (r *Request) Payload() Payload   { return r.payload }

func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Request) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *Request) Account() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.account
}

func (r *Request) SubmittedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submittedAt
}

func (r *Request) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

func (r *Request) CompletedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completedAt
}

// Done is closed when the request reaches a terminal state.
func (r *Request) Done() <-chan struct{} { return r.done }

// Outcome returns the terminal result or error. Before the terminal
// transition both returns are zero.
func (r *Request) Outcome() (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Await blocks until the request is terminal or ctx is done.
func (r *Request) Await(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.Outcome()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Request) setState(st State) {
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
}

// markWaiting stamps the first time this admission round failed to find an
// account, so the no-capacity timeout measures contiguous starvation, not one
// backoff round. Called only when acquisition fails.
func (r *Request) markWaiting(now time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstWaitAt.IsZero() {
		r.firstWaitAt = now
	}
	return r.firstWaitAt
}

// resetWaiting clears the starvation clock once a slot is acquired. A retry
// after a failed attempt starts a fresh wait.
func (r *Request) resetWaiting() {
	r.mu.Lock()
	r.firstWaitAt = time.Time{}
	r.mu.Unlock()
}

// beginAttempt transitions to EXECUTING. started_at is set once, on the
// first attempt only.
func (r *Request) beginAttempt(account string, now time.Time) (attempt int, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateExecuting
	r.account = account
	r.attempts++
	if r.startedAt.IsZero() {
		r.startedAt = now
		first = true
	}
	return r.attempts, first
}

// refundAttempt undoes one beginAttempt, used when a shutdown interrupts an
// execution through no fault of the request.
func (r *Request) refundAttempt() {
	r.mu.Lock()
	if r.attempts > 0 {
		r.attempts--
	}
	r.mu.Unlock()
}

// requestCancel records the cancellation cause and signals whoever currently
// owns the request. It does not finalize; the owner does.
func (r *Request) requestCancel(cause error) {
	r.mu.Lock()
	if r.cancelErr == nil {
		r.cancelErr = cause
	}
	r.mu.Unlock()
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

func (r *Request) cancelRequested() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

func (r *Request) cancelCause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelErr != nil {
		return r.cancelErr
	}
	return ErrCancelled
}

// Event types published on the bus.
const (
	EventSubmitted = "request.submitted"
	EventStarted   = "request.started"
	EventRequeued  = "request.requeued"
	EventCompleted = "request.completed"
	EventFailed    = "request.failed"
	EventCancelled = "request.cancelled"
)

// RequestEvent is the bus payload for lifecycle transitions.
type RequestEvent struct {
	ID       string `json:"id"`
	Priority string `json:"priority"`
	State    string `json:"state"`
	Account  string `json:"account,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}
