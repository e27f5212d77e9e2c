package scheduler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"paceq/internal/accounts"
	"paceq/internal/storage"
	"paceq/pkg/logx"
)

type sleepResult int

const (
	sleepElapsed sleepResult = iota
	sleepCancelled
	sleepStopped
)

// loop is the single decision thread: it pops the next request, secures an
// account, paces, then hands off to an execute goroutine. Executions run
// concurrently; decisions never do.
func (s *Scheduler) loop(stopCh, stopDone chan struct{}) {
	defer close(stopDone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	for {
		r := s.queue.pop()
		if r == nil {
			select {
			case <-stopCh:
				return
			case <-s.wake:
				continue
			}
		}
		if !s.dispatch(ctx, r, stopCh) {
			return
		}
	}
}

// dispatch drives one request from the queue head into execution. Returns
// false when the scheduler is stopping.
func (s *Scheduler) dispatch(ctx context.Context, r *Request, stopCh <-chan struct{}) bool {
	if r.cancelRequested() {
		s.finalize(r, StateCancelled, nil, r.cancelCause())
		return true
	}

	cfg := s.config()
	r.setState(StateWaitingAccount)

	grant, ok := s.pool.TryAcquire()
	if !ok {
		now := s.clock()
		firstWait := r.markWaiting(now)
		if cfg.AcquireTimeout > 0 && now.Sub(firstWait) >= cfg.AcquireTimeout {
			s.finalize(r, StateFailed, nil, &RequestError{RequestID: r.id, Err: ErrNoCapacity})
			return true
		}
		// Head of lane again so same-priority siblings keep their order.
		r.setState(StateQueued)
		s.queue.pushFront(r)
		return s.idle(cfg.AcquireBackoff, stopCh)
	}
	r.resetWaiting()

	if r.cancelRequested() {
		grant.Release(true)
		s.finalize(r, StateCancelled, nil, r.cancelCause())
		return true
	}

	// Global dispatch ceiling, then the per-request pacing delay. The account
	// slot is held through both so capacity reflects commitments, not just
	// running calls.
	if lim := s.limiterRef(); lim != nil {
		res := lim.Reserve()
		switch s.wait(res.Delay(), r, stopCh) {
		case sleepCancelled:
			res.Cancel()
			grant.Release(true)
			s.finalize(r, StateCancelled, nil, r.cancelCause())
			return true
		case sleepStopped:
			res.Cancel()
			grant.Release(true)
			r.setState(StateQueued)
			s.queue.pushFront(r)
			return false
		}
	}

	r.setState(StatePacing)
	delay := s.model.NextDelay(s.clock())
	s.log.Debug("pacing before dispatch",
		logx.String("id", r.id),
		logx.String("account", grant.Account()),
		logx.Duration("delay", delay))
	switch s.wait(delay, r, stopCh) {
	case sleepCancelled:
		grant.Release(true)
		s.finalize(r, StateCancelled, nil, r.cancelCause())
		return true
	case sleepStopped:
		grant.Release(true)
		r.setState(StateQueued)
		s.queue.pushFront(r)
		return false
	}

	s.execWG.Add(1)
	go s.execute(ctx, r, grant)
	return true
}

// idle sleeps between acquisition rounds while every account is saturated.
func (s *Scheduler) idle(d time.Duration, stopCh <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stopCh:
		return false
	}
}

// wait sleeps d unless the request is cancelled or the scheduler stops first.
func (s *Scheduler) wait(d time.Duration, r *Request, stopCh <-chan struct{}) sleepResult {
	if d <= 0 {
		return sleepElapsed
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return sleepElapsed
	case <-r.cancelCh:
		return sleepCancelled
	case <-stopCh:
		return sleepStopped
	}
}

type callOutcome struct {
	res Result
	err error
}

// execute runs one upstream attempt. It owns the grant: every path below
// releases it exactly once, possibly from a detached goroutine when a
// cancelled call is still draining.
func (s *Scheduler) execute(ctx context.Context, r *Request, grant *accounts.Grant) {
	defer s.execWG.Done()

	now := s.clock()
	account := grant.Account()
	attempt, first := r.beginAttempt(account, now)
	if first {
		s.stats.markDispatched(account, now.Sub(r.SubmittedAt()), true)
	} else {
		s.stats.markDispatched(account, 0, false)
	}
	s.publish(EventStarted, r, nil)
	s.log.Debug("executing request",
		logx.String("id", r.id),
		logx.String("account", account),
		logx.Int("attempt", attempt))

	callCtx, callCancel := context.WithCancel(ctx)
	defer callCancel()
	ch := make(chan callOutcome, 1)
	go func() {
		res, err := s.exec.Execute(callCtx, account, r.payload)
		ch <- callOutcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		s.settle(ctx, r, grant, out.res, out.err, attempt)
	case <-r.cancelCh:
		callCancel()
		// The slot stays held until the upstream call actually returns.
		go func() {
			<-ch
			grant.Release(true)
		}()
		s.finalize(r, StateCancelled, nil, r.cancelCause())
	}
}

// settle classifies an attempt's outcome: success, stop interruption, retry,
// or exhausted budget.
func (s *Scheduler) settle(ctx context.Context, r *Request, grant *accounts.Grant, res Result, err error, attempt int) {
	if err == nil {
		grant.Release(true)
		s.finalize(r, StateCompleted, res, nil)
		return
	}

	if ctx.Err() != nil && !r.cancelRequested() {
		// Stopped mid-call, not cancelled: the attempt doesn't count and the
		// request resumes from the head of its lane on the next Start.
		grant.Release(true)
		r.refundAttempt()
		r.setState(StateQueued)
		s.queue.pushFront(r)
		s.log.Info("request requeued by shutdown", logx.String("id", r.id))
		return
	}

	perm := IsPermanent(err)
	grant.Release(!perm)
	if perm {
		s.log.Warn("account marked unusable",
			logx.String("account", grant.Account()),
			logx.String("id", r.id),
			logx.Err(err))
	}

	if attempt >= s.config().RetryMax {
		s.finalize(r, StateFailed, nil, &RequestError{
			RequestID: r.id,
			Account:   grant.Account(),
			Err:       fmt.Errorf("%w: %w", ErrRetryExhausted, err),
		})
		return
	}

	r.setState(StateQueued)
	s.queue.push(r)
	s.publish(EventRequeued, r, err)
	s.nudge()
	s.log.Debug("request requeued after failure",
		logx.String("id", r.id),
		logx.Int("attempt", attempt),
		logx.Err(err))
}

// finalize performs the single terminal transition. Idempotent: concurrent
// owners (cancel path vs loop vs execute) race harmlessly, first one wins.
func (s *Scheduler) finalize(r *Request, st State, res Result, err error) {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	r.state = st
	r.completedAt = s.clock()
	r.result = res
	r.err = err
	if r.timeout != nil {
		r.timeout.Stop()
	}
	close(r.done)
	r.mu.Unlock()

	switch st {
	case StateCompleted:
		s.stats.markCompleted()
		s.publish(EventCompleted, r, nil)
	case StateFailed:
		s.stats.markFailed()
		s.publish(EventFailed, r, err)
	case StateCancelled:
		s.stats.markCancelled()
		s.publish(EventCancelled, r, err)
	}
	s.persist(r, st, res, err)

	lg := s.log.Debug
	if st == StateFailed {
		lg = s.log.Warn
	}
	lg("request finished",
		logx.String("id", r.id),
		logx.String("state", st.String()),
		logx.Int("attempts", r.Attempts()),
		logx.Err(err))
}

// persist writes the terminal record off the hot path; failures are logged,
// never surfaced to the submitter.
func (s *Scheduler) persist(r *Request, st State, res Result, err error) {
	if s.store == nil {
		return
	}
	rec := storage.ResultRecord{
		ID:         r.id,
		Status:     st.String(),
		Result:     res,
		Priority:   r.priority.String(),
		Account:    r.Account(),
		FinishedAt: r.CompletedAt(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if perr := s.store.Put(ctx, rec); perr != nil {
			s.log.Warn("result persist failed", logx.String("id", rec.ID), logx.Err(perr))
		}
	}()
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Scheduler) limiterRef() *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter
}
