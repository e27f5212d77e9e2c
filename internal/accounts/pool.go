// Package accounts tracks capacity and recency for the upstream identities
// the dispatcher is allowed to use. Selection prefers the least-recently
// touched usable account with a free slot, which spreads load without a
// fixed rotation order.
package accounts

import (
	"sort"
	"sync"
	"time"

	"paceq/pkg/logx"
)

// Spec is one entry of the account source file.
type Spec struct {
	Name          string `json:"name"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"` // default 3
	Usable        *bool  `json:"usable,omitempty"`         // default true
}

const defaultMaxConcurrent = 3

type account struct {
	name     string
	max      int
	inFlight int
	lastUsed time.Time
	usable   bool
}

// Status is the read-only view of one account, for snapshots.
type Status struct {
	Name          string    `json:"name"`
	InFlight      int       `json:"in_flight"`
	MaxConcurrent int       `json:"max_concurrent"`
	Usable        bool      `json:"usable"`
	LastUsedAt    time.Time `json:"last_used_at,omitempty"`
}

// Pool owns all account state. in_flight/last_used_at/usable are mutated only
// through TryAcquire, Grant.Release, SetUsable and Apply, under one mutex, so
// no two acquisitions can both observe spare capacity and both pass the cap.
type Pool struct {
	mu       sync.Mutex
	accounts map[string]*account
	clock    func() time.Time
	log      logx.Logger
}

func NewPool(log logx.Logger, clock func() time.Time) *Pool {
	if clock == nil {
		clock = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{accounts: map[string]*account{}, clock: clock, log: log}
}

// Apply reconciles the pool against the account source. New accounts start
// idle; retained accounts keep their in-flight counts and recency; removed
// accounts disappear from selection immediately (slots still held by running
// requests simply vanish with the entry when released).
func (p *Pool) Apply(specs []Spec) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			continue
		}
		seen[s.Name] = true
		max := s.MaxConcurrent
		if max <= 0 {
			max = defaultMaxConcurrent
		}
		usable := true
		if s.Usable != nil {
			usable = *s.Usable
		}
		a := p.accounts[s.Name]
		if a == nil {
			p.accounts[s.Name] = &account{name: s.Name, max: max, usable: usable}
			p.log.Info("account added", logx.String("account", s.Name), logx.Int("max_concurrent", max), logx.Bool("usable", usable))
			continue
		}
		if a.max != max || a.usable != usable {
			p.log.Info("account updated", logx.String("account", s.Name), logx.Int("max_concurrent", max), logx.Bool("usable", usable))
		}
		a.max = max
		a.usable = usable
	}
	for name := range p.accounts {
		if !seen[name] {
			delete(p.accounts, name)
			p.log.Info("account removed", logx.String("account", name))
		}
	}
}

// Grant is one acquired slot. Release is idempotent: releasing the same grant
// twice never double-decrements the in-flight count.
type Grant struct {
	pool *Pool
	name string
	done bool
}

func (g *Grant) Account() string { return g.name }

// Release returns the slot and stamps last_used_at. valid=false marks the
// account unusable (permanent upstream rejection) so it is excluded from all
// future selections until the source flips it back.
func (g *Grant) Release(valid bool) {
	if g == nil || g.pool == nil {
		return
	}
	p := g.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if g.done {
		return
	}
	g.done = true
	a := p.accounts[g.name]
	if a == nil {
		return // account removed while the request was in flight
	}
	if a.inFlight > 0 {
		a.inFlight--
	}
	a.lastUsed = p.clock()
	if !valid && a.usable {
		a.usable = false
		p.log.Warn("account marked unusable", logx.String("account", g.name))
	}
}

// TryAcquire picks the usable account with spare capacity whose last use is
// oldest, ties broken by name. Returns (nil, false) when every account is
// unusable or saturated; callers back off rather than busy-poll.
func (p *Pool) TryAcquire() (*Grant, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *account
	for _, a := range p.accounts {
		if !a.usable || a.inFlight >= a.max {
			continue
		}
		if best == nil {
			best = a
			continue
		}
		if a.lastUsed.Before(best.lastUsed) ||
			(a.lastUsed.Equal(best.lastUsed) && a.name < best.name) {
			best = a
		}
	}
	if best == nil {
		return nil, false
	}
	best.inFlight++
	best.lastUsed = p.clock()
	return &Grant{pool: p, name: best.name}, true
}

// SetUsable flips the usable flag directly (admin escape hatch; the normal
// path is the account source file). Reports whether the account exists.
func (p *Pool) SetUsable(name string, usable bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.accounts[name]
	if a == nil {
		return false
	}
	a.usable = usable
	return true
}

// Statuses returns a point-in-time view sorted by name.
func (p *Pool) Statuses() []Status {
	p.mu.Lock()
	out := make([]Status, 0, len(p.accounts))
	for _, a := range p.accounts {
		out = append(out, Status{
			Name:          a.name,
			InFlight:      a.inFlight,
			MaxConcurrent: a.max,
			Usable:        a.usable,
			LastUsedAt:    a.lastUsed,
		})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Capacity reports the total concurrency budget across usable accounts.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.accounts {
		if a.usable {
			n += a.max
		}
	}
	return n
}
