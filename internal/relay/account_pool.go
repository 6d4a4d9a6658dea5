package relay

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"relaytv/internal/upstream"
)

// ErrAccountsExhausted is returned by Lease when every account is either
// serving a session or cooling down.
var ErrAccountsExhausted = errors.New("no upstream account available")

// DefaultCooldown is the rest period an account observes after release before
// it may serve another channel.
const DefaultCooldown = 30 * time.Second

type leasePhase int

const (
	phaseFree leasePhase = iota
	phaseLeased
	phaseCooling
)

func (p leasePhase) String() string {
	switch p {
	case phaseLeased:
		return "leased"
	case phaseCooling:
		return "cooling"
	default:
		return "free"
	}
}

type leaseState struct {
	account   upstream.Account
	phase     leasePhase
	channelID string
	coolUntil time.Time
}

// AccountStatus is a point-in-time view of one pool entry.
type AccountStatus struct {
	AccountID string    `json:"accountId"`
	Phase     string    `json:"phase"`
	ChannelID string    `json:"channelId,omitempty"`
	CoolUntil time.Time `json:"coolUntil,omitempty"`
}

// Pool owns the lease state for the static account directory. A leased
// account serves exactly one channel, and a released account is unavailable
// until its cooldown elapses.
type Pool struct {
	mu       sync.Mutex
	states   []*leaseState
	byID     map[string]*leaseState
	cooldown time.Duration
	now      func() time.Time
}

// PoolOption customizes pool construction.
type PoolOption func(*Pool)

// WithCooldown overrides the default release cooldown.
func WithCooldown(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d >= 0 {
			p.cooldown = d
		}
	}
}

// WithClock injects the time source. Tests use this to step through cooldown
// windows without sleeping.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPool builds a pool over the loaded account directory.
func NewPool(accounts []upstream.Account, opts ...PoolOption) (*Pool, error) {
	if len(accounts) == 0 {
		return nil, fmt.Errorf("account pool requires at least one account")
	}
	p := &Pool{
		states:   make([]*leaseState, 0, len(accounts)),
		byID:     make(map[string]*leaseState, len(accounts)),
		cooldown: DefaultCooldown,
		now:      time.Now,
	}
	for _, acct := range accounts {
		if _, exists := p.byID[acct.ID]; exists {
			return nil, fmt.Errorf("duplicate account id %s", acct.ID)
		}
		state := &leaseState{account: acct}
		p.states = append(p.states, state)
		p.byID[acct.ID] = state
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// reapLocked moves cooled accounts back to the free phase. Callers hold p.mu.
func (p *Pool) reapLocked(now time.Time) {
	for _, state := range p.states {
		if state.phase == phaseCooling && !now.Before(state.coolUntil) {
			state.phase = phaseFree
			state.coolUntil = time.Time{}
		}
	}
}

// Lease claims a free account for the given channel. It fails with
// ErrAccountsExhausted when no account is available right now; callers are
// expected to surface that to the viewer rather than wait.
func (p *Pool) Lease(channelID string) (upstream.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reapLocked(p.now())
	for _, state := range p.states {
		if state.phase != phaseFree {
			continue
		}
		state.phase = phaseLeased
		state.channelID = channelID
		return state.account, nil
	}
	return upstream.Account{}, ErrAccountsExhausted
}

// Release returns a leased account to the pool and starts its cooldown.
// Releasing an account that is not leased is a no-op, which makes teardown
// paths safe to run more than once.
func (p *Pool) Release(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.byID[accountID]
	if !ok || state.phase != phaseLeased {
		return
	}
	state.phase = phaseCooling
	state.channelID = ""
	state.coolUntil = p.now().Add(p.cooldown)
	if p.cooldown == 0 {
		state.phase = phaseFree
		state.coolUntil = time.Time{}
	}
}

// Available reports how many accounts could be leased right now.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reapLocked(p.now())
	free := 0
	for _, state := range p.states {
		if state.phase == phaseFree {
			free++
		}
	}
	return free
}

// Statuses snapshots every pool entry, sorted by account ID for stable
// operator output.
func (p *Pool) Statuses() []AccountStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reapLocked(p.now())
	out := make([]AccountStatus, 0, len(p.states))
	for _, state := range p.states {
		status := AccountStatus{
			AccountID: state.account.ID,
			Phase:     state.phase.String(),
			ChannelID: state.channelID,
		}
		if state.phase == phaseCooling {
			status.CoolUntil = state.coolUntil
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}
