package inference

import (
	"sync"
	"time"

	"github.com/reconiq/quote-engine/internal/metrics"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker opens after a run of consecutive failures and lets a single trial call
// through once the cooldown has elapsed.
type Breaker struct {
	mu            sync.Mutex
	name          string
	state         BreakerState
	failures      int
	openedAt      time.Time
	trialInFlight bool
	threshold     int
	cooldown      time.Duration
	now           func() time.Time
	onTransition  func(from, to BreakerState)
}

// NewBreaker creates a closed breaker. Non-positive settings fall back to 5
// failures and a 30s cooldown.
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	metrics.SetBreakerState(name, int(StateClosed))
	return b
}

// State returns the current state, moving Open to HalfOpen when the cooldown has passed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Allow reports whether a call may proceed. In HalfOpen only one trial call is admitted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return false
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trialInFlight = false
	b.transition(StateClosed)
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false

	if b.state == StateHalfOpen {
		b.openedAt = b.now()
		b.transition(StateOpen)
		return
	}

	b.failures++
	if b.failures >= b.threshold && b.state == StateClosed {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// refresh must be called with mu held.
func (b *Breaker) refresh() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.transition(StateHalfOpen)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	metrics.SetBreakerState(b.name, int(to))
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}
