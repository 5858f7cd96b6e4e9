// Package resilience provides the circuit breaker and retry helper wrapped
// around every external dependency call (embedding backends, rerankers).
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"magray/internal/memory"
)

// State is a breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrAbandoned reports to a done func that the caller gave up before the
// call produced an outcome. It releases a probe slot without counting as a
// success or a failure.
var ErrAbandoned = errors.New("resilience: call abandoned")

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // failures within Window that open the breaker
	Window           time.Duration // sliding failure window
	Cooldown         time.Duration // time spent open before probing
	HalfOpenMaxCalls int           // concurrent probes allowed, and successes needed to close
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	OpenedAt    time.Time `json:"opened_at,omitempty"`
	Transitions uint64    `json:"transitions"`
	Rejected    uint64    `json:"rejected"`
}

// Breaker is a Closed/Open/HalfOpen circuit breaker with a sliding failure
// window. It is safe for concurrent use.
type Breaker struct {
	cfg      BreakerConfig
	now      func() time.Time
	onChange func(name string, from, to State)

	mu          sync.Mutex
	state       State
	generation  uint64
	failures    []time.Time // failure timestamps inside the window, oldest first
	openedAt    time.Time
	probes      int // half-open calls in flight
	successes   int // half-open successes in this generation
	transitions uint64
	rejected    uint64
}

// BreakerOption customises a Breaker.
type BreakerOption func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a callback invoked (outside the lock) on every
// transition.
func WithStateChange(fn func(name string, from, to State)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults(), now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name returns the configured name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Allow asks to make one call. When admitted it returns a done func that
// must be called exactly once with the call's outcome, or with ErrAbandoned
// when there was none. When the breaker is open (or half-open with all
// probe slots taken) it returns memory.ErrDegraded without calling anything.
func (b *Breaker) Allow() (func(error), error) {
	b.mu.Lock()
	now := b.now()
	var changed *[2]State

	if b.state == StateOpen {
		if now.Sub(b.openedAt) < b.cfg.Cooldown {
			b.rejected++
			b.mu.Unlock()
			return nil, b.degraded()
		}
		changed = b.transition(StateHalfOpen)
	}
	probe := false
	if b.state == StateHalfOpen {
		if b.probes >= b.cfg.HalfOpenMaxCalls {
			b.rejected++
			b.mu.Unlock()
			b.notify(changed)
			return nil, b.degraded()
		}
		b.probes++
		probe = true
	}
	gen := b.generation
	b.mu.Unlock()
	b.notify(changed)

	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(gen, probe, err) })
	}, nil
}

func (b *Breaker) degraded() error {
	return memory.Wrap("breaker."+b.cfg.Name, memory.KindTransient, fmt.Errorf("%w: %s", memory.ErrDegraded, b.cfg.Name))
}

func (b *Breaker) record(gen uint64, probe bool, err error) {
	b.mu.Lock()
	var changed *[2]State
	now := b.now()

	if gen != b.generation {
		// Outcome belongs to a state the breaker has already left.
		b.mu.Unlock()
		return
	}
	if probe {
		b.probes--
	}
	if errors.Is(err, ErrAbandoned) {
		b.mu.Unlock()
		return
	}

	switch b.state {
	case StateClosed:
		if err != nil {
			b.failures = append(b.failures, now)
			b.trim(now)
			if len(b.failures) >= b.cfg.FailureThreshold {
				changed = b.transition(StateOpen)
			}
		}
	case StateHalfOpen:
		if err != nil {
			changed = b.transition(StateOpen)
		} else {
			b.successes++
			if b.successes >= b.cfg.HalfOpenMaxCalls {
				changed = b.transition(StateClosed)
			}
		}
	}
	b.mu.Unlock()
	b.notify(changed)
}

// transition moves to s and returns the change for notify. Caller holds b.mu.
func (b *Breaker) transition(s State) *[2]State {
	from := b.state
	b.state = s
	b.generation++
	b.transitions++
	b.probes = 0
	b.successes = 0
	switch s {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.failures = b.failures[:0]
	}
	return &[2]State{from, s}
}

func (b *Breaker) notify(changed *[2]State) {
	if changed != nil && b.onChange != nil {
		b.onChange(b.cfg.Name, changed[0], changed[1])
	}
}

// trim drops failures older than the window. Caller holds b.mu.
func (b *Breaker) trim(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

// State returns the current state. An open breaker whose cooldown has
// elapsed still reports open until the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's current view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trim(b.now())
	s := Snapshot{
		Name:        b.cfg.Name,
		State:       b.state.String(),
		Failures:    len(b.failures),
		Transitions: b.transitions,
		Rejected:    b.rejected,
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	return s
}
