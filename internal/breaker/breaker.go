package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

const (
	defaultThreshold    = 5
	defaultResetTimeout = time.Minute
)

// State is a point-in-time view of a breaker.
type State struct {
	FailureCount  uint          `json:"failureCount"`
	Threshold     uint          `json:"threshold"`
	IsOpen        bool          `json:"isOpen"`
	LastFailureAt time.Time     `json:"lastFailureAt,omitempty"`
	ResetTimeout  time.Duration `json:"resetTimeout"`
}

// Options tune breaker behaviour.
type Options struct {
	Threshold    uint
	ResetTimeout time.Duration
	// OnOpen runs after the breaker trips, outside the internal lock.
	OnOpen func(State)
	// OnClose runs after the auto-reset timer closes the breaker.
	OnClose func()
}

// Breaker counts consecutive failures of a protected resource and opens once the
// threshold is reached. An open breaker closes ResetTimeout after the failure that
// opened it.
type Breaker struct {
	opts Options
	now  func() time.Time

	mu          sync.Mutex
	failures    uint
	open        bool
	lastFailure time.Time
	timer       *time.Timer
	generation  uint64
}

// New constructs a closed breaker.
func New(opts Options) *Breaker {
	if opts.Threshold == 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = defaultResetTimeout
	}
	return &Breaker{opts: opts, now: time.Now}
}

// Allow reports ErrOpen when calls must fail fast.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return ErrOpen
	}
	return nil
}

// RecordFailure counts a failure and reports whether this failure opened the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	b.failures++
	b.lastFailure = b.now()
	if b.open || b.failures < b.opts.Threshold {
		b.mu.Unlock()
		return false
	}

	b.open = true
	b.generation++
	gen := b.generation
	b.timer = time.AfterFunc(b.opts.ResetTimeout, func() { b.closeAfterTimeout(gen) })
	state := b.stateLocked()
	b.mu.Unlock()

	if b.opts.OnOpen != nil {
		b.opts.OnOpen(state)
	}
	return true
}

// RecordSuccess clears the failure streak of a closed breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		b.failures = 0
	}
}

// Reset closes the breaker immediately and cancels any pending auto-reset.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

// Stop releases the auto-reset timer without changing state.
func (b *Breaker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// State returns a snapshot.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) closeAfterTimeout(gen uint64) {
	b.mu.Lock()
	if gen != b.generation || !b.open {
		b.mu.Unlock()
		return
	}
	b.resetLocked()
	b.mu.Unlock()

	if b.opts.OnClose != nil {
		b.opts.OnClose()
	}
}

func (b *Breaker) resetLocked() {
	b.failures = 0
	b.open = false
	b.lastFailure = time.Time{}
	b.generation++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Breaker) stateLocked() State {
	return State{
		FailureCount:  b.failures,
		Threshold:     b.opts.Threshold,
		IsOpen:        b.open,
		LastFailureAt: b.lastFailure,
		ResetTimeout:  b.opts.ResetTimeout,
	}
}
