package flash

import (
	"fmt"
	"time"
)

// PollPolicy bounds how long WaitReady may spin on the status register.
// Both limits apply; whichever is hit first ends the wait.
type PollPolicy struct {
	// MaxPolls is the maximum number of status reads.
	MaxPolls int
	// Initial is the delay after the first busy read. It doubles on every
	// further busy read up to Max.
	Initial time.Duration
	Max     time.Duration
	// Budget caps the total wall time spent waiting. Zero disables it.
	Budget time.Duration
	// Sleep replaces time.Sleep, tests use it to run without delays.
	Sleep func(time.Duration)
}

// DefaultPollPolicy fits the worst case block erase of AT45DB parts
// (about 100ms) with margin, and page program (a few ms) many times over.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		MaxPolls: 400,
		Initial:  20 * time.Microsecond,
		Max:      2 * time.Millisecond,
		Budget:   500 * time.Millisecond,
	}
}

func (p PollPolicy) withDefaults() PollPolicy {
	d := DefaultPollPolicy()
	if p.MaxPolls <= 0 {
		p.MaxPolls = d.MaxPolls
	}
	if p.Initial < 0 {
		p.Initial = 0
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Sleep == nil {
		p.Sleep = time.Sleep
	}
	return p
}

// WaitReady polls r until the device reports ready. It returns the number of
// status reads performed. Once the policy is exhausted it returns ErrTimeout
// rather than waiting longer; a transport error ends the wait immediately.
func WaitReady(r StatusReader, policy PollPolicy) (int, error) {
	policy = policy.withDefaults()
	start := time.Now()
	delay := policy.Initial

	for polls := 1; polls <= policy.MaxPolls; polls++ {
		st, err := r.ReadStatus()
		if err != nil {
			return polls, fmt.Errorf("read status: %w", err)
		}
		if st.Ready() {
			return polls, nil
		}
		if policy.Budget > 0 && time.Since(start) >= policy.Budget {
			return polls, fmt.Errorf("%w: %s budget spent after %d polls", ErrTimeout, policy.Budget, polls)
		}
		if delay > 0 {
			policy.Sleep(delay)
			delay *= 2
			if delay > policy.Max {
				delay = policy.Max
			}
		}
	}
	return policy.MaxPolls, fmt.Errorf("%w: %d polls", ErrTimeout, policy.MaxPolls)
}
