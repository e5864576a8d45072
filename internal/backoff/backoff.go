// Package backoff implements a capped geometric retry schedule. It performs no
// I/O and never sleeps; callers own the wait.
package backoff

import (
	"errors"
	"time"
)

// Policy is immutable retry configuration.
type Policy struct {
	InitialDelay time.Duration `json:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" mapstructure:"max_delay"`
	Multiplier   float64       `json:"multiplier" mapstructure:"multiplier"`
	MaxAttempts  int           `json:"max_attempts" mapstructure:"max_attempts"`
	TotalTimeout time.Duration `json:"total_timeout" mapstructure:"total_timeout"` // 0 means unbounded
}

// DefaultSpawnPolicy governs respawning a service after a failed start.
var DefaultSpawnPolicy = Policy{
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   2.0,
	MaxAttempts:  10,
	TotalTimeout: 120 * time.Second,
}

// DefaultPollPolicy governs the interval between readiness probes of a running child.
var DefaultPollPolicy = Policy{
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   1.5,
	MaxAttempts:  60,
	TotalTimeout: 60 * time.Second,
}

// Validate rejects policies that cannot produce a sane schedule.
func (p Policy) Validate() error {
	if p.InitialDelay < 0 {
		return errors.New("initial_delay cannot be negative")
	}
	if p.MaxDelay < p.InitialDelay {
		return errors.New("max_delay must be >= initial_delay")
	}
	if p.Multiplier < 1 {
		return errors.New("multiplier must be >= 1")
	}
	if p.MaxAttempts < 0 {
		return errors.New("max_attempts cannot be negative")
	}
	if p.TotalTimeout < 0 {
		return errors.New("total_timeout cannot be negative")
	}
	return nil
}

// Expired reports whether elapsed has passed TotalTimeout.
func (p Policy) Expired(elapsed time.Duration) bool {
	return p.TotalTimeout > 0 && elapsed > p.TotalTimeout
}

// State is a mutable cursor over a Policy. Not safe for concurrent use.
type State struct {
	policy   Policy
	attempts int
	current  time.Duration
}

func NewState(p Policy) *State {
	s := &State{policy: p}
	s.Reset()
	return s
}

// NextDelay returns the delay to wait before the next attempt, or false once
// MaxAttempts delays have been handed out.
func (s *State) NextDelay() (time.Duration, bool) {
	if s.attempts >= s.policy.MaxAttempts {
		return 0, false
	}
	d := s.current
	s.attempts++

	next := time.Duration(float64(s.current) * s.policy.Multiplier)
	if next > s.policy.MaxDelay || next < s.current {
		// second clause guards float overflow
		next = s.policy.MaxDelay
	}
	s.current = next
	return d, true
}

// Reset restores the cursor so the next delay is InitialDelay again.
func (s *State) Reset() {
	s.attempts = 0
	s.current = s.policy.InitialDelay
	if s.current > s.policy.MaxDelay {
		s.current = s.policy.MaxDelay
	}
}

func (s *State) Attempts() int  { return s.attempts }
func (s *State) Policy() Policy { return s.policy }
