package common

import (
	"fmt"
	"time"
)

// Backoff implements retry backoff on failure.
type Backoff struct {
	initialTimeout time.Duration
	currentTimeout time.Duration
	maximumTimeout time.Duration
}

// NewBackoff returns a new backoff. The timeout starts at initialTimeout,
// doubles on every failure up to maximumTimeout, and resets on success.
func NewBackoff(initialTimeout time.Duration, maximumTimeout time.Duration) (*Backoff, error) {
	if initialTimeout <= 0 {
		return nil, fmt.Errorf("initial timeout %v must be positive", initialTimeout)
	}
	if maximumTimeout < initialTimeout {
		return nil, fmt.Errorf(
			"maximum timeout %v less than initial timeout %v",
			maximumTimeout,
			initialTimeout,
		)
	}
	return &Backoff{initialTimeout, initialTimeout, maximumTimeout}, nil
}

// Failure increases the backoff timeout.
func (b *Backoff) Failure() {
	b.currentTimeout *= 2
	if b.currentTimeout > b.maximumTimeout {
		b.currentTimeout = b.maximumTimeout
	}
}

// Success resets the backoff timeout.
func (b *Backoff) Success() {
	b.currentTimeout = b.initialTimeout
}

// Timeout returns the backoff timeout.
func (b *Backoff) Timeout() time.Duration {
	return b.currentTimeout
}
