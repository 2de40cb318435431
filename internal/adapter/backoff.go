package adapter

import (
	"sync"
	"time"
)

// Backoff yields doubling delays between Base and Max.
//
// The first call to Next after construction or Reset returns the base
// delay; each further call doubles it until the ceiling is reached.
type Backoff struct {
	base time.Duration
	max  time.Duration

	mu  sync.Mutex
	cur time.Duration
}

// NewBackoff creates a Backoff. A non-positive max is treated as equal to base.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, cur: base}
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.cur
	b.cur *= 2
	if b.cur > b.max || b.cur <= 0 {
		b.cur = b.max
	}
	return d
}

// Reset returns the sequence to the base delay after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.cur = b.base
	b.mu.Unlock()
}

// Peek returns the delay the next call to Next would return.
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}
