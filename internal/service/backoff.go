package service

import "time"

const (
	DefaultMinBlock    = 5 * time.Millisecond
	DefaultMaxBlock    = 30 * time.Second
	DefaultBlockFactor = 1.5

	// A zero block means "block forever" to XREADGROUP.
	minimumBlock = time.Millisecond
)

// Backoff is the adaptive block duration of a consumer's long poll: it grows
// geometrically while streams stay quiet and snaps back to the minimum as
// soon as anything arrives. Not safe for concurrent use.
type Backoff struct {
	min, max time.Duration
	factor   float64
	cur      time.Duration
}

func NewBackoff(min, max time.Duration, factor float64) *Backoff {
	if min < minimumBlock {
		min = minimumBlock
	}
	if max < min {
		max = min
	}
	if factor <= 1 {
		factor = DefaultBlockFactor
	}
	return &Backoff{min: min, max: max, factor: factor, cur: min}
}

func (b *Backoff) Current() time.Duration { return b.cur }

func (b *Backoff) Min() time.Duration { return b.min }

// Grow advances to the next block duration, capped at the maximum.
func (b *Backoff) Grow() time.Duration {
	next := time.Duration(float64(b.cur) * b.factor)
	if next <= b.cur {
		next = b.cur + 1
	}
	if next > b.max {
		next = b.max
	}
	b.cur = next
	return b.cur
}

func (b *Backoff) Reset() {
	b.cur = b.min
}
