// Package batcher groups received messages into batches.
//
// Policy holds the pure completion rule; Batcher applies it to one cycle at a
// time, tracking when the cycle started and when the last message arrived.
package batcher

import "time"

// Batcher accumulates the items of one cycle. It is not safe for concurrent
// use; the worker that owns it is the only caller.
type Batcher[M any] struct {
	policy Policy
	now    func() time.Time

	items []M
	start time.Time
	last  time.Time
}

// Batch is the result of one accumulation cycle.
type Batch[M any] struct {
	Items     []M
	Reason    Reason
	StartedAt time.Time
	Elapsed   time.Duration
}

// Len returns the number of items in the batch.
func (b Batch[M]) Len() int { return len(b.Items) }

// NewBatcher returns a Batcher for p. now defaults to time.Now.
func NewBatcher[M any](p Policy, now func() time.Time) (*Batcher[M], error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Batcher[M]{policy: p, now: now}, nil
}

// Policy returns the policy the batcher applies.
func (b *Batcher[M]) Policy() Policy { return b.policy }

// Begin starts a new cycle. Both clocks start at the current instant, so a
// cycle without messages ends after the quiet period or the batch timeout,
// whichever is shorter.
func (b *Batcher[M]) Begin() {
	now := b.now()
	b.items = make([]M, 0, b.capHint())
	b.start = now
	b.last = now
}

// Add appends m and resets the quiet-period clock.
func (b *Batcher[M]) Add(m M) {
	b.items = append(b.items, m)
	b.last = b.now()
}

// Len returns the number of items collected in the current cycle.
func (b *Batcher[M]) Len() int { return len(b.items) }

// Evaluate applies the policy at the current instant.
func (b *Batcher[M]) Evaluate() Reason {
	now := b.now()
	return b.policy.Evaluate(len(b.items), now.Sub(b.start), now.Sub(b.last))
}

// Deadline is the instant at which the batch timeout fires for this cycle.
func (b *Batcher[M]) Deadline() time.Time {
	return b.start.Add(b.policy.BatchTimeout)
}

// Remaining is the time left before the quiet period or the batch timeout
// ends the cycle, whichever comes first. It is never negative.
func (b *Batcher[M]) Remaining() time.Duration {
	now := b.now()
	left := b.start.Add(b.policy.BatchTimeout).Sub(now)
	if quiet := b.last.Add(b.policy.QuietPeriod).Sub(now); quiet < left {
		left = quiet
	}
	if left < 0 {
		return 0
	}
	return left
}

// Flush returns the collected batch and clears the batcher. The returned
// slice is owned by the caller.
func (b *Batcher[M]) Flush() Batch[M] {
	now := b.now()
	out := Batch[M]{
		Items:     b.items,
		Reason:    b.policy.Evaluate(len(b.items), now.Sub(b.start), now.Sub(b.last)),
		StartedAt: b.start,
		Elapsed:   now.Sub(b.start),
	}

	b.items = nil
	b.start = time.Time{}
	b.last = time.Time{}

	return out
}

// capHint keeps very large batch sizes from preallocating huge slices.
func (b *Batcher[M]) capHint() int {
	const max = 1024
	if b.policy.BatchSize > max {
		return max
	}
	return b.policy.BatchSize
}
