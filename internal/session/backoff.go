package session

import "time"

// Backoff is the restart delay policy: start at Initial, double on every
// failed restart, never exceed Max. There is no jitter; one process owns one
// session so there is no herd to spread out.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Floor is the delay used after a clean restart.
func (b Backoff) Floor() time.Duration {
	return b.Initial
}

// Next returns the delay that follows d after another failure.
func (b Backoff) Next(d time.Duration) time.Duration {
	if d < b.Initial {
		d = b.Initial
	}
	next := d * 2
	if next > b.Max || next < d { // second check catches overflow
		return b.Max
	}
	return next
}

// After returns the delay after n consecutive failures starting from the
// floor: min(Initial * 2^n, Max).
func (b Backoff) After(n int) time.Duration {
	d := b.Floor()
	for i := 0; i < n; i++ {
		d = b.Next(d)
	}
	return d
}
