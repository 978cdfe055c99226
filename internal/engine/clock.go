package engine

import "sync/atomic"

// Clock hands out the seq numbers that order recorded events. Seqs are
// strictly increasing across goroutines; two events in the same millisecond
// still order by seq.
type Clock struct {
	seq atomic.Int64
}

// NewClock returns a clock whose first seq is 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt returns a clock whose first seq is last+1. An engine reopening a
// database passes the store's last seq so new events sort after old ones.
func NewClockAt(last int64) *Clock {
	c := &Clock{}
	c.seq.Store(last)
	return c
}

// Next returns a fresh seq.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last seq handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
