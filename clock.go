package waitdie

import (
	"sync/atomic"
)

// Clock issues transaction timestamps for use with WaitDieLock.
//
// Timestamps are strictly increasing across all goroutines, so a
// transaction started later is always younger. A transaction that dies
// and wants to keep its priority should retry with its original
// timestamp rather than draw a new one.
//
// It is zero-value usable; the first timestamp is 1.
type Clock struct {
	_    noCopy
	last atomic.Uint64
}

// NewClock creates a Clock whose first timestamp is base+1.
func NewClock(base uint64) *Clock {
	c := &Clock{}
	c.last.Store(base)
	return c
}

// Next returns a timestamp younger than every timestamp returned before.
func (c *Clock) Next() uint64 {
	return c.last.Add(1)
}

// Now returns the most recently issued timestamp, or the base if none was.
func (c *Clock) Now() uint64 {
	return c.last.Load()
}
