package testutil

import "sync"

// UIDClock hands out instruction uids the way the simulator does: strictly
// increasing, starting after a configurable base.
//
// Unlike a real simulator, UIDClock can be reset so one scripted program can
// be replayed with identical uids.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type UIDClock struct {
	mu   sync.Mutex
	base uint64
	uid  uint64
}

// NewUIDClock creates a clock whose first Next() returns base+1.
func NewUIDClock(base uint64) *UIDClock {
	return &UIDClock{base: base, uid: base}
}

// Next increments and returns the next uid.
func (c *UIDClock) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uid++
	return c.uid
}

// Current returns the last uid handed out without incrementing.
func (c *UIDClock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// Reset rewinds the clock to its base.
func (c *UIDClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uid = c.base
}
