package attempt

import (
	"sync"
	"time"
)

// Clock drives an attempt's countdown from its anchor. It ticks once per
// second while time remains, invokes onTick with the derived remaining
// duration, and fires onExpire exactly once when the deadline is reached.
// If the anchor is already expired when Start is called (the attempt was
// reopened past its deadline), onExpire fires immediately and no ticker
// starts.
type Clock struct {
	anchor   Anchor
	interval time.Duration
	now      func() time.Time

	onTick   func(remaining time.Duration)
	onExpire func()

	stopOnce   sync.Once
	expireOnce sync.Once
	stop       chan struct{}
}

// NewClock creates a stopped clock. onTick may be nil; onExpire must not be.
func NewClock(anchor Anchor, onTick func(time.Duration), onExpire func()) *Clock {
	return &Clock{
		anchor:   anchor,
		interval: time.Second,
		now:      time.Now,
		onTick:   onTick,
		onExpire: onExpire,
		stop:     make(chan struct{}),
	}
}

// Anchor returns the clock's anchor.
func (c *Clock) Anchor() Anchor {
	return c.anchor
}

// Remaining returns the time left right now, derived from the anchor.
func (c *Clock) Remaining() time.Duration {
	return c.anchor.Remaining(c.now())
}

// Start begins ticking. Safe to call once; the expiry callback is
// guaranteed to run at most once across all paths.
func (c *Clock) Start() {
	if c.anchor.Expired(c.now()) {
		c.expire()
		return
	}
	go c.run()
}

func (c *Clock) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			remaining := c.anchor.Remaining(c.now())
			if c.onTick != nil {
				c.onTick(remaining)
			}
			if remaining == 0 {
				c.expire()
				return
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Clock) expire() {
	c.expireOnce.Do(c.onExpire)
}

// Stop cancels the ticker without firing expiry. The persisted anchor is
// untouched; the attempt remains resumable.
func (c *Clock) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
