// Package clock provides time in the trading timezone and classifies
// session windows. The system timezone is never consulted.
package clock

import (
	"sync"
	"time"
)

// Real is a wall clock pinned to a location.
type Real struct {
	loc *time.Location
}

// NewReal creates a clock for the given IANA timezone.
func NewReal(timezone string) (*Real, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &Real{loc: loc}, nil
}

// Now returns the current time in the trading timezone.
func (c *Real) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location returns the trading timezone.
func (c *Real) Location() *time.Location {
	return c.loc
}

// Fake is a settable clock for tests.
type Fake struct {
	mu sync.Mutex
	t  time.Time
}

// NewFake creates a fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{t: t}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the fake clock to t.
func (c *Fake) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// Advance moves the fake clock forward by d.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
