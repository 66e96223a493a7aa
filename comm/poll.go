package comm

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// DefaultPollInterval is the time between two reads of a polled register
// when none is given to NewPoller
const DefaultPollInterval = 100 * time.Microsecond

// Clock is a source of time that can also wait.  It satisfies backoff.Clock.
type Clock interface {
	Now() time.Time
	Sleep(time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock is the wall clock
var SystemClock Clock = systemClock{}

// StepClock is a virtual clock.  Sleep advances it instantly, so code that
// waits hundreds of milliseconds on real hardware runs without delay against
// a simulated board.
type StepClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

// NewStepClock returns a virtual clock starting at t
func NewStepClock(t time.Time) *StepClock {
	return &StepClock{now: t}
}

// Now returns the virtual time
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the virtual time by d
func (c *StepClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
		c.slept += d
	}
}

// Slept returns the total time spent sleeping on this clock
func (c *StepClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

// Poller waits on hardware.  The zero value is not usable, create one
// with NewPoller.
type Poller struct {
	clock    Clock
	interval time.Duration
}

// NewPoller creates a poller reading the hardware every interval.
// interval <= 0 selects DefaultPollInterval.
func NewPoller(clock Clock, interval time.Duration) *Poller {
	if clock == nil {
		clock = SystemClock
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{clock: clock, interval: interval}
}

// Clock returns the clock used by the poller
func (p *Poller) Clock() Clock {
	return p.clock
}

// Sleep waits d on the poller's clock.  Used for the settle times some
// devices require between transfers.
func (p *Poller) Sleep(d time.Duration) {
	p.clock.Sleep(d)
}

// Deadline is a timeout that is measured once, from its creation.  It is
// used by handshakes that take several command/poll rounds but share a
// single budget.
type Deadline struct {
	clock Clock
	b     *backoff.ExponentialBackOff
}

// Deadline starts a new deadline of length timeout
func (p *Poller) Deadline(timeout time.Duration) *Deadline {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.interval,
		RandomizationFactor: 0,
		Multiplier:          1,
		MaxInterval:         p.interval,
		MaxElapsedTime:      timeout,
		Clock:               p.clock,
	}
	b.Reset()
	return &Deadline{clock: p.clock, b: b}
}

// Wait sleeps one poll interval.  It returns false without sleeping when the
// deadline has expired.
func (d *Deadline) Wait() bool {
	// backoff treats a zero MaxElapsedTime as "never stop"
	if d.b.MaxElapsedTime <= 0 {
		return false
	}
	next := d.b.NextBackOff()
	if next == backoff.Stop {
		return false
	}
	d.clock.Sleep(next)
	return true
}

// Expired reports whether the deadline has passed
func (d *Deadline) Expired() bool {
	return d.b.MaxElapsedTime <= 0 || d.b.GetElapsedTime() > d.b.MaxElapsedTime
}

// Until calls cond until it returns true or timeout elapses, in which case
// ErrTimeout is returned.  cond is always evaluated at least once.
func (p *Poller) Until(timeout time.Duration, cond func() bool) error {
	d := p.Deadline(timeout)
	for !cond() {
		if !d.Wait() {
			return ErrTimeout
		}
	}
	return nil
}

// PollBit reads the register at off until bit equals expected or timeout
// elapses.  The wait is not a hard real-time bound: a timeout means the
// hardware did not finish in time, nothing more.
func (p *Poller) PollBit(w Window, off uintptr, bit uint, expected bool, timeout time.Duration) error {
	return p.Until(timeout, func() bool {
		return (w.Read32(off)>>bit)&1 == 1 == expected
	})
}

// PollMask reads the register at off until all bits of mask are set or
// timeout elapses
func (p *Poller) PollMask(w Window, off uintptr, mask uint32, timeout time.Duration) error {
	return p.Until(timeout, func() bool {
		return w.Read32(off)&mask == mask
	})
}
