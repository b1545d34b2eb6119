// Package alarm implements the timed alarm state machine.
//
// An excursion above the threshold arms the alarm for a fixed window. While
// armed, magnitude is ignored: further excursions do not extend the window and
// quiet samples do not shorten it. Only elapsed time returns the alarm to idle.
package alarm

import "codeberg.org/mutker/shockwatch/internal/clock"

// State is the controller's alarm state.
type State uint8

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one controller evaluation.
type Decision struct {
	// Output is the level the alarm output should be driven to.
	Output bool
	From   State
	To     State
}

// Armed reports whether this evaluation moved the controller from Idle to Active.
func (d Decision) Armed() bool {
	return d.From == Idle && d.To == Active
}

// Disarmed reports whether this evaluation moved the controller from Active to Idle.
func (d Decision) Disarmed() bool {
	return d.From == Active && d.To == Idle
}

// Controller decides each cycle whether the alarm is armed, held or released.
// It is not safe for concurrent use; the sampling loop owns it.
type Controller struct {
	threshold   float32
	duration    clock.Tick
	state       State
	activatedAt clock.Tick
}

// NewController returns an idle controller that arms when magnitude exceeds
// threshold and holds the alarm for duration ticks.
func NewController(threshold float32, duration clock.Tick) *Controller {
	return &Controller{
		threshold: threshold,
		duration:  duration,
	}
}

// Update evaluates one cycle with the current magnitude and tick.
func (c *Controller) Update(magnitude float32, now clock.Tick) Decision {
	from := c.state

	switch c.state {
	case Idle:
		if magnitude > c.threshold {
			c.state = Active
			c.activatedAt = now
		}
	case Active:
		c.expire(now)
	}

	return c.decision(from)
}

// Expire evaluates one cycle without a sample. The window can still run
// out, but nothing can arm.
func (c *Controller) Expire(now clock.Tick) Decision {
	from := c.state
	c.expire(now)

	return c.decision(from)
}

// Reset forces the controller back to Idle.
func (c *Controller) Reset() {
	c.state = Idle
	c.activatedAt = 0
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// ActivatedAt returns the tick the current window opened at. ok is false
// while idle.
func (c *Controller) ActivatedAt() (tick clock.Tick, ok bool) {
	if c.state != Active {
		return 0, false
	}

	return c.activatedAt, true
}

// Threshold returns the arming threshold in g.
func (c *Controller) Threshold() float32 {
	return c.threshold
}

// Duration returns the length of the activation window in ticks.
func (c *Controller) Duration() clock.Tick {
	return c.duration
}

// expire releases the alarm once the window has elapsed.
func (c *Controller) expire(now clock.Tick) {
	if c.state == Active && now.Sub(c.activatedAt) >= c.duration {
		c.state = Idle
		c.activatedAt = 0
	}
}

func (c *Controller) decision(from State) Decision {
	return Decision{
		Output: c.state == Active,
		From:   from,
		To:     c.state,
	}
}
