// Package sim provides a simulated actuator used as the bundled transport.
//
// The model is a first-order position servo: the output slews toward the
// commanded target at a bounded velocity, torque follows the tracking error and
// temperature relaxes toward ambient plus an effort term. It also models the
// controller watchdog: once commanded, a gap between commands longer than the
// watchdog timeout latches a fault that only Stop clears.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/importly/moteus-motor/internal/device"
	"github.com/importly/moteus-motor/internal/logging"
)

const (
	busVoltage   = 24.0
	ambientTemp  = 30.0
	torqueGain   = 4.0
	heatPerNm    = 2.5
	thermalTau   = 5 * time.Second
	maxStepDelta = time.Second
)

// Options configures a simulated controller.
type Options struct {
	// MaxVelocity bounds the slew rate in position units per second.
	MaxVelocity float64
	// WatchdogTimeout is the maximum gap between commands. Zero disables it.
	WatchdogTimeout time.Duration
	// Latency is added to every operation.
	Latency time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// DefaultOptions returns the options used by the sim transport.
func DefaultOptions() Options {
	return Options{
		MaxVelocity:     2.0,
		WatchdogTimeout: 100 * time.Millisecond,
	}
}

// Controller is one simulated actuator.
type Controller struct {
	id     device.ControllerID
	opts   Options
	now    func() time.Time
	logger pslog.Logger

	mu          sync.Mutex
	position    float64
	velocity    float64
	torque      float64
	temperature float64
	target      float64
	commanded   bool
	faulted     bool
	lastCommand time.Time
	lastUpdate  time.Time
}

var _ device.Channel = (*Controller)(nil)

// New creates a simulated controller at rest at position zero.
func New(id device.ControllerID, opts Options, logger pslog.Logger) *Controller {
	if opts.MaxVelocity <= 0 {
		opts.MaxVelocity = DefaultOptions().MaxVelocity
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		id:          id,
		opts:        opts,
		now:         now,
		logger:      logging.WithSubsystem(logger, "bridge.device.sim").With("controller", int(id)),
		temperature: ambientTemp,
	}
	c.lastUpdate = now()
	return c
}

// Stop clears any latched fault and holds the current position.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.advance(c.now())
	if c.faulted {
		c.logger.Info("sim.fault.cleared")
	}
	c.faulted = false
	c.commanded = false
	c.target = c.position
	c.velocity = 0
	c.torque = 0
	return nil
}

// SetPosition commands a new target. It fails with a fault once the watchdog
// has expired.
func (c *Controller) SetPosition(ctx context.Context, target float64, query bool) (*device.Telemetry, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.advance(now)
	if c.faulted {
		return nil, fmt.Errorf("%w: watchdog expired", device.ErrFault)
	}

	c.target = target
	c.commanded = true
	c.lastCommand = now

	if !query {
		return nil, nil
	}
	return c.snapshot(), nil
}

// Query reads telemetry. It does not count as a command for the watchdog.
func (c *Controller) Query(ctx context.Context) (*device.Telemetry, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.advance(c.now())
	return c.snapshot(), nil
}

// Faulted reports whether the watchdog fault is latched.
func (c *Controller) Faulted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance(c.now())
	return c.faulted
}

func (c *Controller) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.opts.Latency <= 0 {
		return nil
	}
	timer := time.NewTimer(c.opts.Latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// advance integrates the model up to now. Caller holds c.mu.
func (c *Controller) advance(now time.Time) {
	if c.commanded && !c.faulted && c.opts.WatchdogTimeout > 0 {
		if expiry := c.lastCommand.Add(c.opts.WatchdogTimeout); now.After(expiry) {
			c.integrate(expiry)
			c.faulted = true
			c.velocity = 0
			c.torque = 0
			c.logger.Warn("sim.watchdog.expired", "gap", now.Sub(c.lastCommand).String())
		}
	}
	c.integrate(now)
}

func (c *Controller) integrate(now time.Time) {
	dt := now.Sub(c.lastUpdate)
	if dt <= 0 {
		return
	}
	c.lastUpdate = now
	if dt > maxStepDelta {
		dt = maxStepDelta
	}
	secs := dt.Seconds()

	if c.commanded && !c.faulted {
		errPos := c.target - c.position
		step := c.opts.MaxVelocity * secs
		move := math.Max(-step, math.Min(step, errPos))
		c.position += move
		c.velocity = move / secs
		c.torque = torqueGain * (c.target - c.position)
	}

	equilibrium := ambientTemp + heatPerNm*math.Abs(c.torque)
	alpha := 1 - math.Exp(-secs/thermalTau.Seconds())
	c.temperature += (equilibrium - c.temperature) * alpha
}

func (c *Controller) snapshot() *device.Telemetry {
	return &device.Telemetry{
		Position:    c.position,
		Velocity:    c.velocity,
		Torque:      c.torque,
		Voltage:     busVoltage,
		Temperature: c.temperature,
	}
}
