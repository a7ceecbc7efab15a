// Package fake provides an instrumented device.Channel for tests.
//
// The fake records every operation, can inject errors and latency, and counts
// operations that were observed in flight at the same time. A correctly
// serialized caller never produces an overlap.
package fake

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/importly/moteus-motor/internal/device"
)

// Op names recorded in the call log.
const (
	OpStop        = "stop"
	OpSetPosition = "setPosition"
	OpQuery       = "query"
)

// Call is one recorded operation.
type Call struct {
	Op     string
	Target float64
	Query  bool
	At     time.Time
}

// Channel implements device.Channel for testing purposes.
type Channel struct {
	id device.ControllerID

	mu        sync.Mutex
	telemetry device.Telemetry
	track     bool
	calls     []Call
	errs      map[string]error
	delay     time.Duration

	inFlight atomic.Int32
	overlaps atomic.Int32
}

var _ device.Channel = (*Channel)(nil)

// New creates a fake channel for the given controller id. By default the
// reported position follows the last commanded target.
func New(id device.ControllerID) *Channel {
	return &Channel{
		id:    id,
		track: true,
		telemetry: device.Telemetry{
			Voltage:     24,
			Temperature: 30,
		},
		errs: make(map[string]error),
	}
}

// ID returns the controller id the fake was created for.
func (c *Channel) ID() device.ControllerID {
	return c.id
}

// Stop records a stop operation.
func (c *Channel) Stop(ctx context.Context) error {
	_, err := c.do(ctx, Call{Op: OpStop})
	return err
}

// SetPosition records a setpoint and returns telemetry when query is set.
func (c *Channel) SetPosition(ctx context.Context, target float64, query bool) (*device.Telemetry, error) {
	tel, err := c.do(ctx, Call{Op: OpSetPosition, Target: target, Query: query})
	if err != nil || !query {
		return nil, err
	}
	return tel, nil
}

// Query returns the configured telemetry.
func (c *Channel) Query(ctx context.Context) (*device.Telemetry, error) {
	return c.do(ctx, Call{Op: OpQuery, Query: true})
}

func (c *Channel) do(ctx context.Context, call Call) (*device.Telemetry, error) {
	if c.inFlight.Add(1) > 1 {
		c.overlaps.Add(1)
	}
	defer c.inFlight.Add(-1)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	c.mu.Lock()
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	call.At = time.Now()
	c.calls = append(c.calls, call)

	if err := c.errs[call.Op]; err != nil {
		return nil, err
	}
	if call.Op == OpSetPosition && c.track {
		c.telemetry.Position = call.Target
	}
	tel := c.telemetry
	return &tel, nil
}

// Helper methods for testing

// SetTelemetry fixes the telemetry returned by every operation and stops the
// position from following commanded targets.
func (c *Channel) SetTelemetry(tel device.Telemetry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.telemetry = tel
	c.track = false
}

// FailWith makes every subsequent call of op return err. A nil err clears it.
func (c *Channel) FailWith(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.errs, op)
		return
	}
	c.errs[op] = err
}

// SetDelay makes every operation block for d before completing.
func (c *Channel) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// Calls returns a copy of the call log.
func (c *Channel) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallsOf returns the recorded calls of a single op.
func (c *Channel) CallsOf(op string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// LastTarget returns the target of the most recent SetPosition call.
func (c *Channel) LastTarget() (float64, bool) {
	calls := c.CallsOf(OpSetPosition)
	if len(calls) == 0 {
		return 0, false
	}
	return calls[len(calls)-1].Target, true
}

// Reset clears the call log.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// Overlaps reports how many operations started while another was in flight.
func (c *Channel) Overlaps() int {
	return int(c.overlaps.Load())
}
