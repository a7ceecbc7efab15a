//
//
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/importly/moteus-motor/internal/device"
)

// ErrUnknownController is returned for ids outside the registry.
var ErrUnknownController = errors.New("unknown controller")

// Controller wraps a device.Channel with exclusive access. Every operation
// holds the controller's guard for its full duration, so operations against one
// id never overlap while different ids proceed independently.
type Controller struct {
	id      device.ControllerID
	channel device.Channel
	guard   chan struct{}
}

func newController(id device.ControllerID, ch device.Channel) *Controller {
	return &Controller{
		id:      id,
		channel: ch,
		guard:   make(chan struct{}, 1),
	}
}

// ID returns the controller id.
func (c *Controller) ID() device.ControllerID {
	return c.id
}

func (c *Controller) acquire(ctx context.Context) error {
	select {
	case c.guard <- struct{}{}:
		return nil
	case <-ctx.Done():
		return device.Normalize(c.id, fmt.Errorf("waiting for controller access: %w", ctx.Err()))
	}
}

func (c *Controller) release() {
	<-c.guard
}

// Stop clears the controller's fault state.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	return device.Normalize(c.id, c.channel.Stop(ctx))
}

// SetPosition commands target and returns telemetry when query is set.
func (c *Controller) SetPosition(ctx context.Context, target float64, query bool) (*device.Telemetry, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()
	tel, err := c.channel.SetPosition(ctx, target, query)
	if err != nil {
		return nil, device.Normalize(c.id, err)
	}
	return tel, nil
}

// Query reads telemetry without changing the setpoint.
func (c *Controller) Query(ctx context.Context) (*device.Telemetry, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()
	tel, err := c.channel.Query(ctx)
	if err != nil {
		return nil, device.Normalize(c.id, err)
	}
	if tel == nil {
		return nil, device.Normalize(c.id, fmt.Errorf("%w: empty telemetry", device.ErrInternal))
	}
	return tel, nil
}

// Registry maps controller ids to guarded channels. It is immutable after
// construction and needs no locking.
type Registry struct {
	controllers map[device.ControllerID]*Controller
	ids         []device.ControllerID
}

// New builds a registry from channels keyed by id.
func New(channels map[device.ControllerID]device.Channel) (*Registry, error) {
	if len(channels) == 0 {
		return nil, errors.New("registry requires at least one controller")
	}

	r := &Registry{
		controllers: make(map[device.ControllerID]*Controller, len(channels)),
		ids:         make([]device.ControllerID, 0, len(channels)),
	}
	for id, ch := range channels {
		if id <= 0 {
			return nil, fmt.Errorf("invalid controller id %d: must be positive", id)
		}
		if ch == nil {
			return nil, fmt.Errorf("controller %d: nil channel", id)
		}
		r.controllers[id] = newController(id, ch)
		r.ids = append(r.ids, id)
	}
	sort.Slice(r.ids, func(i, j int) bool { return r.ids[i] < r.ids[j] })
	return r, nil
}

// Build opens a channel for every id and builds the registry.
func Build(ids []device.ControllerID, open func(device.ControllerID) (device.Channel, error)) (*Registry, error) {
	channels := make(map[device.ControllerID]device.Channel, len(ids))
	for _, id := range ids {
		if _, dup := channels[id]; dup {
			return nil, fmt.Errorf("duplicate controller id %d", id)
		}
		ch, err := open(id)
		if err != nil {
			return nil, fmt.Errorf("failed to open controller %d: %w", id, err)
		}
		channels[id] = ch
	}
	return New(channels)
}

// Lookup returns the controller for id.
func (r *Registry) Lookup(id device.ControllerID) (*Controller, bool) {
	c, ok := r.controllers[id]
	return c, ok
}

// MustLookup returns the controller for id or ErrUnknownController.
func (r *Registry) MustLookup(id device.ControllerID) (*Controller, error) {
	c, ok := r.controllers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownController, id)
	}
	return c, nil
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []device.ControllerID {
	out := make([]device.ControllerID, len(r.ids))
	copy(out, r.ids)
	return out
}

// Controllers returns every controller ordered by id.
func (r *Registry) Controllers() []*Controller {
	out := make([]*Controller, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.controllers[id])
	}
	return out
}

// Len returns the number of registered controllers.
func (r *Registry) Len() int {
	return len(r.ids)
}
