// Package device defines the Channel interface every actuator transport implements.
package device

import (
	"context"
)

// ControllerID identifies one physical controller on the bus.
type ControllerID int

// Telemetry is the set of values a controller reports after a command or query.
type Telemetry struct {
	Position    float64 `json:"position"`
	Velocity    float64 `json:"velocity"`
	Torque      float64 `json:"torque"`
	Voltage     float64 `json:"voltage"`
	Temperature float64 `json:"temperature"`
}

// Channel is the southbound contract for a single controller.
//
// A Channel tolerates one outstanding operation at a time. Callers that share a
// Channel must serialize access themselves (see registry.Controller).
type Channel interface {
	// Stop clears any latched fault and leaves the controller idle.
	Stop(ctx context.Context) error

	// SetPosition commands a new target position. When query is true the
	// controller's telemetry after the command is returned, otherwise the
	// returned Telemetry is nil.
	SetPosition(ctx context.Context, target float64, query bool) (*Telemetry, error)

	// Query reads telemetry without changing the commanded target.
	Query(ctx context.Context) (*Telemetry, error)
}
