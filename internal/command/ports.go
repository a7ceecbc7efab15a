// Package command defines ports (interfaces) for applying client batches.
package command

import (
	"context"

	"github.com/importly/moteus-motor/internal/device"
	"github.com/importly/moteus-motor/internal/protocol"
)

// Handler applies one decoded request batch and returns the response batch.
// The connection server depends on this port only.
type Handler interface {
	Apply(ctx context.Context, remote string, batch protocol.RequestBatch) protocol.ResponseBatch
}

// AuditLogger records client-visible actions.
type AuditLogger interface {
	LogSetpoint(ctx context.Context, remote string, id device.ControllerID, position float64)
	LogDeviceError(ctx context.Context, remote string, id device.ControllerID, action string, err error)
}
