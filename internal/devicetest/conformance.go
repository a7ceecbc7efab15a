// Package devicetest provides a transport-agnostic conformance suite for
// device.Channel implementations.
package devicetest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/importly/moteus-motor/internal/device"
)

// Expectations tunes the suite to a transport.
type Expectations struct {
	// Settle is how long the channel needs after SetPosition before Query
	// reports a position within Tolerance of the target. Zero means immediate.
	Settle    time.Duration
	Tolerance float64

	// Advance moves the channel's clock forward; nil means wall-clock sleep.
	Advance func(d time.Duration)
}

// RunConformance runs the complete suite. newChannel must return a fresh,
// already-stopped channel on every call.
func RunConformance(t *testing.T, newChannel func() device.Channel, exp Expectations) {
	t.Helper()

	if exp.Tolerance == 0 {
		exp.Tolerance = 1e-9
	}
	advance := exp.Advance
	if advance == nil {
		advance = time.Sleep
	}

	t.Run("Stop_Idempotent", func(t *testing.T) {
		ch := newChannel()
		ctx := context.Background()
		require.NoError(t, ch.Stop(ctx))
		require.NoError(t, ch.Stop(ctx))
	})

	t.Run("Query_ReportsFiniteTelemetry", func(t *testing.T) {
		ch := newChannel()
		tel, err := ch.Query(context.Background())
		require.NoError(t, err)
		require.NotNil(t, tel)
		for name, v := range fields(tel) {
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "%s is not finite: %v", name, v)
		}
	})

	t.Run("SetPosition_WithQuery", func(t *testing.T) {
		ch := newChannel()
		tel, err := ch.SetPosition(context.Background(), 0.25, true)
		require.NoError(t, err)
		require.NotNil(t, tel)
	})

	t.Run("SetPosition_WithoutQuery", func(t *testing.T) {
		ch := newChannel()
		tel, err := ch.SetPosition(context.Background(), 0.25, false)
		require.NoError(t, err)
		assert.Nil(t, tel)
	})

	t.Run("SetPosition_ConvergesToTarget", func(t *testing.T) {
		ch := newChannel()
		ctx := context.Background()
		const target = 0.5

		_, err := ch.SetPosition(ctx, target, false)
		require.NoError(t, err)

		// Keep commanding while settling so watchdog-aware transports stay armed.
		deadline := exp.Settle
		step := 5 * time.Millisecond
		for elapsed := time.Duration(0); elapsed < deadline; elapsed += step {
			advance(step)
			_, err = ch.SetPosition(ctx, target, false)
			require.NoError(t, err)
		}

		tel, err := ch.Query(ctx)
		require.NoError(t, err)
		assert.InDelta(t, target, tel.Position, exp.Tolerance)
	})

	t.Run("Query_DoesNotChangeTarget", func(t *testing.T) {
		ch := newChannel()
		ctx := context.Background()

		before, err := ch.Query(ctx)
		require.NoError(t, err)
		after, err := ch.Query(ctx)
		require.NoError(t, err)
		assert.InDelta(t, before.Position, after.Position, exp.Tolerance)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		ch := newChannel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := ch.Query(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(device.Normalize(1, err), device.ErrUnavailable) ||
			errors.Is(device.Normalize(1, err), device.ErrTimeout),
			"cancelled op should normalize to UNAVAILABLE or TIMEOUT, got %v", err)
	})
}

func fields(tel *device.Telemetry) map[string]float64 {
	return map[string]float64{
		"position":    tel.Position,
		"velocity":    tel.Velocity,
		"torque":      tel.Torque,
		"voltage":     tel.Voltage,
		"temperature": tel.Temperature,
	}
}
