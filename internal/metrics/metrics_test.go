package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/importly/moteus-motor/internal/device"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTick(time.Millisecond)
		m.DeviceOperation(SourceLoop, "setPosition", nil)
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.ConnectionRejected()
		m.Frame("ok")
		m.SetpointAccepted()
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveTick(2 * time.Millisecond)
	m.ObserveTick(3 * time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.loopTicks))

	m.DeviceOperation(SourceLoop, "setPosition", nil)
	m.DeviceOperation(SourceLoop, "setPosition", device.Normalize(1, device.ErrFault))
	m.DeviceOperation(SourceClient, "query", errors.New("timed out"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deviceOps.WithLabelValues(SourceLoop, "setPosition", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deviceOps.WithLabelValues(SourceLoop, "setPosition", "FAULT")))
	// Un-normalized errors fall into INTERNAL.
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deviceOps.WithLabelValues(SourceClient, "query", "INTERNAL")))

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ConnectionRejected()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsTotal.WithLabelValues("rejected")))

	m.Frame("decode_error")
	m.SetpointAccepted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.frames.WithLabelValues("decode_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.setpointsAccepted))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SetpointAccepted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "mcb_setpoints_accepted_total 1"))
}
