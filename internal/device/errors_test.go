package device

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"sentinel fault", ErrFault, ErrFault},
		{"wrapped fault", fmt.Errorf("%w: watchdog expired", ErrFault), ErrFault},
		{"watchdog token", errors.New("controller reported watchdog latch"), ErrFault},
		{"overtemp token", errors.New("Overtemp shutdown"), ErrFault},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"wrapped deadline", fmt.Errorf("write frame: %w", context.DeadlineExceeded), ErrTimeout},
		{"timeout token", errors.New("read timed out"), ErrTimeout},
		{"canceled", context.Canceled, ErrUnavailable},
		{"no response", errors.New("no response from id 3"), ErrUnavailable},
		{"disconnected", errors.New("fdcanusb disconnected"), ErrUnavailable},
		{"unknown", errors.New("checksum mismatch"), ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(7, tt.err)
			require.Error(t, got)
			assert.ErrorIs(t, got, tt.want)

			var devErr *Error
			require.ErrorAs(t, got, &devErr)
			assert.Equal(t, ControllerID(7), devErr.Controller)
			assert.Equal(t, tt.err, devErr.Original)
		})
	}
}

func TestNormalizeNil(t *testing.T) {
	assert.NoError(t, Normalize(1, nil))
}

func TestNormalizeKeepsExistingError(t *testing.T) {
	first := Normalize(1, ErrFault)
	second := Normalize(2, fmt.Errorf("retry: %w", first))

	var devErr *Error
	require.ErrorAs(t, second, &devErr)
	assert.Equal(t, ControllerID(1), devErr.Controller)
	assert.ErrorIs(t, second, ErrFault)
}

func TestNormalizeUnknownTransportFallsBack(t *testing.T) {
	err := NormalizeWithTransport(1, errors.New("bus OFFLINE"), "can-fd")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "controller 3: FAULT", Normalize(3, ErrFault).Error())
	assert.Equal(t, "controller 3: INTERNAL (transport: crc error)", Normalize(3, errors.New("crc error")).Error())
}

func TestCode(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, "FAULT", Code(Normalize(1, ErrFault)))
	assert.Equal(t, "TIMEOUT", Code(Normalize(1, context.DeadlineExceeded)))
	assert.Equal(t, "UNAVAILABLE", Code(ErrUnavailable))
	assert.Equal(t, "INTERNAL", Code(errors.New("boom")))
}
