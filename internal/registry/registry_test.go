package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/importly/moteus-motor/internal/device"
	"github.com/importly/moteus-motor/internal/device/fake"
)

func newFakes(ids ...device.ControllerID) (map[device.ControllerID]device.Channel, map[device.ControllerID]*fake.Channel) {
	channels := make(map[device.ControllerID]device.Channel, len(ids))
	fakes := make(map[device.ControllerID]*fake.Channel, len(ids))
	for _, id := range ids {
		f := fake.New(id)
		channels[id] = f
		fakes[id] = f
	}
	return channels, fakes
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		channels map[device.ControllerID]device.Channel
		wantErr  bool
	}{
		{"empty", map[device.ControllerID]device.Channel{}, true},
		{"zero id", map[device.ControllerID]device.Channel{0: fake.New(0)}, true},
		{"negative id", map[device.ControllerID]device.Channel{-1: fake.New(-1)}, true},
		{"nil channel", map[device.ControllerID]device.Channel{1: nil}, true},
		{"valid", map[device.ControllerID]device.Channel{2: fake.New(2), 1: fake.New(1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(tt.channels)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []device.ControllerID{1, 2}, r.IDs())
			assert.Equal(t, 2, r.Len())
		})
	}
}

func TestBuild(t *testing.T) {
	r, err := Build([]device.ControllerID{3, 1}, func(id device.ControllerID) (device.Channel, error) {
		return fake.New(id), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []device.ControllerID{1, 3}, r.IDs())

	_, err = Build([]device.ControllerID{1, 1}, func(id device.ControllerID) (device.Channel, error) {
		return fake.New(id), nil
	})
	assert.Error(t, err)

	openErr := errors.New("bus not found")
	_, err = Build([]device.ControllerID{1}, func(device.ControllerID) (device.Channel, error) {
		return nil, openErr
	})
	assert.ErrorIs(t, err, openErr)
}

func TestLookup(t *testing.T) {
	channels, _ := newFakes(1, 2)
	r, err := New(channels)
	require.NoError(t, err)

	c, ok := r.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, device.ControllerID(1), c.ID())

	_, ok = r.Lookup(9)
	assert.False(t, ok)

	_, err = r.MustLookup(9)
	assert.ErrorIs(t, err, ErrUnknownController)

	ctrls := r.Controllers()
	require.Len(t, ctrls, 2)
	assert.Equal(t, device.ControllerID(2), ctrls[1].ID())
}

func TestControllerNormalizesErrors(t *testing.T) {
	channels, fakes := newFakes(1)
	r, err := New(channels)
	require.NoError(t, err)
	fakes[1].FailWith(fake.OpSetPosition, errors.New("no response"))

	c, _ := r.Lookup(1)
	_, err = c.SetPosition(context.Background(), 1, true)
	assert.ErrorIs(t, err, device.ErrUnavailable)

	var devErr *device.Error
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, device.ControllerID(1), devErr.Controller)
}

func TestControllerSerializesSameID(t *testing.T) {
	channels, fakes := newFakes(1)
	r, err := New(channels)
	require.NoError(t, err)
	fakes[1].SetDelay(time.Millisecond)

	c, _ := r.Lookup(1)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if w%2 == 0 {
					_, _ = c.SetPosition(context.Background(), float64(i), true)
				} else {
					_, _ = c.Query(context.Background())
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 0, fakes[1].Overlaps())
	assert.Len(t, fakes[1].Calls(), 80)
}

func TestControllersRunInParallel(t *testing.T) {
	channels, fakes := newFakes(1, 2)
	r, err := New(channels)
	require.NoError(t, err)
	for _, f := range fakes {
		f.SetDelay(100 * time.Millisecond)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, c := range r.Controllers() {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			_, _ = c.Query(context.Background())
		}(c)
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 190*time.Millisecond)
}

func TestAcquireHonorsContext(t *testing.T) {
	channels, fakes := newFakes(1)
	r, err := New(channels)
	require.NoError(t, err)
	fakes[1].SetDelay(200 * time.Millisecond)

	c, _ := r.Lookup(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Query(context.Background())
	}()

	// Wait until the first holder is inside the channel.
	require.Eventually(t, func() bool { return len(c.guard) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Query(ctx)
	assert.ErrorIs(t, err, device.ErrTimeout)
	<-done
}
