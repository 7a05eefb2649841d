package platform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"devicehub/internal/clock"
	"devicehub/internal/coordinator"
	"devicehub/internal/device"
)

func TestCoordinatorEntity(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	mockClock := clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	client := device.NewMockClient(device.Info{ID: "dev-1"})
	client.SetData(device.Data{"value": "a"})

	c := coordinator.New(coordinator.FetchWith(client.GetAllData), client.GetDeviceInfo, logger,
		coordinator.Options{Name: "test", Clock: mockClock})
	defer c.Shutdown()

	recorder := NewRecorder()
	e := &stubEntity{id: "stub_1"}
	e.Attach(e, c, recorder, logger, func(st coordinator.State) EntityState {
		v, _ := st.Data["value"].(string)
		return EntityState{State: v}
	})

	require.NoError(t, e.Start())
	st, ok := recorder.State("stub_1")
	require.True(t, ok)
	assert.False(t, st.Available, "no data before initialize")

	require.NoError(t, c.Initialize(context.Background()))
	st, _ = recorder.State("stub_1")
	assert.Equal(t, EntityState{State: "a", Available: true}, st)
	assert.Equal(t, st, e.State())

	client.SetDataError(device.ErrConnection)
	mockClock.Advance(coordinator.DefaultInterval)
	st, _ = recorder.State("stub_1")
	assert.False(t, st.Available)
	assert.Equal(t, "a", st.State, "last known value is kept while unavailable")

	e.Stop()
	writes := recorder.Writes("stub_1")
	client.SetDataError(nil)
	client.SetData(device.Data{"value": "b"})
	mockClock.Advance(coordinator.DefaultInterval)
	assert.Equal(t, writes, recorder.Writes("stub_1"))
}

func TestCoordinatorEntity_InitialRenderDoesNotOverwriteNotification(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	mockClock := clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	client := device.NewMockClient(device.Info{ID: "dev-1"})
	c := coordinator.New(coordinator.FetchWith(client.GetAllData), client.GetDeviceInfo, logger,
		coordinator.Options{Name: "test", Clock: mockClock})
	defer c.Shutdown()

	recorder := NewRecorder()
	e := &stubEntity{id: "stub_1"}
	e.Attach(e, c, recorder, logger, func(st coordinator.State) EntityState {
		v, _ := st.Data["value"].(string)
		return EntityState{State: v}
	})

	stale := coordinator.State{Data: device.Data{"value": "old"}, LastUpdateSuccess: true}
	fresh := coordinator.State{Data: device.Data{"value": "new"}, LastUpdateSuccess: true}

	// A notification lands between Subscribe and the initial render.
	e.handleUpdate(fresh)
	e.apply(stale, true)

	st, ok := recorder.State("stub_1")
	require.True(t, ok)
	assert.Equal(t, "new", st.State)
	assert.Equal(t, "new", e.State().State)
	assert.Equal(t, 1, recorder.Writes("stub_1"))
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("devicehub", device.Info{
		ID: "abc", Name: "Hub", Manufacturer: "Acme", Model: "H1", SWVersion: "2.0", SerialNumber: "SN",
	})
	assert.Equal(t, DeviceInfo{
		Identifiers:  []string{"devicehub_abc"},
		Name:         "Hub",
		Manufacturer: "Acme",
		Model:        "H1",
		SWVersion:    "2.0",
	}, info)
}
