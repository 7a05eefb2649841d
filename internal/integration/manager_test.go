package integration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"devicehub/internal/clock"
	"devicehub/internal/device"
	"devicehub/internal/entry"
	"devicehub/internal/platform"
	_ "devicehub/internal/platform/light"
	_ "devicehub/internal/platform/sensor"
)

type fakeReauth struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeReauth) StartReauth(ctx context.Context, entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, entryID)
	return nil
}

func (f *fakeReauth) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type harness struct {
	store    *entry.Store
	clock    *clock.MockClock
	recorder *platform.Recorder
	reauth   *fakeReauth
	manager  *Manager
	client   *device.MockClient
	clients  int
	mu       sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	store := entry.NewStore(filepath.Join(t.TempDir(), "entries.yaml"), logger)
	require.NoError(t, store.Load())

	h := &harness{
		store:    store,
		clock:    clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
		recorder: platform.NewRecorder(),
		reauth:   &fakeReauth{},
		client:   device.NewMockClient(device.Info{ID: "dev-1", Name: "Hub", Manufacturer: "Acme", Model: "H1"}),
	}
	h.client.SetData(device.Data{"temperature": 21.0, "light_state": "off", "brightness": 0.0})

	h.manager = NewManager(store, Deps{
		NewClient: func(host, apiKey string) device.DeviceClient {
			h.mu.Lock()
			h.clients++
			h.mu.Unlock()
			return h.client
		},
		Writer:   h.recorder,
		Clock:    h.clock,
		Settings: Settings{RequestTimeout: time.Second},
		Logger:   logger,
	})
	h.manager.SetReauthStarter(h.reauth)
	t.Cleanup(h.manager.Shutdown)
	return h
}

func (h *harness) addEntry(t *testing.T) entry.ConfigEntry {
	t.Helper()
	e, err := h.store.Add(entry.ConfigEntry{
		Domain:   Domain,
		Title:    "Hub",
		UniqueID: "dev-1",
		Source:   entry.SourceUser,
		Data:     entry.Data{Host: "10.0.0.5", APIKey: "key"},
	})
	require.NoError(t, err)
	return e
}

func (h *harness) untilNextTimer(t *testing.T) time.Duration {
	t.Helper()
	next, ok := h.clock.NextDeadline()
	require.True(t, ok, "expected an armed timer")
	return next.Sub(h.clock.Now())
}

func TestManager_SetupLoadsEntities(t *testing.T) {
	h := newHarness(t)
	e := h.addEntry(t)

	require.NoError(t, h.manager.Setup(context.Background(), e.EntryID))

	assert.Equal(t, entry.StateLoaded, h.manager.State(e.EntryID))
	assert.True(t, h.manager.Ready())

	rt, ok := h.manager.Runtime(e.EntryID)
	require.True(t, ok)
	assert.Len(t, rt.Entities, 2)

	temp, ok := h.recorder.State(e.EntryID + "_temperature")
	require.True(t, ok)
	assert.Equal(t, "21", temp.State)
	assert.True(t, temp.Available)

	light, ok := h.recorder.State(e.EntryID + "_light")
	require.True(t, ok)
	assert.Equal(t, "off", light.State)

	_, ok = rt.Entity(e.EntryID + "_light")
	assert.True(t, ok)
}

func TestManager_SetupAllKeepsGoingOnFailure(t *testing.T) {
	h := newHarness(t)
	e := h.addEntry(t)
	h.client.SetConnectionError(device.ErrConnection)

	h.manager.SetupAll(context.Background())

	assert.Equal(t, entry.StateSetupRetry, h.manager.State(e.EntryID))
	assert.False(t, h.manager.Ready())
}

func TestManager_NotReadyRetriesWithBackoff(t *testing.T) {
	h := newHarness(t)
	e := h.addEntry(t)
	h.client.SetConnectionError(device.ErrConnection)

	err := h.manager.Setup(context.Background(), e.EntryID)
	require.ErrorIs(t, err, ErrEntryNotReady)
	assert.Equal(t, entry.StateSetupRetry, h.manager.State(e.EntryID))

	for _, want := range []time.Duration{5, 10, 20, 40, 80, 80} {
		delay := h.untilNextTimer(t)
		assert.Equal(t, want*time.Second, delay)
		h.clock.Advance(delay)
		assert.Equal(t, entry.StateSetupRetry, h.manager.State(e.EntryID))
	}

	h.client.SetConnectionError(nil)
	h.clock.Advance(h.untilNextTimer(t))

	assert.Equal(t, entry.StateLoaded, h.manager.State(e.EntryID))
	assert.Empty(t, h.reauth.started())
}

func TestManager_SetupInfoFailureIsNotReady(t *testing.T) {
	h := newHarness(t)
	e := h.addEntry(t)
	h.client.SetInfoError(device.ErrConnection)

	err := h.manager.Setup(context.Background(), e.EntryID)
	require.ErrorIs(t, err, ErrEntryNotReady)
	assert.True(t, h.client.Closed())
}

func TestManager_SetupAuthFailureStartsReauth(t *testing.T) {
	h := newHarness(t)
	e := h.addEntry(t)
	h.client.SetDataError(&device.APIError{Code: device.CodeUnauthorized, Message: "bad key"})

	err := h.manager.Setup(context.Background(), e.EntryID)
	require.ErrorIs(t, err, ErrEntryAuthFailed)
	assert.Equal(t, entry.StateSetupError, h.manager.State(e.EntryID))

	assert.Eventually(t, func() bool {
		return len(h.reauth.started()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{e.EntryID}, h.reauth.started())
	assert.Zero(t, h.clock.Pending(), "auth failures are not retried")
}

func TestManager_RefreshAuthFailureKeepsEntryLoaded(t *testing.T) {
	h := newHarness(t)
	e := h.addEntry(t)
	require.NoError(t, h.manager.Setup(context.Background(), e.EntryID))

	h.client.SetDataError(&device.APIError{Code: device.CodeUnauthorized, Message: "key rotated"})
	h.clock.Advance(30 * time.Second)

	assert.Eventually(t, func() bool {
		return len(h.reauth.started()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, entry.StateLoaded, h.manager.State(e.EntryID))

	rt, _ := h.manager.Runtime(e.EntryID)
	assert.True(t, rt.Coordinator.State().AuthFailed)

	temp, _ := h.recorder.State(e.EntryID + "_temperature")
	assert.False(t, temp.Available)

	// The credentials are replaced and the entry reloads.
	h.client.SetDataError(nil)
	updated, err := h.store.Get(e.EntryID)
	require.NoError(t, err)
	updated.Data.APIKey = "new-key"
	require.NoError(t, h.store.Update(updated))

	h.manager.ReauthCompleted(context.Background(), updated)

	reloaded, ok := h.manager.Runtime(e.EntryID)
	require.True(t, ok)
	assert.NotSame(t, rt, reloaded)
	assert.Equal(t, "new-key", reloaded.Entry.Data.APIKey)
	assert.False(t, reloaded.Coordinator.State().AuthFailed)
	assert.Equal(t, entry.StateLoaded, h.manager.State(e.EntryID))

	temp, _ = h.recorder.State(e.EntryID + "_temperature")
	assert.True(t, temp.Available)
}

func TestManager_OptionsUpdatedChangesInterval(t *testing.T) {
	h := newHarness(t)
	e := h.addEntry(t)
	require.NoError(t, h.manager.Setup(context.Background(), e.EntryID))

	e.Options.ScanInterval = 120
	h.manager.OptionsUpdated(context.Background(), e)

	rt, _ := h.manager.Runtime(e.EntryID)
	assert.Equal(t, 120*time.Second, rt.Coordinator.Interval())
	assert.Equal(t, 120, rt.Entry.Options.ScanInterval)
}

func TestManager_EntryCreatedSetsUp(t *testing.T) {
	h := newHarness(t)
	e := h.addEntry(t)

	h.manager.EntryCreated(context.Background(), e)

	assert.Equal(t, entry.StateLoaded, h.manager.State(e.EntryID))
}

func TestManager_RemoveUnloadsAndDeletes(t *testing.T) {
	h := newHarness(t)
	e := h.addEntry(t)
	require.NoError(t, h.manager.Setup(context.Background(), e.EntryID))

	require.NoError(t, h.manager.Remove(e.EntryID))

	_, err := h.store.Get(e.EntryID)
	assert.ErrorIs(t, err, entry.ErrNotFound)
	_, ok := h.manager.Runtime(e.EntryID)
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{e.EntryID + "_temperature", e.EntryID + "_light"}, h.recorder.Removed())
	assert.True(t, h.client.Closed())
	assert.Zero(t, h.clock.Pending())
	assert.True(t, h.manager.Ready(), "no stored entries left")
}

func TestManager_UnloadCancelsRetry(t *testing.T) {
	h := newHarness(t)
	e := h.addEntry(t)
	h.client.SetConnectionError(device.ErrConnection)
	require.Error(t, h.manager.Setup(context.Background(), e.EntryID))
	require.Equal(t, 1, h.clock.Pending())

	h.manager.Unload(e.EntryID)

	assert.Zero(t, h.clock.Pending())
	assert.Equal(t, entry.StateNotLoaded, h.manager.State(e.EntryID))
}

func TestManager_ShutdownRefusesSetup(t *testing.T) {
	h := newHarness(t)
	e := h.addEntry(t)
	require.NoError(t, h.manager.Setup(context.Background(), e.EntryID))

	h.manager.Shutdown()

	assert.Equal(t, entry.StateNotLoaded, h.manager.State(e.EntryID))
	assert.Error(t, h.manager.Setup(context.Background(), e.EntryID))
	assert.Zero(t, h.clock.Pending())
}

func TestSetupEntry_PlatformFailureCleansUp(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	client := device.NewMockClient(device.Info{ID: "dev-1"})
	registry := platform.NewRegistry()
	require.NoError(t, registry.Register(platform.Info{
		Name: "broken",
		Factory: func(ctx *platform.Context) ([]platform.Entity, error) {
			return nil, errors.New("boom")
		},
	}))

	_, err := SetupEntry(context.Background(), entry.ConfigEntry{EntryID: "e1", Title: "Hub"}, Deps{
		NewClient: func(host, apiKey string) device.DeviceClient { return client },
		Registry:  registry,
		Clock:     clock.NewMockClock(time.Now()),
		Logger:    logger,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.True(t, client.Closed())
}

type failingEntity struct {
	id      string
	stopped bool
}

func (f *failingEntity) UniqueID() string                        { return f.id }
func (f *failingEntity) Platform() string                        { return "sensor" }
func (f *failingEntity) Name() string                            { return "" }
func (f *failingEntity) Device() platform.DeviceInfo             { return platform.DeviceInfo{} }
func (f *failingEntity) DiscoveryConfig() map[string]interface{} { return nil }
func (f *failingEntity) State() platform.EntityState             { return platform.EntityState{} }
func (f *failingEntity) Start() error                            { return errors.New("cannot start") }
func (f *failingEntity) Stop()                                   { f.stopped = true }

func TestSetupEntry_EntityStartFailureWithdrawsEntity(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	client := device.NewMockClient(device.Info{ID: "dev-1"})
	recorder := platform.NewRecorder()
	ent := &failingEntity{id: "dev-1_temperature"}
	registry := platform.NewRegistry()
	require.NoError(t, registry.Register(platform.Info{
		Name: "sensor",
		Factory: func(ctx *platform.Context) ([]platform.Entity, error) {
			return []platform.Entity{ent}, nil
		},
	}))

	_, err := SetupEntry(context.Background(), entry.ConfigEntry{EntryID: "e1", Title: "Hub"}, Deps{
		NewClient: func(host, apiKey string) device.DeviceClient { return client },
		Writer:    recorder,
		Registry:  registry,
		Clock:     clock.NewMockClock(time.Now()),
		Logger:    logger,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "dev-1_temperature")
	assert.Equal(t, []string{"dev-1_temperature"}, recorder.Removed())
	assert.True(t, ent.stopped)
	assert.True(t, client.Closed())
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
		{10, 80 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, retryDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestClassifySetupError(t *testing.T) {
	assert.ErrorIs(t, classifySetupError(device.ErrConnection), ErrEntryNotReady)
	assert.ErrorIs(t, classifySetupError(&device.APIError{Code: device.CodeInvalidAuth}), ErrEntryAuthFailed)
	assert.ErrorIs(t, classifySetupError(context.DeadlineExceeded), ErrEntryNotReady)
}
