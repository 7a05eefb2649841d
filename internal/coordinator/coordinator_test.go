package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"devicehub/internal/clock"
	"devicehub/internal/device"
)

var testInfo = device.Info{ID: "dev-1", Name: "Test Device", Manufacturer: "Acme", Model: "T1", SWVersion: "1.0"}

type harness struct {
	client      *device.MockClient
	clock       *clock.MockClock
	coordinator *Coordinator
	metrics     *Metrics

	mu            sync.Mutex
	notifications []State
	authSignals   []error
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	h := &harness{
		client:  device.NewMockClient(testInfo),
		clock:   clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
		metrics: NewMetrics(),
	}
	opts := Options{
		Name:    "test",
		Clock:   h.clock,
		Metrics: h.metrics,
		OnAuthFailure: func(err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.authSignals = append(h.authSignals, err)
		},
	}
	if mutate != nil {
		mutate(&opts)
	}

	h.coordinator = New(FetchWith(h.client.GetAllData), h.client.GetDeviceInfo, logger, opts)
	h.coordinator.Subscribe(func(st State) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.notifications = append(h.notifications, st)
	})
	t.Cleanup(h.coordinator.Shutdown)
	return h
}

func (h *harness) notificationCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notifications)
}

func (h *harness) authSignalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.authSignals)
}

func TestCoordinator_Initialize(t *testing.T) {
	ctx := context.Background()

	t.Run("success arms first tick", func(t *testing.T) {
		h := newHarness(t, nil)
		h.client.SetData(device.Data{"temperature": 21.0})

		require.NoError(t, h.coordinator.Initialize(ctx))

		st := h.coordinator.State()
		assert.True(t, st.SetupComplete)
		assert.True(t, st.LastUpdateSuccess)
		assert.Equal(t, h.clock.Now(), st.LastUpdateTime)
		assert.Equal(t, device.Data{"temperature": 21.0}, st.Data)

		info, ok := h.coordinator.DeviceInfo()
		assert.True(t, ok)
		assert.Equal(t, testInfo, info)

		next, ok := h.clock.NextDeadline()
		require.True(t, ok)
		assert.Equal(t, h.clock.Now().Add(DefaultInterval), next)
	})

	tests := []struct {
		name     string
		prepare  func(*device.MockClient)
		wantAuth bool
	}{
		{
			name:     "device info rejected",
			prepare:  func(m *device.MockClient) { m.SetInfoError(device.ErrAuthentication) },
			wantAuth: true,
		},
		{
			name:    "device info unreachable",
			prepare: func(m *device.MockClient) { m.SetInfoError(device.ErrConnection) },
		},
		{
			name:     "first fetch rejected",
			prepare:  func(m *device.MockClient) { m.SetDataError(fmt.Errorf("wrapped: %w", device.ErrAuthentication)) },
			wantAuth: true,
		},
		{
			name:    "first fetch fails",
			prepare: func(m *device.MockClient) { m.SetDataError(device.ErrAPI) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			tt.prepare(h.client)

			err := h.coordinator.Initialize(ctx)
			require.Error(t, err)

			var setupErr *SetupError
			require.True(t, errors.As(err, &setupErr))
			assert.Equal(t, tt.wantAuth, setupErr.Auth)

			st := h.coordinator.State()
			assert.False(t, st.SetupComplete)
			assert.False(t, st.LastUpdateSuccess)
			assert.False(t, st.AuthFailed)
			assert.Equal(t, 0, h.clock.Pending())
			assert.Equal(t, 0, h.authSignalCount())

			res := h.coordinator.RefreshNow(ctx)
			assert.ErrorIs(t, res.Err, ErrNotInitialized)
		})
	}

	t.Run("retry after failure", func(t *testing.T) {
		h := newHarness(t, nil)
		h.client.SetDataError(device.ErrConnection)
		require.Error(t, h.coordinator.Initialize(ctx))

		h.client.SetDataError(nil)
		h.client.SetData(device.Data{"temperature": 20.0})
		require.NoError(t, h.coordinator.Initialize(ctx))
		assert.True(t, h.coordinator.State().SetupComplete)
	})

	t.Run("second initialize rejected", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.coordinator.Initialize(ctx))
		assert.ErrorIs(t, h.coordinator.Initialize(ctx), ErrAlreadyInitialized)
	})

	t.Run("nil setup skips metadata", func(t *testing.T) {
		logger, _ := zap.NewDevelopment()
		client := device.NewMockClient(testInfo)
		c := New(FetchWith(client.GetAllData), nil, logger, Options{Clock: clock.NewMockClock(time.Now())})
		defer c.Shutdown()

		require.NoError(t, c.Initialize(ctx))
		_, ok := c.DeviceInfo()
		assert.False(t, ok)
	})
}

func TestCoordinator_ChangeGatedNotification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	h.client.SetData(device.Data{"temperature": 21})
	require.NoError(t, h.coordinator.Initialize(ctx))
	assert.Equal(t, 1, h.notificationCount())

	h.clock.Advance(DefaultInterval)
	assert.Equal(t, 2, h.client.FetchCount())
	assert.Equal(t, 1, h.notificationCount(), "identical data must not notify")
	assert.Equal(t, h.clock.Now(), h.coordinator.State().LastUpdateTime)

	h.client.SetData(device.Data{"temperature": 22})
	h.clock.Advance(DefaultInterval)
	assert.Equal(t, 2, h.notificationCount())
	assert.Equal(t, device.Data{"temperature": 22}, h.coordinator.State().Data)

	h.client.SetDataError(device.ErrAuthentication)
	h.clock.Advance(DefaultInterval)

	st := h.coordinator.State()
	assert.False(t, st.LastUpdateSuccess)
	assert.True(t, st.AuthFailed)
	assert.Equal(t, device.Data{"temperature": 22}, st.Data, "last good data is kept")
	assert.Equal(t, 1, h.authSignalCount())
	assert.Equal(t, 3, h.notificationCount(), "availability flip notifies")

	fetches := h.client.FetchCount()
	assert.Equal(t, 0, h.clock.Pending())
	h.clock.Advance(10 * DefaultInterval)
	assert.Equal(t, fetches, h.client.FetchCount(), "no scheduled fetches while auth-blocked")
}

func TestCoordinator_AlwaysUpdate(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AlwaysUpdate = true })
	h.client.SetData(device.Data{"temperature": 21})

	require.NoError(t, h.coordinator.Initialize(context.Background()))
	for i := 0; i < 3; i++ {
		h.clock.Advance(DefaultInterval)
	}

	assert.Equal(t, 4, h.client.FetchCount())
	assert.Equal(t, 4, h.notificationCount())
}

func TestCoordinator_CustomEquality(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Equal = func(a, b device.Data) bool { return a["temperature"] == b["temperature"] }
	})
	h.client.SetData(device.Data{"temperature": 21, "uptime": 1})
	require.NoError(t, h.coordinator.Initialize(context.Background()))

	h.client.SetData(device.Data{"temperature": 21, "uptime": 2})
	h.clock.Advance(DefaultInterval)

	assert.Equal(t, 1, h.notificationCount())
	assert.Equal(t, 1, h.coordinator.State().Data["uptime"], "unchanged data keeps the committed snapshot")
}

func TestCoordinator_LastUpdateSuccessTracksMostRecentTick(t *testing.T) {
	h := newHarness(t, nil)
	h.client.SetData(device.Data{"temperature": 20})
	require.NoError(t, h.coordinator.Initialize(context.Background()))

	sequence := []error{nil, device.ErrConnection, device.ErrAPI, nil, nil, context.DeadlineExceeded, nil}
	for i, step := range sequence {
		h.client.SetDataError(step)
		h.clock.Advance(DefaultInterval)

		st := h.coordinator.State()
		assert.Equal(t, step == nil, st.LastUpdateSuccess, "tick %d", i)
		assert.Equal(t, 1, h.clock.Pending(), "tick %d re-arms", i)
		if step != nil {
			assert.ErrorIs(t, st.LastError, step, "tick %d", i)
		}
	}

	// initial + ok->fail + fail->ok + ok->fail + fail->ok
	assert.Equal(t, 5, h.notificationCount())
}

func TestCoordinator_TimeoutIsRecoverable(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Timeout = 20 * time.Millisecond })
	require.NoError(t, h.coordinator.Initialize(context.Background()))

	release := make(chan struct{})
	defer close(release)
	h.client.SetFetchFunc(func(ctx context.Context) (device.Data, error) {
		<-release // ignores ctx
		return device.Data{}, nil
	})

	start := time.Now()
	res := h.coordinator.RefreshNow(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, OutcomeRecoverable, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.False(t, h.coordinator.State().LastUpdateSuccess)
	assert.Equal(t, 1, h.clock.Pending())
}

func TestCoordinator_PanicIsRecoverable(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.coordinator.Initialize(context.Background()))

	h.client.SetFetchFunc(func(ctx context.Context) (device.Data, error) {
		panic("decoder exploded")
	})
	h.clock.Advance(DefaultInterval)

	st := h.coordinator.State()
	assert.False(t, st.LastUpdateSuccess)
	assert.Contains(t, st.LastError.Error(), "decoder exploded")
	assert.Equal(t, 1, h.clock.Pending())
}

func TestCoordinator_RefreshNowCoalesces(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.coordinator.Initialize(context.Background()))
	baseline := h.client.FetchCount()

	var inFlight atomic.Int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.client.SetFetchFunc(func(ctx context.Context) (device.Data, error) {
		if inFlight.Add(1) > 1 {
			t.Error("two fetches in flight")
		}
		defer inFlight.Add(-1)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return device.Data{"temperature": 23}, nil
	})

	const callers = 5
	results := make([]Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.coordinator.RefreshNow(context.Background())
		}(i)
	}

	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, baseline+1, h.client.FetchCount())
	for _, res := range results {
		assert.True(t, res.OK())
		assert.Equal(t, device.Data{"temperature": 23}, res.Data)
	}
	assert.Equal(t, float64(callers), testutil.ToFloat64(h.metrics.shared.WithLabelValues("test")))
}

func TestCoordinator_ScheduledTickSharedWithRefreshNow(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.coordinator.Initialize(context.Background()))
	baseline := h.client.FetchCount()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.client.SetFetchFunc(func(ctx context.Context) (device.Data, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return device.Data{"temperature": 24}, nil
	})

	tickDone := make(chan struct{})
	go func() {
		h.clock.Advance(DefaultInterval)
		close(tickDone)
	}()
	<-entered

	resCh := make(chan Result, 1)
	go func() { resCh <- h.coordinator.RefreshNow(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	res := <-resCh
	<-tickDone
	assert.True(t, res.OK())
	assert.Equal(t, baseline+1, h.client.FetchCount())
}

func TestCoordinator_SlowSubscriberSeesLatestSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	h.client.SetData(device.Data{"temperature": 0})
	require.NoError(t, h.coordinator.Initialize(context.Background()))

	var mu sync.Mutex
	var seen []interface{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var blockOnce sync.Once
	h.coordinator.Subscribe(func(st State) {
		mu.Lock()
		seen = append(seen, st.Data["temperature"])
		mu.Unlock()
		if st.Data["temperature"] == 1 {
			blockOnce.Do(func() {
				close(entered)
				<-release
			})
		}
	})
	lastSeen := func() interface{} {
		mu.Lock()
		defer mu.Unlock()
		return seen[len(seen)-1]
	}

	h.client.SetData(device.Data{"temperature": 1})
	first := make(chan Result, 1)
	go func() { first <- h.coordinator.RefreshNow(context.Background()) }()
	<-entered

	fetches := h.client.FetchCount()
	h.client.SetData(device.Data{"temperature": 2})
	second := make(chan Result, 1)
	go func() { second <- h.coordinator.RefreshNow(context.Background()) }()

	assert.Eventually(t, func() bool {
		return h.coordinator.State().Data["temperature"] == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, fetches+1, h.client.FetchCount(), "second refresh runs its own fetch")

	close(release)
	assert.True(t, (<-first).OK())
	assert.True(t, (<-second).OK())

	assert.Equal(t, 2, lastSeen())
	h.mu.Lock()
	assert.Equal(t, 2, h.notifications[len(h.notifications)-1].Data["temperature"])
	h.mu.Unlock()

	h.clock.Advance(DefaultInterval)
	assert.Equal(t, 2, lastSeen())
}

func TestCoordinator_RefreshNowCallerContext(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.coordinator.Initialize(context.Background()))

	release := make(chan struct{})
	h.client.SetFetchFunc(func(ctx context.Context) (device.Data, error) {
		<-release
		return device.Data{"temperature": 25}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := h.coordinator.RefreshNow(ctx)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	close(release)
	assert.Eventually(t, func() bool {
		return h.coordinator.State().Data["temperature"] == 25
	}, time.Second, 10*time.Millisecond, "abandoned fetch still commits")
}

func TestCoordinator_SetInterval(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.coordinator.Initialize(context.Background()))
	start := h.clock.Now()

	require.NoError(t, h.coordinator.SetInterval(time.Minute))
	assert.Error(t, h.coordinator.SetInterval(0))

	next, _ := h.clock.NextDeadline()
	assert.Equal(t, start.Add(DefaultInterval), next, "armed tick keeps its deadline")

	h.clock.Advance(DefaultInterval)
	next, _ = h.clock.NextDeadline()
	assert.Equal(t, start.Add(DefaultInterval+time.Minute), next)
	assert.Equal(t, time.Minute, h.coordinator.Interval())
}

func TestCoordinator_AuthBlock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.NoError(t, h.coordinator.Initialize(ctx))

	h.client.SetDataError(device.ErrAuthentication)
	res := h.coordinator.RefreshNow(ctx)
	assert.Equal(t, OutcomeAuthFailure, res.Outcome)
	assert.Equal(t, 1, h.authSignalCount())
	assert.Equal(t, 0, h.clock.Pending(), "manual auth failure cancels the armed tick")

	fetches := h.client.FetchCount()
	res = h.coordinator.RefreshNow(ctx)
	assert.ErrorIs(t, res.Err, ErrAuthBlocked)
	assert.Equal(t, fetches, h.client.FetchCount())

	t.Run("clear resumes polling", func(t *testing.T) {
		h.client.SetDataError(nil)
		h.client.SetData(device.Data{"temperature": 19})

		res := h.coordinator.ClearAuthFailure(ctx)
		assert.True(t, res.OK())

		st := h.coordinator.State()
		assert.False(t, st.AuthFailed)
		assert.True(t, st.LastUpdateSuccess)
		assert.Equal(t, 1, h.clock.Pending())
	})
}

func TestCoordinator_Subscriptions(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	sub := h.coordinator.Subscribe(func(State) { calls.Add(1) })

	h.client.SetData(device.Data{"temperature": 1})
	require.NoError(t, h.coordinator.Initialize(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	sub.Unsubscribe()
	sub.Unsubscribe()
	h.client.SetData(device.Data{"temperature": 2})
	h.clock.Advance(DefaultInterval)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 2, h.notificationCount())
}

func TestCoordinator_ListenerPanicDoesNotStopLoop(t *testing.T) {
	h := newHarness(t, nil)
	h.coordinator.Subscribe(func(State) { panic("bad listener") })

	require.NoError(t, h.coordinator.Initialize(context.Background()))
	assert.Equal(t, 1, h.notificationCount())
	assert.Equal(t, 1, h.clock.Pending())
}

func TestCoordinator_Shutdown(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.coordinator.Initialize(context.Background()))
	notified := h.notificationCount()

	h.coordinator.Shutdown()
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(time.Hour)
	res := h.coordinator.RefreshNow(context.Background())
	assert.ErrorIs(t, res.Err, ErrShutdown)
	assert.Equal(t, notified, h.notificationCount())
	assert.ErrorIs(t, h.coordinator.Initialize(context.Background()), ErrShutdown)
}

func TestCoordinator_Metrics(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.coordinator.Initialize(context.Background()))

	h.client.SetDataError(device.ErrConnection)
	h.clock.Advance(DefaultInterval)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.refreshes.WithLabelValues("test", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.refreshes.WithLabelValues("test", "recoverable_failure")))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.available.WithLabelValues("test")))
	assert.Equal(t, float64(h.clock.Now().Add(-DefaultInterval).Unix()),
		testutil.ToFloat64(h.metrics.lastSuccess.WithLabelValues("test")))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome Outcome
		timeout bool
	}{
		{name: "success", outcome: OutcomeSuccess},
		{name: "auth", err: fmt.Errorf("fetch: %w", device.ErrAuthentication), outcome: OutcomeAuthFailure},
		{name: "api error code", err: &device.APIError{Code: device.CodeUnauthorized}, outcome: OutcomeAuthFailure},
		{name: "connection", err: device.ErrConnection, outcome: OutcomeRecoverable},
		{name: "deadline", err: context.DeadlineExceeded, outcome: OutcomeRecoverable, timeout: true},
		{name: "other", err: errors.New("boom"), outcome: OutcomeRecoverable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Classify(device.Data{"k": "v"}, tt.err)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.timeout, errors.Is(res.Err, ErrTimeout))
			if tt.err == nil {
				assert.Equal(t, device.Data{"k": "v"}, res.Data)
			}
		})
	}
}
