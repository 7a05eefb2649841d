// Package coordinator polls one device on a fixed interval, classifies each
// fetch, and fans changed snapshots out to subscribers.
//
// At most one fetch is in flight at a time. RefreshNow joins a fetch that is
// already running instead of starting another. State readers never block and
// always see the last committed snapshot.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"devicehub/internal/clock"
	"devicehub/internal/device"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 10 * time.Second

	refreshKey = "refresh"
)

type source int

const (
	sourceFirst source = iota
	sourceScheduled
	sourceManual
)

func (s source) String() string {
	switch s {
	case sourceFirst:
		return "first"
	case sourceScheduled:
		return "scheduled"
	default:
		return "manual"
	}
}

// State is an immutable snapshot of the coordinator.
type State struct {
	Data              device.Data
	LastUpdateSuccess bool
	LastUpdateTime    time.Time // zero until the first success
	SetupComplete     bool
	AuthFailed        bool
	LastError         error
}

// HasData reports whether any successful fetch has been committed.
func (s State) HasData() bool {
	return s.Data != nil
}

// Listener is called after each committed state change.
// Listeners run on the refresh goroutine and should return quickly. Calls are
// serialized and arrive in commit order; a snapshot superseded while an
// earlier call was running is skipped.
// A listener must not call RefreshNow synchronously.
type Listener func(State)

// Subscription represents an active listener registration.
type Subscription interface {
	Unsubscribe()
}

type subscriberEntry struct {
	subID    int
	listener Listener
}

type subscription struct {
	c     *Coordinator
	subID int
	once  sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() { s.c.unsubscribe(s.subID) })
}

// Options configures a Coordinator. Zero values select defaults.
type Options struct {
	// Name labels logs and metrics, usually the config entry title.
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	// AlwaysUpdate notifies subscribers on every success, skipping the equality check.
	AlwaysUpdate bool
	// Equal compares consecutive snapshots. Defaults to reflect.DeepEqual.
	Equal func(a, b device.Data) bool
	Clock   clock.Clock
	Metrics *Metrics
	// OnAuthFailure is raised when a scheduled or manual refresh is rejected
	// for credentials. Polling stays paused until ClearAuthFailure.
	OnAuthFailure func(err error)
}

// Coordinator owns the refresh loop for one device.
type Coordinator struct {
	name          string
	update        UpdateFunc
	setup         SetupFunc
	timeout       time.Duration
	alwaysUpdate  bool
	equal         func(a, b device.Data) bool
	clock         clock.Clock
	logger        *zap.Logger
	metrics       *Metrics
	onAuthFailure func(err error)

	interval atomic.Int64
	state    atomic.Pointer[State]
	info     atomic.Pointer[device.Info]

	group singleflight.Group

	// mu serializes commits and guards the timer and lifecycle flags.
	mu           sync.Mutex
	timer        clock.Timer
	initializing bool
	shutdown     bool
	commitSeq    uint64

	// notifyMu serializes delivery; delivered is the last seq handed out.
	notifyMu  sync.Mutex
	delivered uint64

	subscribers []subscriberEntry
	nextSubID   int
	subsMu      sync.RWMutex
}

// New creates a coordinator. setup may be nil when there is no static metadata to fetch.
func New(update UpdateFunc, setup SetupFunc, logger *zap.Logger, opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Equal == nil {
		opts.Equal = func(a, b device.Data) bool { return reflect.DeepEqual(a, b) }
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}

	c := &Coordinator{
		name:          opts.Name,
		update:        update,
		setup:         setup,
		timeout:       opts.Timeout,
		alwaysUpdate:  opts.AlwaysUpdate,
		equal:         opts.Equal,
		clock:         opts.Clock,
		logger:        logger.Named("coordinator").With(zap.String("coordinator", opts.Name)),
		metrics:       opts.Metrics,
		onAuthFailure: opts.OnAuthFailure,
	}
	c.interval.Store(int64(opts.Interval))
	c.state.Store(&State{})
	return c
}

// Name returns the coordinator name.
func (c *Coordinator) Name() string {
	return c.name
}

// State returns the last committed snapshot without blocking.
func (c *Coordinator) State() State {
	return *c.state.Load()
}

// DeviceInfo returns the metadata fetched by Initialize.
func (c *Coordinator) DeviceInfo() (device.Info, bool) {
	info := c.info.Load()
	if info == nil {
		return device.Info{}, false
	}
	return *info, true
}

// Interval returns the polling period used for the next arming.
func (c *Coordinator) Interval() time.Duration {
	return time.Duration(c.interval.Load())
}

// SetInterval changes the polling period. An already armed tick keeps its deadline.
func (c *Coordinator) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("invalid interval %s", d)
	}
	c.interval.Store(int64(d))
	c.logger.Debug("Update interval changed", zap.Duration("interval", d))
	return nil
}

// Initialize fetches the device metadata and performs the first refresh.
// No ticks are armed unless both succeed. A failure returns *SetupError and
// leaves the coordinator ready for another Initialize attempt.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.shutdown:
		c.mu.Unlock()
		return ErrShutdown
	case c.initializing || c.state.Load().SetupComplete:
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.initializing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.initializing = false
		c.mu.Unlock()
	}()

	if c.setup != nil {
		setupCtx, cancel := context.WithTimeout(ctx, c.timeout)
		info, err := c.setup(setupCtx)
		cancel()
		if err != nil {
			return &SetupError{
				Auth: errors.Is(err, device.ErrAuthentication),
				Err:  fmt.Errorf("failed to fetch device info: %w", err),
			}
		}
		c.info.Store(&info)
	}

	v, _, _ := c.group.Do(refreshKey, func() (interface{}, error) {
		return c.doRefresh(ctx, sourceFirst), nil
	})
	res := v.(Result)
	if !res.OK() {
		return &SetupError{Auth: res.Outcome == OutcomeAuthFailure, Err: res.Err}
	}

	c.logger.Info("Coordinator initialized", zap.Duration("interval", c.Interval()))
	return nil
}

// RefreshNow fetches immediately, or joins the fetch already in flight, and
// returns its result. Returning early because ctx is done does not cancel a
// shared fetch.
func (c *Coordinator) RefreshNow(ctx context.Context) Result {
	if blocked := c.refreshBlocked(); blocked != nil {
		return *blocked
	}

	ch := c.group.DoChan(refreshKey, func() (interface{}, error) {
		return c.doRefresh(context.Background(), sourceManual), nil
	})

	select {
	case r := <-ch:
		if r.Shared {
			c.metrics.observeShared(c.name)
		}
		return r.Val.(Result)
	case <-ctx.Done():
		return RecoverableFailure(ctx.Err())
	}
}

func (c *Coordinator) refreshBlocked() *Result {
	c.mu.Lock()
	shutdown := c.shutdown
	c.mu.Unlock()

	st := c.state.Load()
	var res Result
	switch {
	case shutdown:
		res = RecoverableFailure(ErrShutdown)
	case !st.SetupComplete:
		res = RecoverableFailure(ErrNotInitialized)
	case st.AuthFailed:
		res = AuthFailure(ErrAuthBlocked)
	default:
		return nil
	}
	return &res
}

// ClearAuthFailure lifts the auth block, refreshes, and resumes polling.
func (c *Coordinator) ClearAuthFailure(ctx context.Context) Result {
	c.mu.Lock()
	prev := c.state.Load()
	if prev.AuthFailed {
		next := *prev
		next.AuthFailed = false
		c.state.Store(&next)
		c.logger.Info("Authentication block cleared")
	}
	c.mu.Unlock()

	return c.RefreshNow(ctx)
}

// Subscribe registers a listener.
func (c *Coordinator) Subscribe(listener Listener) Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.nextSubID++
	c.subscribers = append(c.subscribers, subscriberEntry{subID: c.nextSubID, listener: listener})
	return &subscription{c: c, subID: c.nextSubID}
}

func (c *Coordinator) unsubscribe(subID int) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for i, entry := range c.subscribers {
		if entry.subID == subID {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			return
		}
	}
}

// Shutdown stops polling and drops all subscribers. A fetch in flight
// completes but its result is discarded.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.subsMu.Lock()
	c.subscribers = nil
	c.subsMu.Unlock()

	c.metrics.forget(c.name)
	c.logger.Debug("Coordinator shut down")
}

func (c *Coordinator) tick() {
	c.group.Do(refreshKey, func() (interface{}, error) {
		return c.doRefresh(context.Background(), sourceScheduled), nil
	})
}

// doRefresh runs inside the singleflight group.
func (c *Coordinator) doRefresh(parent context.Context, src source) Result {
	start := c.clock.Now()
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	res := c.fetch(ctx)
	cancel()

	c.metrics.observeRefresh(c.name, res, c.clock.Since(start), c.clock.Now())

	seq, snapshot, committed := c.commit(res, src)

	// Later callers start a new fetch; this one is finished.
	c.group.Forget(refreshKey)

	if seq > 0 {
		c.notify(seq, snapshot)
	}
	if committed && res.Outcome == OutcomeAuthFailure && src != sourceFirst && c.onAuthFailure != nil {
		c.onAuthFailure(res.Err)
	}

	c.scheduleNext()
	return res
}

// fetch runs the update function under ctx, converting panics and overruns
// into recoverable failures.
func (c *Coordinator) fetch(ctx context.Context) Result {
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Unexpected error fetching data", zap.Any("panic", r), zap.Stack("stack"))
				done <- RecoverableFailure(fmt.Errorf("unexpected error fetching data: %v", r))
			}
		}()
		done <- c.update(ctx)
	}()

	select {
	case res := <-done:
		if res.OK() && res.Data == nil {
			res.Data = device.Data{}
		}
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return RecoverableFailure(fmt.Errorf("%w after %s", ErrTimeout, c.timeout))
		}
		return RecoverableFailure(ctx.Err())
	}
}

// commit applies res to the state. It returns the delivery sequence of the
// new snapshot, zero when subscribers need not be notified, and whether
// anything was applied at all.
func (c *Coordinator) commit(res Result, src source) (uint64, State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := *c.state.Load()
	if c.shutdown {
		return 0, prev, false
	}

	next := prev
	notify := false

	switch res.Outcome {
	case OutcomeSuccess:
		changed := c.alwaysUpdate || !prev.HasData() || !c.equal(prev.Data, res.Data)
		if changed {
			next.Data = res.Data
		}
		next.LastUpdateSuccess = true
		next.LastUpdateTime = c.clock.Now()
		next.LastError = nil
		next.AuthFailed = false
		if src == sourceFirst {
			next.SetupComplete = true
		}
		notify = changed || !prev.LastUpdateSuccess

		if !prev.LastUpdateSuccess && prev.SetupComplete {
			c.logger.Info("Fetching data recovered")
		}

	case OutcomeRecoverable:
		next.LastUpdateSuccess = false
		next.LastError = res.Err
		notify = prev.LastUpdateSuccess

		if prev.LastUpdateSuccess {
			c.logger.Error("Error fetching data", zap.String("source", src.String()), zap.Error(res.Err))
		} else {
			c.logger.Debug("Error fetching data", zap.String("source", src.String()), zap.Error(res.Err))
		}

	case OutcomeAuthFailure:
		next.LastUpdateSuccess = false
		next.LastError = res.Err
		if src != sourceFirst {
			next.AuthFailed = true
		}
		notify = prev.LastUpdateSuccess

		c.logger.Warn("Authentication failed, polling paused until reauthentication",
			zap.String("source", src.String()), zap.Error(res.Err))
	}

	c.state.Store(&next)
	if !notify {
		return 0, next, true
	}
	c.commitSeq++
	return c.commitSeq, next, true
}

// notify delivers st unless a later snapshot has already been delivered.
func (c *Coordinator) notify(seq uint64, st State) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if seq <= c.delivered {
		c.logger.Debug("Skipping superseded notification", zap.Uint64("seq", seq))
		return
	}
	c.delivered = seq

	c.subsMu.RLock()
	entries := append([]subscriberEntry(nil), c.subscribers...)
	c.subsMu.RUnlock()

	if len(entries) == 0 {
		return
	}
	c.metrics.observeNotification(c.name)

	for _, entry := range entries {
		c.callListener(entry, st)
	}
}

func (c *Coordinator) callListener(entry subscriberEntry, st State) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Listener panicked", zap.Int("sub_id", entry.subID), zap.Any("panic", r))
		}
	}()
	entry.listener(st)
}

// scheduleNext re-arms the poll timer unless polling is stopped or blocked.
func (c *Coordinator) scheduleNext() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	st := c.state.Load()
	if c.shutdown || !st.SetupComplete || st.AuthFailed {
		return
	}
	c.timer = c.clock.AfterFunc(c.Interval(), c.tick)
}
