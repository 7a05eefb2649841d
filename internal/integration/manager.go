package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"devicehub/internal/clock"
	"devicehub/internal/entry"
)

const (
	retryInitialDelay = 5 * time.Second
	retryMaxDelay     = 80 * time.Second
)

// EntryStore is the subset of entry.Store the manager needs.
type EntryStore interface {
	All() []entry.ConfigEntry
	Get(entryID string) (entry.ConfigEntry, error)
	Remove(entryID string) error
}

// ReauthStarter opens a reauthentication flow for an entry.
type ReauthStarter interface {
	StartReauth(ctx context.Context, entryID string) error
}

type retry struct {
	attempt int
	timer   clock.Timer
}

// Manager tracks the runtime and lifecycle state of every config entry.
type Manager struct {
	store  EntryStore
	deps   Deps
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	runtimes map[string]*Runtime
	states   map[string]entry.State
	retries  map[string]*retry
	reauth   ReauthStarter
	closed   bool

	// setupMu serializes setup and unload of entries.
	setupMu sync.Mutex
}

// NewManager creates a manager. deps.OnAuthFailure is replaced by the manager.
func NewManager(store EntryStore, deps Deps) *Manager {
	if deps.Clock == nil {
		deps.Clock = clock.NewRealClock()
	}
	m := &Manager{
		store:    store,
		clock:    deps.Clock,
		logger:   deps.Logger.Named("integration"),
		runtimes: make(map[string]*Runtime),
		states:   make(map[string]entry.State),
		retries:  make(map[string]*retry),
	}
	deps.Logger = m.logger
	deps.OnAuthFailure = m.handleAuthFailure
	m.deps = deps
	return m
}

// SetReauthStarter installs the flow manager used to request new credentials.
func (m *Manager) SetReauthStarter(r ReauthStarter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reauth = r
}

// SetupAll loads every stored entry. Failures are handled per entry.
func (m *Manager) SetupAll(ctx context.Context) {
	for _, e := range m.store.All() {
		if err := m.Setup(ctx, e.EntryID); err != nil {
			m.logger.Warn("Config entry setup failed",
				zap.String("entry_id", e.EntryID),
				zap.Error(err))
		}
	}
}

// Setup loads one entry. Not-ready failures schedule a retry; auth failures
// start a reauth flow.
func (m *Manager) Setup(ctx context.Context, entryID string) error {
	m.setupMu.Lock()
	defer m.setupMu.Unlock()
	return m.setupLocked(ctx, entryID)
}

func (m *Manager) setupLocked(ctx context.Context, entryID string) error {
	e, err := m.store.Get(entryID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("integration manager is shut down")
	}
	if _, loaded := m.runtimes[entryID]; loaded {
		m.mu.Unlock()
		return nil
	}
	m.stopRetryLocked(entryID)
	m.states[entryID] = entry.StateSetupInProgress
	m.mu.Unlock()

	rt, err := SetupEntry(ctx, e, m.deps)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case err == nil:
		if m.closed {
			rt.Unload()
			return fmt.Errorf("integration manager is shut down")
		}
		m.runtimes[entryID] = rt
		m.states[entryID] = entry.StateLoaded
		delete(m.retries, entryID)
		return nil

	case errors.Is(err, ErrEntryAuthFailed):
		m.states[entryID] = entry.StateSetupError
		delete(m.retries, entryID)
		m.logger.Warn("Config entry credentials rejected", zap.String("entry_id", entryID), zap.Error(err))
		m.startReauthLocked(entryID)
		return err

	case errors.Is(err, ErrEntryNotReady):
		m.states[entryID] = entry.StateSetupRetry
		m.scheduleRetryLocked(entryID)
		return err

	default:
		m.states[entryID] = entry.StateSetupError
		delete(m.retries, entryID)
		return err
	}
}

// scheduleRetryLocked arms the next setup attempt. Delays double from 5s to 80s.
func (m *Manager) scheduleRetryLocked(entryID string) {
	r, ok := m.retries[entryID]
	if !ok {
		r = &retry{}
		m.retries[entryID] = r
	}

	delay := retryDelay(r.attempt)
	r.attempt++
	r.timer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		current, ok := m.retries[entryID]
		pending := ok && current == r && m.states[entryID] == entry.StateSetupRetry && !m.closed
		m.mu.Unlock()
		if !pending {
			return
		}
		if err := m.Setup(context.Background(), entryID); err != nil {
			m.logger.Debug("Setup retry failed", zap.String("entry_id", entryID), zap.Error(err))
		}
	})

	m.logger.Info("Config entry not ready, retrying",
		zap.String("entry_id", entryID),
		zap.Int("attempt", r.attempt),
		zap.Duration("delay", delay))
}

func retryDelay(attempt int) time.Duration {
	d := retryInitialDelay
	for i := 0; i < attempt && d < retryMaxDelay; i++ {
		d *= 2
	}
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d
}

// stopRetryLocked cancels a pending retry timer but keeps the attempt count.
func (m *Manager) stopRetryLocked(entryID string) {
	if r, ok := m.retries[entryID]; ok && r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (m *Manager) startReauthLocked(entryID string) {
	starter := m.reauth
	if starter == nil {
		m.logger.Warn("No reauth handler installed", zap.String("entry_id", entryID))
		return
	}
	go func() {
		if err := starter.StartReauth(context.Background(), entryID); err != nil {
			m.logger.Warn("Failed to start reauthentication", zap.String("entry_id", entryID), zap.Error(err))
		}
	}()
}

// handleAuthFailure is called by a loaded entry's coordinator. The entry
// stays loaded with polling paused.
func (m *Manager) handleAuthFailure(entryID string, err error) {
	m.logger.Warn("Device rejected credentials during refresh",
		zap.String("entry_id", entryID),
		zap.Error(err))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.startReauthLocked(entryID)
}

// Unload unloads an entry and cancels any pending retry.
func (m *Manager) Unload(entryID string) {
	m.setupMu.Lock()
	defer m.setupMu.Unlock()
	m.unloadLocked(entryID)
}

func (m *Manager) unloadLocked(entryID string) {
	m.mu.Lock()
	m.stopRetryLocked(entryID)
	delete(m.retries, entryID)
	rt := m.runtimes[entryID]
	delete(m.runtimes, entryID)
	m.states[entryID] = entry.StateNotLoaded
	m.mu.Unlock()

	if rt != nil {
		rt.Unload()
	}
}

// Reload unloads and sets up an entry again with the stored data.
func (m *Manager) Reload(ctx context.Context, entryID string) error {
	m.setupMu.Lock()
	defer m.setupMu.Unlock()

	m.unloadLocked(entryID)
	return m.setupLocked(ctx, entryID)
}

// Remove unloads an entry and deletes it from the store.
func (m *Manager) Remove(entryID string) error {
	m.setupMu.Lock()
	defer m.setupMu.Unlock()

	m.unloadLocked(entryID)

	m.mu.Lock()
	delete(m.states, entryID)
	m.mu.Unlock()

	return m.store.Remove(entryID)
}

// EntryCreated sets up a newly created entry.
func (m *Manager) EntryCreated(ctx context.Context, e entry.ConfigEntry) {
	if err := m.Setup(ctx, e.EntryID); err != nil {
		m.logger.Warn("New config entry did not load", zap.String("entry_id", e.EntryID), zap.Error(err))
	}
}

// ReauthCompleted reloads the entry with its new credentials.
func (m *Manager) ReauthCompleted(ctx context.Context, e entry.ConfigEntry) {
	if err := m.Reload(ctx, e.EntryID); err != nil {
		m.logger.Warn("Reload after reauthentication failed", zap.String("entry_id", e.EntryID), zap.Error(err))
	}
}

// OptionsUpdated applies the new scan interval to the running coordinator.
func (m *Manager) OptionsUpdated(ctx context.Context, e entry.ConfigEntry) {
	m.mu.Lock()
	rt, ok := m.runtimes[e.EntryID]
	if ok {
		rt.Entry = e
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := rt.Coordinator.SetInterval(e.Options.Interval()); err != nil {
		m.logger.Warn("Failed to apply scan interval", zap.String("entry_id", e.EntryID), zap.Error(err))
	}
}

// State returns the lifecycle state of an entry.
func (m *Manager) State(entryID string) entry.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.states[entryID]; ok {
		return st
	}
	return entry.StateNotLoaded
}

// States returns the lifecycle state of every known entry.
func (m *Manager) States() map[string]entry.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]entry.State, len(m.states))
	for id, st := range m.states {
		out[id] = st
	}
	return out
}

// Runtime returns the runtime of a loaded entry.
func (m *Manager) Runtime(entryID string) (*Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.runtimes[entryID]
	return rt, ok
}

// Ready reports whether every stored entry is loaded.
func (m *Manager) Ready() bool {
	entries := m.store.All()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if m.states[e.EntryID] != entry.StateLoaded {
			return false
		}
	}
	return true
}

// Shutdown unloads every entry. Setup is refused afterwards.
func (m *Manager) Shutdown() {
	m.setupMu.Lock()
	defer m.setupMu.Unlock()

	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.runtimes)+len(m.retries))
	for id := range m.runtimes {
		ids = append(ids, id)
	}
	for id := range m.retries {
		if _, loaded := m.runtimes[id]; !loaded {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.unloadLocked(id)
	}
	m.logger.Info("All config entries unloaded")
}
