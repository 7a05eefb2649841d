// Package integration loads and unloads config entries: one device client,
// one coordinator and the platform entities per entry.
package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"devicehub/internal/clock"
	"devicehub/internal/coordinator"
	"devicehub/internal/device"
	"devicehub/internal/entry"
	"devicehub/internal/platform"
)

// Domain identifies this integration in entries, device identifiers and flows.
const Domain = "devicehub"

var (
	// ErrEntryNotReady means the device could not be reached. The host retries.
	ErrEntryNotReady = errors.New("config entry not ready")
	// ErrEntryAuthFailed means the device rejected the stored credentials.
	ErrEntryAuthFailed = errors.New("config entry authentication failed")
)

// Settings are the service-wide coordinator settings.
type Settings struct {
	RequestTimeout time.Duration
	AlwaysUpdate   bool
}

// Deps are the collaborators needed to set up an entry.
type Deps struct {
	NewClient device.Factory
	Writer    platform.StateWriter
	Registry  *platform.Registry
	Clock     clock.Clock
	Metrics   *coordinator.Metrics
	Settings  Settings
	Logger    *zap.Logger
	// OnAuthFailure is raised when a refresh of a loaded entry is rejected.
	OnAuthFailure func(entryID string, err error)
}

// Runtime is everything owned by a loaded entry.
type Runtime struct {
	Entry       entry.ConfigEntry
	Client      device.DeviceClient
	Coordinator *coordinator.Coordinator
	Entities    []platform.Entity

	writer platform.StateWriter
	logger *zap.Logger
}

// SetupEntry loads an entry. It returns an error wrapping ErrEntryNotReady or
// ErrEntryAuthFailed for device failures.
func SetupEntry(ctx context.Context, e entry.ConfigEntry, deps Deps) (*Runtime, error) {
	logger := deps.Logger.With(zap.String("entry_id", e.EntryID), zap.String("title", e.Title))
	registry := deps.Registry
	if registry == nil {
		registry = platform.Default()
	}

	client := deps.NewClient(e.Data.Host, e.Data.APIKey)

	if err := client.TestConnection(ctx); err != nil {
		client.Close()
		return nil, classifySetupError(err)
	}

	var onAuth func(error)
	if deps.OnAuthFailure != nil {
		onAuth = func(err error) { deps.OnAuthFailure(e.EntryID, err) }
	}

	coord := coordinator.New(
		coordinator.FetchWith(client.GetAllData),
		client.GetDeviceInfo,
		logger,
		coordinator.Options{
			Name:          e.Title,
			Interval:      e.Options.Interval(),
			Timeout:       deps.Settings.RequestTimeout,
			AlwaysUpdate:  deps.Settings.AlwaysUpdate,
			Clock:         deps.Clock,
			Metrics:       deps.Metrics,
			OnAuthFailure: onAuth,
		},
	)

	if err := coord.Initialize(ctx); err != nil {
		coord.Shutdown()
		client.Close()
		return nil, classifySetupError(err)
	}

	rt := &Runtime{
		Entry:       e,
		Client:      client,
		Coordinator: coord,
		writer:      deps.Writer,
		logger:      logger,
	}

	entities, err := registry.SetupAll(&platform.Context{
		Domain:      Domain,
		Entry:       e,
		Coordinator: coord,
		Client:      client,
		Writer:      deps.Writer,
		Logger:      logger,
	})
	if err != nil {
		rt.Unload()
		return nil, err
	}

	for _, ent := range entities {
		if deps.Writer != nil {
			if err := deps.Writer.AddEntity(ent); err != nil {
				logger.Warn("Failed to announce entity", zap.String("unique_id", ent.UniqueID()), zap.Error(err))
			}
		}
		// Tracked before Start so a failed start is still withdrawn by Unload.
		rt.Entities = append(rt.Entities, ent)
		if err := ent.Start(); err != nil {
			rt.Unload()
			return nil, fmt.Errorf("failed to start entity %s: %w", ent.UniqueID(), err)
		}
	}

	logger.Info("Config entry loaded", zap.Int("entities", len(rt.Entities)))
	return rt, nil
}

// Unload stops the entities, withdraws them from the writer, shuts the
// coordinator down and closes the client.
func (r *Runtime) Unload() {
	for _, ent := range r.Entities {
		ent.Stop()
		if r.writer == nil {
			continue
		}
		if err := r.writer.RemoveEntity(ent); err != nil {
			r.logger.Warn("Failed to remove entity", zap.String("unique_id", ent.UniqueID()), zap.Error(err))
		}
	}
	r.Entities = nil

	r.Coordinator.Shutdown()
	if err := r.Client.Close(); err != nil {
		r.logger.Debug("Error closing device client", zap.Error(err))
	}
	r.logger.Info("Config entry unloaded")
}

// Entity returns the loaded entity with the given unique id.
func (r *Runtime) Entity(uniqueID string) (platform.Entity, bool) {
	for _, ent := range r.Entities {
		if ent.UniqueID() == uniqueID {
			return ent, true
		}
	}
	return nil, false
}

func classifySetupError(err error) error {
	var setupErr *coordinator.SetupError
	switch {
	case errors.As(err, &setupErr) && setupErr.Auth:
		return fmt.Errorf("%w: %w", ErrEntryAuthFailed, err)
	case errors.Is(err, device.ErrAuthentication):
		return fmt.Errorf("%w: %w", ErrEntryAuthFailed, err)
	default:
		return fmt.Errorf("%w: %w", ErrEntryNotReady, err)
	}
}
