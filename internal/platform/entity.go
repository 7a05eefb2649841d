// Package platform connects a coordinator to the entities that render its
// data, and defines the sink those entities publish state to.
package platform

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"devicehub/internal/coordinator"
	"devicehub/internal/device"
)

// DeviceInfo groups entities under one device in Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// NewDeviceInfo links a device to (domain, device id).
func NewDeviceInfo(domain string, info device.Info) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{domain + "_" + info.ID},
		Name:         info.Name,
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		SWVersion:    info.SWVersion,
	}
}

// EntityState is the rendered state of an entity.
type EntityState struct {
	State      string                 `json:"state"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Available  bool                   `json:"available"`
}

// Entity is one Home Assistant entity backed by a coordinator.
type Entity interface {
	UniqueID() string
	// Platform is the Home Assistant component, e.g. "sensor".
	Platform() string
	// Name is empty when the entity takes the device name.
	Name() string
	Device() DeviceInfo
	// DiscoveryConfig holds platform specific discovery keys.
	DiscoveryConfig() map[string]interface{}
	State() EntityState
	Start() error
	Stop()
}

// Command is a state change requested by Home Assistant.
type Command struct {
	State      string `json:"state"`
	Brightness *int   `json:"brightness,omitempty"`
}

// Commandable entities accept commands.
type Commandable interface {
	HandleCommand(ctx context.Context, cmd Command) error
}

// StateWriter receives entity announcements and state.
type StateWriter interface {
	AddEntity(e Entity) error
	WriteState(e Entity, st EntityState) error
	RemoveEntity(e Entity) error
}

// RenderFunc turns a coordinator snapshot into entity state. Availability is
// filled in by CoordinatorEntity.
type RenderFunc func(st coordinator.State) EntityState

// CoordinatorEntity is embedded by entities that follow a coordinator. It
// subscribes on Start, renders on every notification, and writes the result.
type CoordinatorEntity struct {
	coordinator *coordinator.Coordinator
	writer      StateWriter
	logger      *zap.Logger
	self        Entity
	render      RenderFunc

	sub     coordinator.Subscription
	current EntityState
	mu      sync.Mutex

	// writeMu orders renders; notified is set once a notification was applied.
	writeMu  sync.Mutex
	notified bool
}

// Attach binds the embedding entity. It must be called before Start.
func (b *CoordinatorEntity) Attach(self Entity, c *coordinator.Coordinator, writer StateWriter, logger *zap.Logger, render RenderFunc) {
	b.self = self
	b.coordinator = c
	b.writer = writer
	b.logger = logger
	b.render = render
}

// Coordinator returns the coordinator the entity follows.
func (b *CoordinatorEntity) Coordinator() *coordinator.Coordinator {
	return b.coordinator
}

// Start subscribes to the coordinator and writes the current state once,
// unless a notification has already written a newer one.
func (b *CoordinatorEntity) Start() error {
	b.mu.Lock()
	b.sub = b.coordinator.Subscribe(b.handleUpdate)
	b.mu.Unlock()

	b.apply(b.coordinator.State(), true)
	return nil
}

// Stop unsubscribes from the coordinator.
func (b *CoordinatorEntity) Stop() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// State returns the last rendered state.
func (b *CoordinatorEntity) State() EntityState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *CoordinatorEntity) handleUpdate(st coordinator.State) {
	b.apply(st, false)
}

func (b *CoordinatorEntity) apply(st coordinator.State, initial bool) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if initial && b.notified {
		return
	}
	if !initial {
		b.notified = true
	}

	rendered := b.render(st)
	rendered.Available = st.LastUpdateSuccess && st.HasData()

	b.mu.Lock()
	b.current = rendered
	b.mu.Unlock()

	if b.writer == nil {
		return
	}
	if err := b.writer.WriteState(b.self, rendered); err != nil {
		b.logger.Warn("Failed to write entity state",
			zap.String("unique_id", b.self.UniqueID()),
			zap.Error(err))
	}
}
