// Package light provides the dimmable light platform.
package light

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"devicehub/internal/coordinator"
	"devicehub/internal/device"
	"devicehub/internal/platform"
)

const (
	// Platform is the Home Assistant component name.
	Platform = "light"

	stateKey      = "light_state"
	brightnessKey = "brightness"
	colorMode     = "brightness"
)

func init() {
	platform.Register(platform.Info{
		Name:        Platform,
		Description: "Dimmable light on the device",
		Priority:    platform.PriorityDefault,
		Factory:     Setup,
		Order:       20,
	})
}

// Setup creates the lights of one config entry.
func Setup(ctx *platform.Context) ([]platform.Entity, error) {
	if ctx.Client == nil {
		return nil, fmt.Errorf("light platform requires a device client")
	}
	return []platform.Entity{NewLight(ctx)}, nil
}

// Light is on when data.light_state is "on"; brightness is 0-255.
type Light struct {
	platform.CoordinatorEntity

	uniqueID string
	device   platform.DeviceInfo
	client   device.DeviceClient
	logger   *zap.Logger
}

// NewLight creates the light for ctx.Entry.
func NewLight(ctx *platform.Context) *Light {
	l := &Light{
		uniqueID: ctx.Entry.EntryID + "_light",
		device:   ctx.DeviceInfo(),
		client:   ctx.Client,
		logger:   ctx.Logger.Named(Platform),
	}
	l.Attach(l, ctx.Coordinator, ctx.Writer, l.logger, l.render)
	return l
}

func (l *Light) UniqueID() string { return l.uniqueID }

func (l *Light) Platform() string { return Platform }

// Name is empty so the light takes the device name.
func (l *Light) Name() string { return "" }

func (l *Light) Device() platform.DeviceInfo { return l.device }

func (l *Light) DiscoveryConfig() map[string]interface{} {
	return map[string]interface{}{
		"schema":                "json",
		"brightness":            true,
		"brightness_scale":      255,
		"supported_color_modes": []string{colorMode},
	}
}

// IsOn reports the last known power state.
func (l *Light) IsOn() bool {
	return l.Coordinator().State().Data[stateKey] == "on"
}

// Brightness reports the last known brightness.
func (l *Light) Brightness() (int, bool) {
	return brightness(l.Coordinator().State().Data)
}

// TurnOn switches the light on, optionally at a brightness, then refreshes.
func (l *Light) TurnOn(ctx context.Context, level *int) error {
	var err error
	if level != nil {
		err = l.client.SetBrightness(ctx, *level)
	} else {
		err = l.client.TurnOn(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to turn on %s: %w", l.uniqueID, err)
	}
	l.refresh(ctx)
	return nil
}

// TurnOff switches the light off, then refreshes.
func (l *Light) TurnOff(ctx context.Context) error {
	if err := l.client.TurnOff(ctx); err != nil {
		return fmt.Errorf("failed to turn off %s: %w", l.uniqueID, err)
	}
	l.refresh(ctx)
	return nil
}

// HandleCommand applies a JSON schema light command.
func (l *Light) HandleCommand(ctx context.Context, cmd platform.Command) error {
	switch strings.ToUpper(cmd.State) {
	case "ON":
		return l.TurnOn(ctx, cmd.Brightness)
	case "OFF":
		return l.TurnOff(ctx)
	default:
		return fmt.Errorf("unsupported light state %q", cmd.State)
	}
}

func (l *Light) refresh(ctx context.Context) {
	if res := l.Coordinator().RefreshNow(ctx); !res.OK() {
		l.logger.Debug("Refresh after command failed",
			zap.String("unique_id", l.uniqueID),
			zap.Stringer("outcome", res.Outcome),
			zap.Error(res.Err))
	}
}

func (l *Light) render(st coordinator.State) platform.EntityState {
	state := "off"
	if st.Data[stateKey] == "on" {
		state = "on"
	}
	attrs := map[string]interface{}{"color_mode": colorMode}
	if b, ok := brightness(st.Data); ok && state == "on" {
		attrs[brightnessKey] = b
	}
	return platform.EntityState{State: state, Attributes: attrs}
}

func brightness(data device.Data) (int, bool) {
	switch v := data[brightnessKey].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}
