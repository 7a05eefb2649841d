// Package sensor provides the temperature sensor platform.
package sensor

import (
	"strconv"

	"devicehub/internal/coordinator"
	"devicehub/internal/platform"
)

const (
	// Platform is the Home Assistant component name.
	Platform = "sensor"

	temperatureKey = "temperature"
	unitCelsius    = "°C"
)

func init() {
	platform.Register(platform.Info{
		Name:        Platform,
		Description: "Temperature reading from the device",
		Priority:    platform.PriorityDefault,
		Factory:     Setup,
		Order:       10,
	})
}

// Setup creates the sensors of one config entry.
func Setup(ctx *platform.Context) ([]platform.Entity, error) {
	return []platform.Entity{NewTemperatureSensor(ctx)}, nil
}

// TemperatureSensor reports data.temperature in °C.
type TemperatureSensor struct {
	platform.CoordinatorEntity

	uniqueID string
	device   platform.DeviceInfo
}

// NewTemperatureSensor creates the sensor for ctx.Entry.
func NewTemperatureSensor(ctx *platform.Context) *TemperatureSensor {
	s := &TemperatureSensor{
		uniqueID: ctx.Entry.EntryID + "_temperature",
		device:   ctx.DeviceInfo(),
	}
	s.Attach(s, ctx.Coordinator, ctx.Writer, ctx.Logger.Named(Platform), s.render)
	return s
}

func (s *TemperatureSensor) UniqueID() string { return s.uniqueID }

func (s *TemperatureSensor) Platform() string { return Platform }

func (s *TemperatureSensor) Name() string { return "Temperature" }

func (s *TemperatureSensor) Device() platform.DeviceInfo { return s.device }

func (s *TemperatureSensor) DiscoveryConfig() map[string]interface{} {
	return map[string]interface{}{
		"device_class":        "temperature",
		"state_class":         "measurement",
		"unit_of_measurement": unitCelsius,
	}
}

// NativeValue returns the temperature, or false when the device did not report one.
func (s *TemperatureSensor) NativeValue() (float64, bool) {
	return numeric(s.Coordinator().State().Data[temperatureKey])
}

func (s *TemperatureSensor) render(st coordinator.State) platform.EntityState {
	state := "unknown"
	if v, ok := numeric(st.Data[temperatureKey]); ok {
		state = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return platform.EntityState{
		State: state,
		Attributes: map[string]interface{}{
			"device_class":        "temperature",
			"state_class":         "measurement",
			"unit_of_measurement": unitCelsius,
		},
	}
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
