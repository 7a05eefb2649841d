package platform

import (
	"go.uber.org/zap"

	"devicehub/internal/coordinator"
	"devicehub/internal/device"
	"devicehub/internal/entry"
)

// Context carries what a platform needs to build entities for one entry.
type Context struct {
	// Domain prefixes device identifiers.
	Domain      string
	Entry       entry.ConfigEntry
	Coordinator *coordinator.Coordinator
	// Client is used by entities that send commands.
	Client device.DeviceClient
	Writer StateWriter
	Logger *zap.Logger
}

// DeviceInfo builds the device registry record from the coordinator metadata.
func (c *Context) DeviceInfo() DeviceInfo {
	info, _ := c.Coordinator.DeviceInfo()
	return NewDeviceInfo(c.Domain, info)
}
