// Package entry defines config entries, the persisted record of one configured
// device, and their runtime lifecycle states.
package entry

import "time"

const (
	// DefaultScanInterval is the polling period in seconds when no option is set.
	DefaultScanInterval = 30
	// MinScanInterval and MaxScanInterval bound the scan_interval option.
	MinScanInterval = 5
	MaxScanInterval = 3600

	// Version is the current entry schema version.
	Version = 1
)

// Sources a config entry can be created or modified from.
const (
	SourceUser    = "user"
	SourceReauth  = "reauth"
	SourceOptions = "options"
)

// Data holds the connection parameters entered in the user step.
type Data struct {
	Host   string `yaml:"host" json:"host"`
	APIKey string `yaml:"api_key" json:"api_key"`
}

// Options holds user-tunable settings changed through the options flow.
type Options struct {
	ScanInterval int `yaml:"scan_interval,omitempty" json:"scan_interval,omitempty"`
}

// Interval returns the polling period, falling back to the default.
func (o Options) Interval() time.Duration {
	if o.ScanInterval <= 0 {
		return DefaultScanInterval * time.Second
	}
	return time.Duration(o.ScanInterval) * time.Second
}

// ConfigEntry is one configured device.
type ConfigEntry struct {
	EntryID      string  `yaml:"entry_id" json:"entry_id"`
	Domain       string  `yaml:"domain" json:"domain"`
	Title        string  `yaml:"title" json:"title"`
	UniqueID     string  `yaml:"unique_id" json:"unique_id"`
	Version      int     `yaml:"version" json:"version"`
	MinorVersion int     `yaml:"minor_version" json:"minor_version"`
	Source       string  `yaml:"source" json:"source"`
	Data         Data    `yaml:"data" json:"data"`
	Options      Options `yaml:"options" json:"options"`
}

// State is the runtime lifecycle state of a config entry.
type State string

const (
	StateNotLoaded       State = "not_loaded"
	StateSetupInProgress State = "setup_in_progress"
	StateLoaded          State = "loaded"
	StateSetupRetry      State = "setup_retry"
	StateSetupError      State = "setup_error"
)
