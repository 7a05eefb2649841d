// Package diagnostics builds the downloadable diagnostics document of a
// config entry with secrets and device identifiers redacted.
package diagnostics

import (
	"time"

	"devicehub/internal/coordinator"
	"devicehub/internal/entry"
)

// Redacted replaces the value of every redacted key.
const Redacted = "**REDACTED**"

// ToRedact lists the keys removed from config entry diagnostics.
var ToRedact = []string{"api_key", "token", "password", "serial_number", "mac_address"}

// ForEntry returns the diagnostics of e. c may be nil when the entry is not loaded.
func ForEntry(e entry.ConfigEntry, state entry.State, c *coordinator.Coordinator) map[string]interface{} {
	doc := map[string]interface{}{
		"entry": map[string]interface{}{
			"entry_id": e.EntryID,
			"title":    e.Title,
			"version":  e.Version,
			"source":   e.Source,
			"state":    string(state),
			"data": map[string]interface{}{
				"host":    e.Data.Host,
				"api_key": e.Data.APIKey,
			},
			"options": map[string]interface{}{
				"scan_interval": int(e.Options.Interval().Seconds()),
			},
		},
		"device_info":         nil,
		"coordinator_data":    nil,
		"last_update_success": false,
		"last_update_time":    nil,
		"auth_failed":         false,
	}

	if c != nil {
		if info, ok := c.DeviceInfo(); ok {
			doc["device_info"] = map[string]interface{}{
				"id":            info.ID,
				"name":          info.Name,
				"manufacturer":  info.Manufacturer,
				"model":         info.Model,
				"sw_version":    info.SWVersion,
				"serial_number": info.SerialNumber,
				"mac_address":   info.MACAddress,
			}
		}

		st := c.State()
		if st.Data != nil {
			doc["coordinator_data"] = map[string]interface{}(st.Data)
		}
		doc["last_update_success"] = st.LastUpdateSuccess
		if !st.LastUpdateTime.IsZero() {
			doc["last_update_time"] = st.LastUpdateTime.UTC().Format(time.RFC3339)
		}
		doc["auth_failed"] = st.AuthFailed
		doc["update_interval_seconds"] = c.Interval().Seconds()
		if st.LastError != nil {
			doc["last_error"] = st.LastError.Error()
		}
	}

	return Redact(doc, ToRedact).(map[string]interface{})
}

// Redact returns a copy of data with the values of keys replaced by Redacted,
// descending into nested maps and slices. The input is not modified.
func Redact(data interface{}, keys []string) interface{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return redact(data, set)
}

func redact(data interface{}, keys map[string]struct{}) interface{} {
	switch v := data.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			if _, ok := keys[k]; ok && val != nil {
				out[k] = Redacted
				continue
			}
			out[k] = redact(val, keys)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if _, ok := keys[k]; ok {
				out[k] = Redacted
				continue
			}
			out[k] = val
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = redact(val, keys)
		}
		return out
	default:
		return v
	}
}
