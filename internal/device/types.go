package device

import "encoding/json"

// Data is the opaque snapshot returned by get_all_data.
type Data map[string]interface{}

// Info is the static device metadata fetched once at coordinator setup.
type Info struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	SWVersion    string `json:"sw_version"`
	SerialNumber string `json:"serial_number,omitempty"`
	MACAddress   string `json:"mac_address,omitempty"`
}

// Message is a frame on the device WebSocket, in either direction.
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the error payload of a failed result frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage is the client's reply to auth_required.
type AuthMessage struct {
	Type   string `json:"type"`
	APIKey string `json:"api_key"`
}

// Request is a command frame sent by the client.
type Request struct {
	ID         int    `json:"id"`
	Type       string `json:"type"`
	Brightness *int   `json:"brightness,omitempty"`
}

// Frame and request types.
const (
	TypeAuthRequired = "auth_required"
	TypeAuth         = "auth"
	TypeAuthOK       = "auth_ok"
	TypeAuthInvalid  = "auth_invalid"
	TypeResult       = "result"

	TypePing          = "ping"
	TypeGetDeviceInfo = "get_device_info"
	TypeGetAllData    = "get_all_data"
	TypeTurnOn        = "turn_on"
	TypeTurnOff       = "turn_off"
	TypeSetBrightness = "set_brightness"
)

// Error codes reported by the device.
const (
	CodeUnauthorized = "unauthorized"
	CodeInvalidAuth  = "invalid_auth"
	CodeInvalidValue = "invalid_value"
	CodeUnknownType  = "unknown_command"
)
