package device

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection means the device could not be reached or the connection dropped.
	ErrConnection = errors.New("cannot connect to device")
	// ErrAuthentication means the device rejected the API key.
	ErrAuthentication = errors.New("device rejected credentials")
	// ErrAPI means the device answered with an error or a malformed response.
	ErrAPI = errors.New("device api error")
)

// APIError is a failed result frame.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("device error: %s - %s", e.Code, e.Message)
}

// Unwrap maps the error code onto ErrAuthentication or ErrAPI.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case CodeUnauthorized, CodeInvalidAuth:
		return ErrAuthentication
	default:
		return ErrAPI
	}
}
