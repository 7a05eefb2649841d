package coordinator

import (
	"context"
	"errors"
	"fmt"

	"devicehub/internal/device"
)

var (
	// ErrTimeout marks a fetch that exceeded the coordinator timeout.
	ErrTimeout = errors.New("timed out fetching data")
	// ErrNotInitialized is returned by RefreshNow before Initialize succeeds.
	ErrNotInitialized = errors.New("coordinator not initialized")
	// ErrAlreadyInitialized is returned by a second successful Initialize.
	ErrAlreadyInitialized = errors.New("coordinator already initialized")
	// ErrAuthBlocked is returned while polling is paused after an auth failure.
	ErrAuthBlocked = errors.New("refresh paused after authentication failure")
	// ErrShutdown is returned once the coordinator has been shut down.
	ErrShutdown = errors.New("coordinator shut down")
)

// Outcome is the class of a refresh result.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRecoverable
	OutcomeAuthFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRecoverable:
		return "recoverable_failure"
	case OutcomeAuthFailure:
		return "auth_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the outcome of one fetch. Data is set only on success.
type Result struct {
	Outcome Outcome
	Data    device.Data
	Err     error
}

// OK reports whether the fetch succeeded.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess
}

func Success(data device.Data) Result {
	return Result{Outcome: OutcomeSuccess, Data: data}
}

func RecoverableFailure(err error) Result {
	return Result{Outcome: OutcomeRecoverable, Err: err}
}

func AuthFailure(err error) Result {
	return Result{Outcome: OutcomeAuthFailure, Err: err}
}

// Classify maps a device client return pair onto a Result.
func Classify(data device.Data, err error) Result {
	switch {
	case err == nil:
		return Success(data)
	case errors.Is(err, device.ErrAuthentication):
		return AuthFailure(err)
	case errors.Is(err, context.DeadlineExceeded):
		return RecoverableFailure(fmt.Errorf("%w: %w", ErrTimeout, err))
	default:
		return RecoverableFailure(err)
	}
}

// UpdateFunc performs one fetch. It must honour ctx.
type UpdateFunc func(ctx context.Context) Result

// SetupFunc fetches the static device metadata once.
type SetupFunc func(ctx context.Context) (device.Info, error)

// FetchWith adapts a device client fetch method into an UpdateFunc.
func FetchWith(fetch func(ctx context.Context) (device.Data, error)) UpdateFunc {
	return func(ctx context.Context) Result {
		return Classify(fetch(ctx))
	}
}

// SetupError is returned by Initialize. Auth tells the host to start
// reauthentication rather than retrying.
type SetupError struct {
	Auth bool
	Err  error
}

func (e *SetupError) Error() string {
	if e.Auth {
		return fmt.Sprintf("setup failed: authentication rejected: %v", e.Err)
	}
	return fmt.Sprintf("setup failed: %v", e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}
