package ipc

import (
	"errors"
	"fmt"

	"github.com/Paintersrp/warden/internal/osproc"
	"github.com/Paintersrp/warden/internal/proctable"
)

var (
	// ErrLaunchFailure wraps every failure to start a process.
	ErrLaunchFailure = errors.New("launch failure")
	// ErrNoSuchProcess is returned for unknown or already reaped handles.
	ErrNoSuchProcess = proctable.ErrNoSuchProcess
	// ErrDisconnected is returned once the channel is closed.
	ErrDisconnected = errors.New("ipc channel disconnected")
	// ErrUnsupported is returned for requests the peer cannot serve.
	ErrUnsupported = errors.New("operation not supported")
	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRemote wraps errors the peer could not classify.
	ErrRemote = errors.New("remote error")
)

// LaunchError carries the reason a spawn failed.
type LaunchError struct {
	Kind    osproc.FailureKind
	Message string
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch failure (%s): %s", e.Kind, e.Message)
}

func (e *LaunchError) Unwrap() error { return ErrLaunchFailure }

// Error codes carried in ErrorPayload.Code.
const (
	CodeLaunchFailure  = "launch_failure"
	CodeNoSuchProcess  = "no_such_process"
	CodeUnsupported    = "unsupported"
	CodeInvalidRequest = "invalid_request"
	CodeInternal       = "internal"
)

// ErrorPayload is the body of a response with FlagError set.
type ErrorPayload struct {
	Code    string             `json:"code"`
	Kind    osproc.FailureKind `json:"kind,omitempty"`
	Message string             `json:"message"`
}

// EncodeError classifies err for the wire.
func EncodeError(err error) ErrorPayload {
	var (
		launchErr *LaunchError
		startErr  *osproc.StartError
	)
	switch {
	case errors.As(err, &launchErr):
		return ErrorPayload{Code: CodeLaunchFailure, Kind: launchErr.Kind, Message: launchErr.Message}
	case errors.As(err, &startErr):
		return ErrorPayload{Code: CodeLaunchFailure, Kind: startErr.Kind, Message: err.Error()}
	case errors.Is(err, ErrNoSuchProcess), errors.Is(err, osproc.ErrGroupGone):
		return ErrorPayload{Code: CodeNoSuchProcess, Message: err.Error()}
	case errors.Is(err, ErrUnsupported), errors.Is(err, osproc.ErrUnsupportedSignal):
		return ErrorPayload{Code: CodeUnsupported, Message: err.Error()}
	case errors.Is(err, ErrInvalidRequest):
		return ErrorPayload{Code: CodeInvalidRequest, Message: err.Error()}
	default:
		return ErrorPayload{Code: CodeInternal, Message: err.Error()}
	}
}

// DecodeError turns an ErrorPayload back into an error matching the
// sentinels of this package.
func DecodeError(p ErrorPayload) error {
	switch p.Code {
	case CodeLaunchFailure:
		return &LaunchError{Kind: p.Kind, Message: p.Message}
	case CodeNoSuchProcess:
		return fmt.Errorf("%s: %w", p.Message, ErrNoSuchProcess)
	case CodeUnsupported:
		return fmt.Errorf("%s: %w", p.Message, ErrUnsupported)
	case CodeInvalidRequest:
		return fmt.Errorf("%s: %w", p.Message, ErrInvalidRequest)
	default:
		return fmt.Errorf("%s: %w", p.Message, ErrRemote)
	}
}
