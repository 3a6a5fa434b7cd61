package sampler

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	PermissionDenied ErrorKind = iota + 1
	PositionUnavailable
	Timeout
	Unsupported
)

func (k ErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case PositionUnavailable:
		return "position_unavailable"
	case Timeout:
		return "timeout"
	case Unsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var ErrNoSource = errors.New("no location source")

// LocationError is a failure reported by the platform location API.
type LocationError struct {
	Kind ErrorKind
	Err  error
}

func (e *LocationError) Error() string {
	if e.Err == nil {
		return "location: " + e.Kind.String()
	}
	return fmt.Sprintf("location: %s: %v", e.Kind, e.Err)
}

func (e *LocationError) Unwrap() error { return e.Err }

// Recoverable reports whether a retry can succeed without user action.
// PermissionDenied is recoverable once the user grants access.
func (e *LocationError) Recoverable() bool { return e.Kind != Unsupported }

func asLocationError(err error) *LocationError {
	var le *LocationError
	if errors.As(err, &le) {
		return le
	}
	return &LocationError{Kind: PositionUnavailable, Err: err}
}
