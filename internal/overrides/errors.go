package overrides

import "errors"

var (
	// ErrBusy is returned when a load or save is already in flight.
	ErrBusy = errors.New("overrides: operation in progress")
	// ErrNotFound marks an override whose target is absent from the snapshot.
	ErrNotFound = errors.New("overrides: target not found")
)

// ParseError wraps a malformed override file. The previous state is kept.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return "overrides: parse: " + e.Err.Error()
	}
	return "overrides: parse " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }
