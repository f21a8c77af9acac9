package models

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable marks the registry store as unreachable. Fatal for the
// current run: later phases are skipped and the next scheduled run retries.
var ErrStoreUnavailable = errors.New("registry store unavailable")

// SourceUnavailableError is a transient source failure (network error,
// non-2xx, timeout). Retried with backoff; never confused with an empty
// result, which is a valid answer.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// IsSourceUnavailable reports whether err is (or wraps) a transient source
// failure.
func IsSourceUnavailable(err error) bool {
	var se *SourceUnavailableError
	return errors.As(err, &se)
}
