package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable signals a failed metrics backend query.
	ErrBackendUnavailable = errors.New("metrics backend unavailable")
	// ErrInvalidConfig signals a configuration that cannot be served.
	ErrInvalidConfig = errors.New("invalid config")
)

// AggregationError reports the instance whose query failed a usage collection.
// Instance is empty when the instance list itself could not be fetched.
type AggregationError struct {
	Instance string
	Err      error
}

func (e *AggregationError) Error() string {
	if e.Instance == "" {
		return fmt.Sprintf("collect usage: list instances: %s", e.Err.Error())
	}
	return fmt.Sprintf("collect usage: instance %q: %s", e.Instance, e.Err.Error())
}

func (e *AggregationError) Unwrap() error { return e.Err }

// NewAggregationError wraps err with the failing instance.
func NewAggregationError(instance string, err error) error {
	return &AggregationError{Instance: instance, Err: err}
}
