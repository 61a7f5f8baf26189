package health

import "context"

// BackendPinger checks metrics backend availability.
type BackendPinger interface {
	Ping(ctx context.Context) error
}
